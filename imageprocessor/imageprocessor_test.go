package imageprocessor

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftguard/policy"
	"driftguard/raster"
	"driftguard/raster/rastertest"
	"driftguard/types"
)

func TestCompareIdenticalImagesPasses(t *testing.T) {
	img := rastertest.Sheet(256, 192)
	report, err := NewComparator().Compare(img, img, policy.ModeMinimal)
	require.NoError(t, err)

	assert.Equal(t, 0, report.HashDistance)
	assert.InDelta(t, 1.0, report.SSIMScore, 1e-9)
	assert.InDelta(t, 1.0, report.OverallScore, 1e-9)
	assert.True(t, report.Pass)
	assert.False(t, report.RetryNeeded)
	assert.Empty(t, report.Issues)
}

func TestCompareInvertedImageFails(t *testing.T) {
	img := rastertest.Sheet(256, 192)
	report, err := NewComparator().Compare(img, rastertest.Invert(img), policy.ModeMinimal)
	require.NoError(t, err)

	assert.Greater(t, report.HashDistance, 32)
	assert.Less(t, report.SSIMScore, 0.5)
	assert.False(t, report.Pass)
	assert.True(t, report.RetryNeeded)
	assert.Len(t, report.Issues, 2)
}

func TestCompareAnyModeAcceptsInversion(t *testing.T) {
	img := rastertest.Sheet(64, 64)
	report, err := NewComparator().Compare(img, rastertest.Invert(img), policy.ModeAny)
	require.NoError(t, err)
	assert.True(t, report.Pass)
	assert.False(t, report.RetryNeeded)
}

type fixedScorer float64

func (f fixedScorer) Score(a, b *raster.RasterImage) (float64, error) { return float64(f), nil }

func TestCompareClampsOvershoot(t *testing.T) {
	img := rastertest.Sheet(32, 32)
	c := NewComparator()
	c.Scorer = fixedScorer(1.02)

	report, err := c.Compare(img, img, policy.ModeMinimal)
	require.NoError(t, err)
	assert.Equal(t, 1.0, report.SSIMScore)
	assert.True(t, report.Pass)
}

func TestCompareClampsAntiCorrelation(t *testing.T) {
	img := rastertest.Sheet(32, 32)
	c := NewComparator()
	c.Scorer = fixedScorer(-0.6)

	report, err := c.Compare(img, img, policy.ModeMinimal)
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.SSIMScore)
	assert.InDelta(t, 0.3, report.OverallScore, 1e-12)
}

func TestCompareInvertedPanelScoresZeroSSIM(t *testing.T) {
	sheet := rastertest.Sheet(300, 200)
	panel, err := sheet.Crop(image.Rect(200, 0, 300, 200))
	require.NoError(t, err)

	loose := policy.Thresholds{SSIM: 0, SSIMRetry: 0, PHash: 64, PHashRetry: 64}
	report, err := NewComparator().CompareWith(panel, rastertest.Invert(panel), policy.ModeMinimal, loose)
	require.NoError(t, err)

	assert.Equal(t, 0.0, report.SSIMScore)
	assert.InDelta(t, policy.BlendScore(report.HashDistance, 0), report.OverallScore, 1e-12)
	assert.GreaterOrEqual(t, report.OverallScore, -0.3)
	assert.True(t, report.Pass)
}

func TestCompareEmptyCandidateIsZeroConfidence(t *testing.T) {
	empty, _ := raster.New(0, 0, nil)
	report, err := NewComparator().Compare(rastertest.Sheet(32, 32), empty, policy.ModeMinimal)

	var cerr *types.ComparisonError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "fingerprint candidate", cerr.Stage)
	assert.ErrorIs(t, err, raster.ErrEmptyImage)

	assert.False(t, report.Pass)
	assert.True(t, report.RetryNeeded)
	assert.Zero(t, report.OverallScore)
	assert.Equal(t, types.FingerprintBits, report.HashDistance)
	assert.NotEmpty(t, report.Issues)
}
