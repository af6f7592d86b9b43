package scanner

import (
	"bytes"
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftguard/database"
	"driftguard/policy"
	"driftguard/raster"
	"driftguard/raster/rastertest"
	"driftguard/types"
	"driftguard/zones"
)

func writePNG(t *testing.T, path string, img *raster.RasterImage) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := img.EncodePNG()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// fixture lays out one matching pair, one drifted pair and one baseline without a candidate
func fixture(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	base := filepath.Join(root, "baseline")
	cand := filepath.Join(root, "candidate")

	sheet := rastertest.Sheet(96, 64)
	stripes := rastertest.Stripes(64, 64, 8)

	writePNG(t, filepath.Join(base, "plan.png"), sheet)
	writePNG(t, filepath.Join(cand, "plan.png"), sheet)
	writePNG(t, filepath.Join(base, "views", "north.png"), stripes)
	writePNG(t, filepath.Join(cand, "views", "north.png"), rastertest.Invert(stripes))
	writePNG(t, filepath.Join(base, "section.png"), sheet)
	require.NoError(t, os.WriteFile(filepath.Join(base, "notes.txt"), []byte("not an image"), 0o644))
	return base, cand
}

func TestScanAndCompare(t *testing.T) {
	base, cand := fixture(t)
	var progress bytes.Buffer

	summary, err := ScanAndCompare(context.Background(), nil, ScanOptions{
		BaselineDir:  base,
		CandidateDir: cand,
		Mode:         policy.ModeMinimal,
		MaxWorkers:   2,
		Progress:     &progress,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Pairs)
	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Errors)
	assert.Equal(t, []string{"section.png"}, summary.Missing)
	assert.Contains(t, progress.String(), "Comparison complete.")

	results := summary.Results
	sort.Slice(results, func(i, j int) bool { return results[i].BaselinePath < results[j].BaselinePath })
	assert.True(t, results[0].Report.Pass)
	assert.Equal(t, filepath.Join(cand, "plan.png"), results[0].CandidatePath)
	assert.False(t, results[1].Report.Pass)
	assert.NotEmpty(t, results[1].Report.Issues)
}

func TestScanSkipsUnchangedCandidates(t *testing.T) {
	base, cand := fixture(t)
	ledger, err := database.OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer ledger.Close()

	options := ScanOptions{BaselineDir: base, CandidateDir: cand, Mode: policy.ModeMinimal}
	first, err := ScanAndCompare(context.Background(), ledger.DB(), options)
	require.NoError(t, err)
	assert.Zero(t, first.Skipped)

	second, err := ScanAndCompare(context.Background(), ledger.DB(), options)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Skipped)

	options.ForceRewrite = true
	third, err := ScanAndCompare(context.Background(), ledger.DB(), options)
	require.NoError(t, err)
	assert.Zero(t, third.Skipped)

	failed, err := database.QueryFailedComparisons(ledger.DB())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, filepath.Join(cand, "views", "north.png"), failed[0].CandidatePath)
}

func TestScanReportsUndecodableCandidate(t *testing.T) {
	base, cand := fixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(cand, "plan.png"), []byte("truncated"), 0o644))

	summary, err := ScanAndCompare(context.Background(), nil, ScanOptions{BaselineDir: base, CandidateDir: cand})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	for _, r := range summary.Results {
		if r.CandidatePath == filepath.Join(cand, "plan.png") {
			assert.False(t, r.Success)
			assert.Contains(t, r.ErrorText, "load candidate")
		}
	}
}

func TestScanWithZones(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "a")
	cand := filepath.Join(root, "b")
	sheet := rastertest.Sheet(120, 60)
	half, err := sheet.Crop(image.Rect(60, 0, 120, 60))
	require.NoError(t, err)
	writePNG(t, filepath.Join(base, "sheet.png"), sheet)
	writePNG(t, filepath.Join(cand, "sheet.png"), rastertest.Paste(sheet, rastertest.Invert(half), 60, 0))

	summary, err := ScanAndCompare(context.Background(), nil, ScanOptions{
		BaselineDir:  base,
		CandidateDir: cand,
		Zones: []zones.Zone{
			{ID: "plan", X: 0, Y: 0, Width: 60, Height: 60, ExpectedUnchanged: true},
			{ID: "view", X: 60, Y: 0, Width: 60, Height: 60},
		},
	})
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	result := summary.Results[0]
	require.NotNil(t, result.ZoneReport)
	assert.True(t, result.ZoneReport.Consistent)
	assert.True(t, result.Report.Pass)
}

func TestScanValidatesOptions(t *testing.T) {
	_, err := ScanAndCompare(context.Background(), nil, ScanOptions{BaselineDir: "a"})
	var verr *types.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = ScanAndCompare(context.Background(), nil, ScanOptions{
		BaselineDir: "a", CandidateDir: "b",
		Zones: []zones.Zone{{ID: "x", Width: -1, Height: 1}},
	})
	assert.True(t, errors.As(err, &verr))
}

func TestScanStopsWhenCancelled(t *testing.T) {
	base, cand := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := ScanAndCompare(ctx, nil, ScanOptions{BaselineDir: base, CandidateDir: cand})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)
	assert.Zero(t, summary.Pairs)
}
