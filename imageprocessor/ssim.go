package imageprocessor

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"driftguard/raster"
)

const (
	ssimC1 = 0.01 * 0.01
	ssimC2 = 0.03 * 0.03

	// DefaultSSIMMaxSize caps the side of the square both images are normalized to
	DefaultSSIMMaxSize = 256
)

// StructuralScorer scores how structurally similar two images are; 1 means identical
type StructuralScorer interface {
	Score(a, b *raster.RasterImage) (float64, error)
}

// GlobalSSIM computes SSIM from whole-image statistics rather than a sliding window
type GlobalSSIM struct {
	MaxSize int
}

// Score normalizes both images to the same square and applies the SSIM formula
// to their global mean, variance and covariance
func (s GlobalSSIM) Score(a, b *raster.RasterImage) (float64, error) {
	if a.IsEmpty() || b.IsEmpty() {
		return 0, raster.ErrEmptyImage
	}

	maxSize := s.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultSSIMMaxSize
	}
	side := min(a.Width(), a.Height(), b.Width(), b.Height(), maxSize)

	na, err := a.Resize(side, side)
	if err != nil {
		return 0, fmt.Errorf("failed to normalize first image: %w", err)
	}
	nb, err := b.Resize(side, side)
	if err != nil {
		return 0, fmt.Errorf("failed to normalize second image: %w", err)
	}

	return ssimFromLuma(na.Luma(), nb.Luma()), nil
}

func ssimFromLuma(a, b []float64) float64 {
	var muA, muB, varA, varB, cov float64
	if len(a) < 2 {
		muA, muB = stat.Mean(a, nil), stat.Mean(b, nil)
	} else {
		muA, varA = stat.MeanVariance(a, nil)
		muB, varB = stat.MeanVariance(b, nil)
		cov = stat.Covariance(a, b, nil)
	}

	numerator := (2*muA*muB + ssimC1) * (2*cov + ssimC2)
	denominator := (muA*muA + muB*muB + ssimC1) * (varA + varB + ssimC2)
	return numerator / denominator
}
