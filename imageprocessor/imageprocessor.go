// Package imageprocessor fingerprints images and compares candidates against
// their baseline using a perceptual hash and a global SSIM score.
package imageprocessor

import (
	"driftguard/logging"
	"driftguard/policy"
	"driftguard/raster"
	"driftguard/types"
)

// Comparator runs the hash and SSIM comparison and applies the policy
type Comparator struct {
	Hasher     *Hasher
	Scorer     StructuralScorer
	Thresholds policy.Thresholds
}

// NewComparator creates a comparator with the default hasher, global SSIM and thresholds
func NewComparator() *Comparator {
	return &Comparator{
		Hasher:     NewHasher(DefaultHashSize),
		Scorer:     GlobalSSIM{MaxSize: DefaultSSIMMaxSize},
		Thresholds: policy.DefaultThresholds(),
	}
}

// Compare compares the whole candidate against the baseline using the
// comparator's thresholds
func (c *Comparator) Compare(baseline, candidate *raster.RasterImage, mode policy.Mode) (types.SimilarityReport, error) {
	return c.CompareWith(baseline, candidate, mode, c.Thresholds)
}

// CompareWith compares using explicit thresholds. On failure it returns a
// zero-confidence report together with a *types.ComparisonError.
func (c *Comparator) CompareWith(baseline, candidate *raster.RasterImage, mode policy.Mode, th policy.Thresholds) (types.SimilarityReport, error) {
	hasher := c.Hasher
	if hasher == nil {
		hasher = defaultHasher
	}
	scorer := c.Scorer
	if scorer == nil {
		scorer = GlobalSSIM{}
	}

	baseHash, err := hasher.Hash(baseline)
	if err != nil {
		return failed("fingerprint baseline", err)
	}
	candHash, err := hasher.Hash(candidate)
	if err != nil {
		return failed("fingerprint candidate", err)
	}
	distance, err := HammingDistance(baseHash, candHash)
	if err != nil {
		return failed("hash distance", err)
	}

	ssim, err := scorer.Score(baseline, candidate)
	if err != nil {
		return failed("structural similarity", err)
	}
	// the global approximation can overshoot; anything above 1 is identical and
	// anti-correlated content counts as no structural similarity
	ssim = min(max(ssim, 0), 1)

	verdict := policy.Decide(distance, ssim, mode, th)
	report := types.SimilarityReport{
		HashDistance: distance,
		SSIMScore:    ssim,
		OverallScore: verdict.OverallScore,
		Pass:         verdict.Pass,
		RetryNeeded:  verdict.RetryNeeded,
		Issues:       policy.Describe(distance, ssim, mode, th),
	}

	logging.DebugLog("Compared images: hash distance %d, ssim %.4f, overall %.4f, pass %v",
		distance, ssim, report.OverallScore, report.Pass)
	return report, nil
}

func failed(stage string, err error) (types.SimilarityReport, error) {
	cerr := &types.ComparisonError{Stage: stage, Cause: err}
	logging.LogWarning("%v", cerr)
	return types.ZeroConfidenceReport(cerr.Error()), cerr
}
