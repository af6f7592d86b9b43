package types

import "fmt"

// FingerprintBits is the number of bits in a perceptual hash
const FingerprintBits = 64

// SimilarityReport holds the outcome of comparing a candidate against its baseline
type SimilarityReport struct {
	HashDistance int      `json:"hash_distance"`
	SSIMScore    float64  `json:"ssim_score"`
	OverallScore float64  `json:"overall_score"`
	Pass         bool     `json:"pass"`
	RetryNeeded  bool     `json:"retry_needed"`
	Issues       []string `json:"issues,omitempty"`
}

// ZeroConfidenceReport is recorded when a comparison could not be carried out.
// It never passes and always asks for a retry.
func ZeroConfidenceReport(issue string) SimilarityReport {
	return SimilarityReport{
		HashDistance: FingerprintBits,
		SSIMScore:    0,
		OverallScore: 0,
		Pass:         false,
		RetryNeeded:  true,
		Issues:       []string{issue},
	}
}

// AddIssue appends a formatted issue to the report
func (r *SimilarityReport) AddIssue(format string, args ...interface{}) {
	r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
}
