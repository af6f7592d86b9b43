// Package policy maps a hash distance and SSIM score to an accept/retry verdict.
package policy

import (
	"fmt"
	"strings"
)

// Mode selects how strictly unchanged content is enforced
type Mode int

const (
	// ModeMinimal applies the thresholds as configured
	ModeMinimal Mode = iota
	// ModeModerate relaxes the hash limit by 1.5x and the SSIM floor by 0.9x
	ModeModerate
	// ModeAny accepts every candidate
	ModeAny
)

const (
	moderateHashFactor = 1.5
	moderateSSIMFactor = 0.9
)

// String returns the configuration name of the mode
func (m Mode) String() string {
	switch m {
	case ModeMinimal:
		return "minimal"
	case ModeModerate:
		return "moderate"
	case ModeAny:
		return "any"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts a configuration name into a Mode
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "":
		return ModeMinimal, nil
	case "moderate":
		return ModeModerate, nil
	case "any":
		return ModeAny, nil
	}
	return ModeMinimal, fmt.Errorf("unknown consistency mode %q (want minimal, moderate or any)", s)
}

// MarshalText implements encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Thresholds are the acceptance and retry limits
type Thresholds struct {
	SSIM       float64 `yaml:"ssim" json:"ssim"`
	SSIMRetry  float64 `yaml:"ssim_retry" json:"ssim_retry"`
	PHash      int     `yaml:"phash" json:"phash"`
	PHashRetry int     `yaml:"phash_retry" json:"phash_retry"`
}

// DefaultThresholds returns the stock limits
func DefaultThresholds() Thresholds {
	return Thresholds{
		SSIM:       0.92,
		SSIMRetry:  0.95,
		PHash:      5,
		PHashRetry: 3,
	}
}

// Validate checks that the thresholds are usable
func (t Thresholds) Validate() error {
	if t.SSIM < 0 || t.SSIM > 1 {
		return fmt.Errorf("ssim threshold %.3f outside [0, 1]", t.SSIM)
	}
	if t.SSIMRetry < 0 || t.SSIMRetry > 1 {
		return fmt.Errorf("ssim retry threshold %.3f outside [0, 1]", t.SSIMRetry)
	}
	if t.PHash < 0 || t.PHash > 64 {
		return fmt.Errorf("phash threshold %d outside [0, 64]", t.PHash)
	}
	if t.PHashRetry < 0 || t.PHashRetry > 64 {
		return fmt.Errorf("phash retry threshold %d outside [0, 64]", t.PHashRetry)
	}
	return nil
}

// Verdict is the outcome of Decide
type Verdict struct {
	Pass         bool
	RetryNeeded  bool
	OverallScore float64
}

// BlendScore combines SSIM and hash distance: 0.7*ssim + 0.3*(1 - d/32).
// The result is not clamped: with ssim in [0, 1] and d in [0, 64] it lies in
// [-0.3, 1], going negative only once more than half the hash bits differ.
func BlendScore(hashDistance int, ssim float64) float64 {
	return 0.7*ssim + 0.3*(1-float64(hashDistance)/32)
}

// Decide applies the thresholds for the given mode
func Decide(hashDistance int, ssim float64, mode Mode, t Thresholds) Verdict {
	v := Verdict{OverallScore: BlendScore(hashDistance, ssim)}

	switch mode {
	case ModeAny:
		v.Pass = true
		v.RetryNeeded = false
	case ModeModerate:
		v.Pass = float64(hashDistance) <= moderateHashFactor*float64(t.PHash) &&
			ssim >= moderateSSIMFactor*t.SSIM
		v.RetryNeeded = float64(hashDistance) > moderateHashFactor*float64(t.PHashRetry) ||
			ssim < moderateSSIMFactor*t.SSIMRetry
	default:
		v.Pass = hashDistance <= t.PHash && ssim >= t.SSIM
		v.RetryNeeded = hashDistance > t.PHashRetry || ssim < t.SSIMRetry
	}
	return v
}

// Describe lists the limits a failing comparison broke, for report issues
func Describe(hashDistance int, ssim float64, mode Mode, t Thresholds) []string {
	if mode == ModeAny {
		return nil
	}
	hashLimit, ssimLimit := float64(t.PHash), t.SSIM
	if mode == ModeModerate {
		hashLimit *= moderateHashFactor
		ssimLimit *= moderateSSIMFactor
	}

	var issues []string
	if float64(hashDistance) > hashLimit {
		issues = append(issues, fmt.Sprintf("perceptual hash distance %d exceeds %s limit %.1f", hashDistance, mode, hashLimit))
	}
	if ssim < ssimLimit {
		issues = append(issues, fmt.Sprintf("structural similarity %.3f below %s limit %.3f", ssim, mode, ssimLimit))
	}
	return issues
}
