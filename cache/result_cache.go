package cache

import (
	"fmt"
	"strings"
	"time"

	"driftguard/policy"
	"driftguard/types"
	"driftguard/utils"
)

// Options configures ResultCache
type Options struct {
	// PromptTTL is the lifetime of prompt results. Default: 60 minutes
	PromptTTL time.Duration
	// SimilarityTTL is the lifetime of comparison results. Default: 30 minutes
	SimilarityTTL time.Duration
	// Now overrides the clock, for tests
	Now func() time.Time
}

// DefaultOptions returns the stock TTLs
func DefaultOptions() Options {
	return Options{
		PromptTTL:     60 * time.Minute,
		SimilarityTTL: 30 * time.Minute,
	}
}

// Option is a functional option for New
type Option func(*Options)

// WithPromptTTL sets the prompt table TTL
func WithPromptTTL(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.PromptTTL = d
		}
	}
}

// WithSimilarityTTL sets the similarity table TTL
func WithSimilarityTTL(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.SimilarityTTL = d
		}
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

// ResultCache holds the two memo tables of one session. It is created by the
// caller and passed in; there is no package-level instance.
type ResultCache struct {
	Prompts    *Table[string]
	Similarity *Table[types.SimilarityReport]
}

// New creates a ResultCache
func New(opts ...Option) *ResultCache {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &ResultCache{
		Prompts:    NewTable[string]("prompts", options.PromptTTL, options.Now),
		Similarity: NewTable[types.SimilarityReport]("similarity", options.SimilarityTTL, options.Now),
	}
}

// Clear empties both tables
func (c *ResultCache) Clear() {
	c.Prompts.Clear()
	c.Similarity.Clear()
}

// PromptKey derives the prompt table key from the request text
func PromptKey(text string) string {
	return utils.HashString("prompt:" + text)
}

// SimilarityKey derives the similarity table key from the content hashes of both
// images, the mode, the thresholds and an optional zone signature. The order of the
// images matters: baseline first.
func SimilarityKey(baselineHash, candidateHash string, mode policy.Mode, th policy.Thresholds, zoneSignature string) string {
	var sb strings.Builder
	sb.WriteString("similarity:")
	sb.WriteString(baselineHash)
	sb.WriteByte(':')
	sb.WriteString(candidateHash)
	sb.WriteByte(':')
	sb.WriteString(mode.String())
	fmt.Fprintf(&sb, ":%g:%g:%d:%d:", th.SSIM, th.SSIMRetry, th.PHash, th.PHashRetry)
	sb.WriteString(zoneSignature)
	return utils.HashString(sb.String())
}
