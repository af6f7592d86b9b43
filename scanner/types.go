package scanner

import (
	"io"
	"sync"
	"time"

	"driftguard/imageprocessor"
	"driftguard/policy"
	"driftguard/raster"
	"driftguard/types"
	"driftguard/zones"
)

// ScanOptions defines the options for a batch comparison
type ScanOptions struct {
	BaselineDir  string
	CandidateDir string
	Mode         policy.Mode
	// Zones switches every pair to zone comparison when non-empty
	Zones        []zones.Zone
	ForceRewrite bool
	DebugMode    bool
	MaxWorkers   int
	// Progress receives the progress line; nil disables it
	Progress io.Writer
	// Comparator and Loader default to the stock comparator and loaders
	Comparator *imageprocessor.Comparator
	Loader     *raster.Registry
}

// PairResult holds the result of comparing one baseline with its candidate
type PairResult struct {
	BaselinePath  string                 `json:"baseline"`
	CandidatePath string                 `json:"candidate"`
	Success       bool                   `json:"success"`
	Skipped       bool                   `json:"skipped,omitempty"`
	Report        types.SimilarityReport `json:"report"`
	ZoneReport    *zones.ZoneReport      `json:"zone_report,omitempty"`
	Error         error                  `json:"-"`
	ErrorText     string                 `json:"error,omitempty"`
}

// Summary is returned once every pair has been handled
type Summary struct {
	Pairs   int           `json:"pairs"`
	Passed  int           `json:"passed"`
	Failed  int           `json:"failed"`
	Errors  int           `json:"errors"`
	Skipped int           `json:"skipped"`
	Missing []string      `json:"missing,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
	Results []PairResult  `json:"results"`
}

// FileStats tracks what the walk found before comparing
type FileStats struct {
	totalPairs int
	missing    []string
}

// ProgressTracker tracks progress of the scan operation
type ProgressTracker struct {
	processed int
	passed    int
	failed    int
	errors    int
	skipped   int
	results   []PairResult
	ticker    *time.Ticker
	done      chan struct{}
	finished  chan struct{}
	mu        sync.Mutex
	total     int
	out       io.Writer
}
