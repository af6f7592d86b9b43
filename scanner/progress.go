package scanner

import (
	"fmt"
	"time"

	"driftguard/logging"
)

// NewProgressTracker starts the display and result goroutines
func NewProgressTracker(stats FileStats, resultsChan chan PairResult, options ScanOptions) *ProgressTracker {
	tracker := &ProgressTracker{
		ticker:   time.NewTicker(500 * time.Millisecond),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		total:    stats.totalPairs,
		out:      options.Progress,
	}

	go tracker.displayProgress()
	go tracker.processResults(resultsChan)

	return tracker
}

// displayProgress shows the progress periodically
func (p *ProgressTracker) displayProgress() {
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			if p.out == nil {
				continue
			}
			p.mu.Lock()
			if p.errors > 0 {
				fmt.Fprintf(p.out, "\rProgress: %d/%d (pass: %d, fail: %d, errors: %d)",
					p.processed, p.total, p.passed, p.failed, p.errors)
			} else {
				fmt.Fprintf(p.out, "\rProgress: %d/%d (pass: %d, fail: %d)",
					p.processed, p.total, p.passed, p.failed)
			}
			p.mu.Unlock()
		}
	}
}

// processResults updates the tracker state until resultsChan is closed
func (p *ProgressTracker) processResults(resultsChan chan PairResult) {
	defer close(p.finished)
	for result := range resultsChan {
		p.mu.Lock()
		p.processed++
		switch {
		case result.Skipped:
			p.skipped++
		case !result.Success:
			p.errors++
			if result.Error != nil {
				logging.LogImageCompared(result.CandidatePath, false, result.Error.Error())
			}
		case result.Report.Pass:
			p.passed++
			logging.LogImageCompared(result.CandidatePath, true, "")
		default:
			p.failed++
			logging.LogImageCompared(result.CandidatePath, true, "")
		}
		p.results = append(p.results, result)
		p.mu.Unlock()
	}
}

// Stop waits for pending results and ends the display
func (p *ProgressTracker) Stop() {
	<-p.finished
	p.ticker.Stop()
	close(p.done)
}

// PrintStartupInfo displays information about the scan before starting
func PrintStartupInfo(stats FileStats, options ScanOptions) {
	if options.Progress == nil {
		return
	}
	fmt.Fprintf(options.Progress, "Comparing %s against %s\nPairs to compare: %d (%d baselines without a candidate)\n",
		options.CandidateDir, options.BaselineDir, stats.totalPairs, len(stats.missing))
	fmt.Fprintf(options.Progress, "Mode: %s, zones: %d, force rewrite: %v\n", options.Mode, len(options.Zones), options.ForceRewrite)

	if options.DebugMode {
		logging.DebugLog("Found %d pairs to compare, %d missing candidates", stats.totalPairs, len(stats.missing))
	}
}

// summary snapshots the tracker once Stop has returned
func (p *ProgressTracker) summary(stats FileStats, startTime time.Time) *Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Summary{
		Pairs:   p.processed,
		Passed:  p.passed,
		Failed:  p.failed,
		Errors:  p.errors,
		Skipped: p.skipped,
		Missing: stats.missing,
		Elapsed: time.Since(startTime),
		Results: p.results,
	}
}

// PrintCompletionStats displays statistics after scan completion
func PrintCompletionStats(summary *Summary, options ScanOptions) {
	if options.DebugMode {
		logging.DebugLog("Scan completed in %v. Pairs: %d, passed: %d, failed: %d, errors: %d, skipped: %d",
			summary.Elapsed, summary.Pairs, summary.Passed, summary.Failed, summary.Errors, summary.Skipped)
	}
	if options.Progress == nil {
		return
	}

	fmt.Fprintln(options.Progress, "\nComparison complete.")
	fmt.Fprintf(options.Progress, "Compared %d pairs in %v: %d passed, %d failed.\n",
		summary.Pairs, summary.Elapsed.Round(time.Millisecond), summary.Passed, summary.Failed)
	if summary.Skipped > 0 {
		fmt.Fprintf(options.Progress, "Skipped %d unchanged candidates.\n", summary.Skipped)
	}
	if len(summary.Missing) > 0 {
		fmt.Fprintf(options.Progress, "%d baselines have no candidate.\n", len(summary.Missing))
	}
	if summary.Errors > 0 {
		fmt.Fprintf(options.Progress, "Encountered %d errors.\n", summary.Errors)
		fmt.Fprintln(options.Progress, "Check the log file for details.")
	}
}
