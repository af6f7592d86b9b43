// Package scanner compares a directory of baseline sheets with a directory of
// regenerated candidates and records the results in the ledger.
package scanner

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"driftguard/database"
	"driftguard/imageprocessor"
	"driftguard/logging"
	"driftguard/raster"
	"driftguard/types"
	"driftguard/zones"
)

// DefaultMaxWorkers bounds concurrent comparisons when ScanOptions.MaxWorkers is unset
const DefaultMaxWorkers = 8

// ScanAndCompare compares every baseline with its candidate. Results are stored
// when db is not nil. Cancelling ctx stops scheduling new pairs.
func ScanAndCompare(ctx context.Context, db *sql.DB, options ScanOptions) (*Summary, error) {
	if options.BaselineDir == "" || options.CandidateDir == "" {
		return nil, &types.ValidationError{Field: "directories", Reason: "baseline and candidate directories are required"}
	}
	if err := zones.Validate(options.Zones); err != nil {
		return nil, err
	}
	workers := options.MaxWorkers
	if workers <= 0 {
		workers = DefaultMaxWorkers
	}

	if options.DebugMode {
		logging.DebugLog("Starting comparison scan: %s vs %s", options.BaselineDir, options.CandidateDir)
	}
	pairs, stats, err := collectPairs(options)
	if err != nil {
		return nil, fmt.Errorf("cannot walk %s: %w", options.BaselineDir, err)
	}
	PrintStartupInfo(stats, options)

	resultsChan := make(chan PairResult, 100)
	tracker := NewProgressTracker(stats, resultsChan, options)
	startTime := time.Now()

	loader := options.Loader
	if loader == nil {
		loader = raster.NewDefaultRegistry(raster.RegistryOptions{})
	}
	images := options.Comparator
	if images == nil {
		images = imageprocessor.NewComparator()
	}
	zc := zones.NewComparator(images)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, pair := range pairs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			resultsChan <- comparePair(gctx, db, loader, images, zc, pair, options)
			return nil
		})
	}
	err = g.Wait()
	close(resultsChan)
	tracker.Stop()

	summary := tracker.summary(stats, startTime)
	PrintCompletionStats(summary, options)
	if err == nil {
		err = ctx.Err()
	}
	return summary, err
}

// comparePair loads both files and compares them, whole image or by zone
func comparePair(ctx context.Context, db *sql.DB, loader *raster.Registry, images *imageprocessor.Comparator, zc *zones.Comparator, pair filePair, options ScanOptions) PairResult {
	if db != nil && !options.ForceRewrite {
		if skip := checkAndSkipIfUnchanged(db, pair, options); skip != nil {
			return finishResult(*skip)
		}
	}

	result := PairResult{BaselinePath: pair.baseline, CandidatePath: pair.candidate}
	baseline, err := loader.Resolve(ctx, raster.Ref{URI: pair.baseline})
	if err != nil {
		result.Error = fmt.Errorf("load baseline: %w", err)
		return finishResult(result)
	}
	candidate, err := loader.Resolve(ctx, raster.Ref{URI: pair.candidate})
	if err != nil {
		result.Error = fmt.Errorf("load candidate: %w", err)
		return finishResult(result)
	}

	if len(options.Zones) > 0 {
		zr, err := zc.CompareZones(baseline, candidate, options.Zones, options.Mode)
		if err != nil {
			result.Error = err
			return finishResult(result)
		}
		result.ZoneReport = &zr
		result.Report = zr.Summary()
	} else {
		report, err := images.Compare(baseline, candidate, options.Mode)
		result.Report = report
		if err != nil {
			result.Error = err
			return finishResult(result)
		}
	}
	result.Success = true

	if db != nil {
		err := database.StoreComparison(db, database.ComparisonRecord{
			BaselinePath:  pair.baseline,
			CandidatePath: pair.candidate,
			Mode:          options.Mode.String(),
			Report:        result.Report,
			Zones:         len(options.Zones),
			ModifiedAt:    pair.modTime.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			logging.LogWarning("Failed to store comparison: %v", err)
		}
	}
	return finishResult(result)
}

func finishResult(r PairResult) PairResult {
	if r.Error != nil {
		r.ErrorText = r.Error.Error()
	}
	return r
}
