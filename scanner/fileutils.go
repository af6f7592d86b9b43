package scanner

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"driftguard/logging"
	"driftguard/raster"
)

type filePair struct {
	baseline  string
	candidate string
	modTime   time.Time
}

// collectPairs walks the baseline directory and matches every image with the
// file at the same relative path under the candidate directory
func collectPairs(options ScanOptions) ([]filePair, FileStats, error) {
	var pairs []filePair
	var stats FileStats

	err := filepath.WalkDir(options.BaselineDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logging.LogWarning("Cannot access %s: %v", path, err)
			return nil
		}
		if d.IsDir() || !raster.IsImageFile(path) {
			return nil
		}

		rel, err := filepath.Rel(options.BaselineDir, path)
		if err != nil {
			return err
		}
		candidate := filepath.Join(options.CandidateDir, rel)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			stats.missing = append(stats.missing, rel)
			return nil
		}
		pairs = append(pairs, filePair{baseline: path, candidate: candidate, modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, stats, err
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].baseline < pairs[j].baseline })
	stats.totalPairs = len(pairs)
	return pairs, stats, nil
}
