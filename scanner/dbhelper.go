package scanner

import (
	"database/sql"
	"fmt"
	"time"

	"driftguard/database"
	"driftguard/logging"
)

// checkAndSkipIfUnchanged returns a skipped result when the pair was already
// compared and the candidate has not been modified since
func checkAndSkipIfUnchanged(db *sql.DB, pair filePair, options ScanOptions) *PairResult {
	exists, storedModTime, err := database.CheckComparisonExists(db, pair.baseline, pair.candidate, options.Mode.String())
	if err != nil {
		return &PairResult{BaselinePath: pair.baseline, CandidatePath: pair.candidate, Error: err}
	}
	if !exists || storedModTime == "" {
		return nil
	}

	storedTime, err := time.Parse(time.RFC3339Nano, storedModTime)
	if err != nil {
		return &PairResult{
			BaselinePath:  pair.baseline,
			CandidatePath: pair.candidate,
			Error:         fmt.Errorf("cannot parse stored time for %s: %v", pair.candidate, err),
		}
	}

	if !pair.modTime.After(storedTime) {
		if options.DebugMode {
			logging.DebugLog("Skipping unchanged candidate: %s", pair.candidate)
		}
		return &PairResult{BaselinePath: pair.baseline, CandidatePath: pair.candidate, Success: true, Skipped: true}
	}
	return nil
}
