package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"driftguard/logging"
	"driftguard/retry"
	"driftguard/types"
	"driftguard/utils"

	_ "github.com/mattn/go-sqlite3"
)

// InitDatabase opens the ledger database and creates or migrates its schema
func InitDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		category TEXT,
		mode TEXT,
		attempts INTEGER DEFAULT 0,
		best_attempt INTEGER DEFAULT 0,
		best_score REAL DEFAULT 0,
		started_at TEXT,
		finished_at TEXT
	);
	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		attempt_index INTEGER NOT NULL,
		strength REAL,
		seed TEXT,
		prompt_digest TEXT,
		result_uri TEXT,
		result_digest TEXT,
		generated INTEGER,
		hash_distance INTEGER,
		ssim REAL,
		overall REAL,
		pass INTEGER,
		retry_needed INTEGER,
		issues TEXT,
		failure TEXT,
		created_at TEXT,
		UNIQUE(run_id, attempt_index)
	);
	CREATE TABLE IF NOT EXISTS comparisons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		baseline_path TEXT NOT NULL,
		candidate_path TEXT NOT NULL,
		mode TEXT NOT NULL,
		hash_distance INTEGER,
		ssim REAL,
		overall REAL,
		pass INTEGER,
		zones INTEGER DEFAULT 0,
		error TEXT,
		modified_at TEXT,
		compared_at TEXT,
		UNIQUE(baseline_path, candidate_path, mode)
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_comparisons_candidate ON comparisons(candidate_path);`

	if _, err = db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, err
	}

	// Older ledgers predate zone reports on attempts
	var hasZoneColumn bool
	err = db.QueryRow("SELECT COUNT(*) FROM pragma_table_info('attempts') WHERE name='zone_report'").Scan(&hasZoneColumn)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error checking for zone_report column: %v", err)
	}
	if !hasZoneColumn {
		if _, err = db.Exec("ALTER TABLE attempts ADD COLUMN zone_report TEXT;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("error adding zone_report column: %v", err)
		}
		logging.DebugLog("Added 'zone_report' column to existing database schema")
	}

	return db, nil
}

// Ledger stores runs, attempts and batch comparisons. It implements retry.Recorder.
type Ledger struct {
	db *sql.DB
}

var _ retry.Recorder = (*Ledger)(nil)

// OpenLedger initializes the database at dbPath
func OpenLedger(dbPath string) (*Ledger, error) {
	db, err := InitDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// DB exposes the underlying connection
func (l *Ledger) DB() *sql.DB { return l.db }

// Close closes the database
func (l *Ledger) Close() error { return l.db.Close() }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// RecordAttempt stores one attempt. The run row is created on first use and
// completed by RecordRun.
func (l *Ledger) RecordAttempt(ctx context.Context, runID string, attempt retry.GenerationAttempt) error {
	issues, err := json.Marshal(attempt.Report.Issues)
	if err != nil {
		return fmt.Errorf("cannot encode issues for attempt %d: %v", attempt.AttemptIndex, err)
	}
	var zoneReport sql.NullString
	if attempt.ZoneReport != nil {
		data, err := json.Marshal(attempt.ZoneReport)
		if err != nil {
			return fmt.Errorf("cannot encode zone report for attempt %d: %v", attempt.AttemptIndex, err)
		}
		zoneReport = sql.NullString{String: string(data), Valid: true}
	}
	var failure sql.NullString
	if attempt.Failure != nil {
		failure = sql.NullString{String: attempt.Failure.Error(), Valid: true}
	}
	var digest string
	if len(attempt.Result.Data) > 0 {
		digest = utils.HashBytes(attempt.Result.Data)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (run_id, state, started_at) VALUES (?, ?, ?)`,
		runID, retry.StateGenerating.String(), formatTime(attempt.Timestamp)); err != nil {
		return fmt.Errorf("cannot create run %s: %v", runID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO attempts (
			run_id, attempt_index, strength, seed, prompt_digest, result_uri, result_digest,
			generated, hash_distance, ssim, overall, pass, retry_needed, issues, zone_report, failure, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID,
		attempt.AttemptIndex,
		attempt.Strength,
		strconv.FormatUint(attempt.Seed, 10),
		attempt.PromptDigest,
		attempt.Result.URI,
		digest,
		attempt.Generated,
		attempt.Report.HashDistance,
		attempt.Report.SSIMScore,
		attempt.Report.OverallScore,
		attempt.Report.Pass,
		attempt.Report.RetryNeeded,
		string(issues),
		zoneReport,
		failure,
		formatTime(attempt.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("cannot insert attempt %d of run %s: %v", attempt.AttemptIndex, runID, err)
	}
	return tx.Commit()
}

// RecordRun stores the final state of a run
func (l *Ledger) RecordRun(ctx context.Context, summary retry.RunSummary) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, state, category, mode, attempts, best_attempt, best_score, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			state = excluded.state,
			category = excluded.category,
			mode = excluded.mode,
			attempts = excluded.attempts,
			best_attempt = excluded.best_attempt,
			best_score = excluded.best_score,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		summary.RunID,
		summary.State.String(),
		summary.Category.String(),
		summary.Mode.String(),
		summary.Attempts,
		summary.BestAttempt,
		summary.BestScore,
		formatTime(summary.StartedAt),
		formatTime(summary.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("cannot store run %s: %v", summary.RunID, err)
	}
	return nil
}

// RunRecord is a stored run
type RunRecord struct {
	RunID       string    `json:"run_id"`
	State       string    `json:"state"`
	Category    string    `json:"category"`
	Mode        string    `json:"mode"`
	Attempts    int       `json:"attempts"`
	BestAttempt int       `json:"best_attempt"`
	BestScore   float64   `json:"best_score"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// ListRuns returns the most recent runs first; limit <= 0 returns all
func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	query := `SELECT run_id, state, COALESCE(category, ''), COALESCE(mode, ''), attempts, best_attempt, best_score,
		COALESCE(started_at, ''), COALESCE(finished_at, '') FROM runs ORDER BY started_at DESC, run_id`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %v", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, finished string
		if err := rows.Scan(&r.RunID, &r.State, &r.Category, &r.Mode, &r.Attempts, &r.BestAttempt, &r.BestScore, &started, &finished); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// AttemptRecord is a stored attempt
type AttemptRecord struct {
	RunID        string                 `json:"run_id"`
	AttemptIndex int                    `json:"attempt_index"`
	Strength     float64                `json:"strength"`
	Seed         uint64                 `json:"seed"`
	PromptDigest string                 `json:"prompt_digest"`
	ResultURI    string                 `json:"result_uri,omitempty"`
	ResultDigest string                 `json:"result_digest,omitempty"`
	Generated    bool                   `json:"generated"`
	Report       types.SimilarityReport `json:"report"`
	ZoneReport   json.RawMessage        `json:"zone_report,omitempty"`
	Failure      string                 `json:"failure,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ListAttempts returns the attempts of one run in order
func (l *Ledger) ListAttempts(ctx context.Context, runID string) ([]AttemptRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, attempt_index, strength, seed, prompt_digest, COALESCE(result_uri, ''), COALESCE(result_digest, ''),
			generated, hash_distance, ssim, overall, pass, retry_needed, COALESCE(issues, ''),
			COALESCE(zone_report, ''), COALESCE(failure, ''), COALESCE(created_at, '')
		FROM attempts WHERE run_id = ? ORDER BY attempt_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts for %s: %v", runID, err)
	}
	defer rows.Close()

	var attempts []AttemptRecord
	for rows.Next() {
		var a AttemptRecord
		var seed, issues, zoneReport, created string
		err := rows.Scan(&a.RunID, &a.AttemptIndex, &a.Strength, &seed, &a.PromptDigest, &a.ResultURI, &a.ResultDigest,
			&a.Generated, &a.Report.HashDistance, &a.Report.SSIMScore, &a.Report.OverallScore, &a.Report.Pass,
			&a.Report.RetryNeeded, &issues, &zoneReport, &a.Failure, &created)
		if err != nil {
			return nil, err
		}
		a.Seed, _ = strconv.ParseUint(seed, 10, 64)
		if issues != "" && issues != "null" {
			if err := json.Unmarshal([]byte(issues), &a.Report.Issues); err != nil {
				return nil, fmt.Errorf("corrupt issues for attempt %d of %s: %v", a.AttemptIndex, runID, err)
			}
		}
		if zoneReport != "" {
			a.ZoneReport = json.RawMessage(zoneReport)
		}
		a.CreatedAt = parseTime(created)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ComparisonRecord is one batch comparison between two files
type ComparisonRecord struct {
	BaselinePath  string
	CandidatePath string
	Mode          string
	Report        types.SimilarityReport
	Zones         int
	Error         string
	// ModifiedAt is the candidate's modification time, used to skip unchanged files
	ModifiedAt string
}

// CheckComparisonExists reports whether a pair was compared and the candidate
// modification time stored with it
func CheckComparisonExists(db *sql.DB, baselinePath, candidatePath, mode string) (bool, string, error) {
	var storedModTime sql.NullString
	err := db.QueryRow(
		"SELECT modified_at FROM comparisons WHERE baseline_path = ? AND candidate_path = ? AND mode = ?",
		baselinePath, candidatePath, mode).Scan(&storedModTime)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("database error for %s: %v", candidatePath, err)
	}
	return true, storedModTime.String, nil
}

// StoreComparison stores a batch comparison result, replacing an earlier one for the same pair
func StoreComparison(db *sql.DB, rec ComparisonRecord) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO comparisons (
			baseline_path, candidate_path, mode, hash_distance, ssim, overall, pass, zones, error, modified_at, compared_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.BaselinePath,
		rec.CandidatePath,
		rec.Mode,
		rec.Report.HashDistance,
		rec.Report.SSIMScore,
		rec.Report.OverallScore,
		rec.Report.Pass,
		rec.Zones,
		rec.Error,
		rec.ModifiedAt,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("cannot insert comparison for %s: %v", rec.CandidatePath, err)
	}
	return nil
}

// QueryFailedComparisons returns the stored comparisons that did not pass
func QueryFailedComparisons(db *sql.DB) ([]ComparisonRecord, error) {
	rows, err := db.Query(`SELECT baseline_path, candidate_path, mode, hash_distance, ssim, overall, pass, zones,
		COALESCE(error, ''), COALESCE(modified_at, '') FROM comparisons WHERE pass = 0 ORDER BY overall`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ComparisonRecord
	for rows.Next() {
		var rec ComparisonRecord
		if err := rows.Scan(&rec.BaselinePath, &rec.CandidatePath, &rec.Mode, &rec.Report.HashDistance,
			&rec.Report.SSIMScore, &rec.Report.OverallScore, &rec.Report.Pass, &rec.Zones, &rec.Error, &rec.ModifiedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats summarizes the ledger
type Stats struct {
	TotalRuns         int            `json:"total_runs"`
	RunsByState       map[string]int `json:"runs_by_state"`
	TotalAttempts     int            `json:"total_attempts"`
	AverageAttempts   float64        `json:"average_attempts"`
	TotalComparisons  int            `json:"total_comparisons"`
	FailedComparisons int            `json:"failed_comparisons"`
}

// GetStats retrieves run, attempt and comparison counts
func (l *Ledger) GetStats(ctx context.Context) (*Stats, error) {
	stats := Stats{RunsByState: map[string]int{}}

	rows, err := l.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM runs GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %v", err)
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.RunsByState[state] = n
		stats.TotalRuns += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM attempts").Scan(&stats.TotalAttempts); err != nil {
		return nil, fmt.Errorf("failed to count attempts: %v", err)
	}
	if stats.TotalRuns > 0 {
		stats.AverageAttempts = float64(stats.TotalAttempts) / float64(stats.TotalRuns)
	}

	err = l.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(CASE WHEN pass = 0 THEN 1 ELSE 0 END), 0) FROM comparisons").
		Scan(&stats.TotalComparisons, &stats.FailedComparisons)
	if err != nil {
		return nil, fmt.Errorf("failed to count comparisons: %v", err)
	}
	return &stats, nil
}
