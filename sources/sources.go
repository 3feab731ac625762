package sources

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pevans/wpharvest/discovery"
)

// Custom errors for run state operations
var (
	ErrSiteNotFound   = errors.New("site not found")
	ErrInvalidOutcome = errors.New("outcome must be succeeded, partial, or failed")
	ErrMissingSite    = errors.New("run site is required")
)

// StateStore keeps per-site harvest state and run history in SQLite.
type StateStore struct {
	db *sql.DB
}

// SiteState is the persisted state of one site across runs.
type SiteState struct {
	Name             string     `json:"name"`
	LastRunID        *uuid.UUID `json:"last_run_id,omitempty"`
	LastFetchedAt    *time.Time `json:"last_fetched_at,omitempty"`
	LastSuccessAt    *time.Time `json:"last_success_at,omitempty"`
	LastOutcome      string     `json:"last_outcome"`
	FetchErrorCount  int        `json:"fetch_error_count"`
	LastError        *string    `json:"last_error,omitempty"`
	TotalNewArticles int        `json:"total_new_articles"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Run is one recorded site run.
type Run struct {
	RunID         uuid.UUID `json:"run_id"`
	Site          string    `json:"site"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Outcome       string    `json:"outcome"`
	NewArticles   int       `json:"new_articles"`
	TotalArticles int       `json:"total_articles"`
	PagesFetched  int       `json:"pages_fetched"`
	StopReason    string    `json:"stop_reason,omitempty"`
	StopPage      int       `json:"stop_page"`
	Warnings      []string  `json:"warnings,omitempty"`
	Error         *string   `json:"error,omitempty"`
}

// NewStateStore opens (or creates) the state database at dsn.
func NewStateStore(dsn string) (*StateStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	store := &StateStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the sites and runs tables if they don't exist.
func (s *StateStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sites (
		name TEXT PRIMARY KEY,
		last_run_id TEXT,
		last_fetched_at TEXT,
		last_success_at TEXT,
		last_outcome TEXT NOT NULL,
		fetch_error_count INTEGER DEFAULT 0,
		last_error TEXT,
		total_new_articles INTEGER DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		site TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		outcome TEXT NOT NULL,
		new_articles INTEGER DEFAULT 0,
		total_articles INTEGER DEFAULT 0,
		pages_fetched INTEGER DEFAULT 0,
		stop_reason TEXT,
		stop_page INTEGER DEFAULT 0,
		warnings TEXT,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_site_started ON runs (site, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *StateStore) Close() error {
	return s.db.Close()
}

// RunFromReport converts a site report into a run with a fresh id.
func RunFromReport(r *discovery.Report) *Run {
	run := &Run{
		RunID:         uuid.New(),
		Site:          r.Site,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		Outcome:       string(r.Outcome),
		NewArticles:   r.NewArticles,
		TotalArticles: r.TotalArticles,
		PagesFetched:  r.PagesFetched,
		StopReason:    string(r.StopReason),
		StopPage:      r.StopPage,
		Warnings:      r.Warnings,
	}
	if r.Err != nil {
		msg := r.Err.Error()
		run.Error = &msg
	}
	return run
}

// RecordReport stores a site report as a new run.
func (s *StateStore) RecordReport(ctx context.Context, r *discovery.Report) error {
	return s.RecordRun(ctx, RunFromReport(r))
}

// RecordRun inserts the run and updates the site's state in one
// transaction. A successful run resets the error count; any other outcome
// increments it and stores the error.
func (s *StateStore) RecordRun(ctx context.Context, run *Run) error {
	if run.Site == "" {
		return ErrMissingSite
	}
	if err := validateOutcome(run.Outcome); err != nil {
		return err
	}
	if run.RunID == uuid.Nil {
		run.RunID = uuid.New()
	}

	// Serialize warnings to JSON if present
	var warningsJSON *string
	if len(run.Warnings) > 0 {
		data, err := json.Marshal(run.Warnings)
		if err != nil {
			return fmt.Errorf("failed to marshal warnings: %w", err)
		}
		jsonStr := string(data)
		warningsJSON = &jsonStr
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, site, started_at, finished_at, outcome, new_articles,
			total_articles, pages_fetched, stop_reason, stop_page, warnings, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.RunID.String(),
		run.Site,
		formatTime(&run.StartedAt),
		formatTime(&run.FinishedAt),
		run.Outcome,
		run.NewArticles,
		run.TotalArticles,
		run.PagesFetched,
		run.StopReason,
		run.StopPage,
		warningsJSON,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	succeeded := run.Outcome == string(discovery.OutcomeSucceeded)
	var lastSuccess *time.Time
	errorCount := 1
	if succeeded {
		lastSuccess = &run.FinishedAt
		errorCount = 0
	}
	now := time.Now()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sites (
			name, last_run_id, last_fetched_at, last_success_at, last_outcome,
			fetch_error_count, last_error, total_new_articles, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_run_id = excluded.last_run_id,
			last_fetched_at = excluded.last_fetched_at,
			last_success_at = COALESCE(excluded.last_success_at, sites.last_success_at),
			last_outcome = excluded.last_outcome,
			fetch_error_count = CASE
				WHEN excluded.fetch_error_count = 0 THEN 0
				ELSE sites.fetch_error_count + 1
			END,
			last_error = excluded.last_error,
			total_new_articles = sites.total_new_articles + excluded.total_new_articles,
			updated_at = excluded.updated_at
	`,
		run.Site,
		run.RunID.String(),
		formatTime(&run.FinishedAt),
		formatTime(lastSuccess),
		run.Outcome,
		errorCount,
		run.Error,
		run.NewArticles,
		formatTime(&now),
		formatTime(&now),
	)
	if err != nil {
		return fmt.Errorf("failed to update site state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const siteColumns = `
	name, last_run_id, last_fetched_at, last_success_at, last_outcome,
	fetch_error_count, last_error, total_new_articles, created_at, updated_at
`

// GetSite retrieves the state of a site by name.
func (s *StateStore) GetSite(ctx context.Context, name string) (*SiteState, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+siteColumns+" FROM sites WHERE name = ?", name)

	state, err := scanSite(row)
	if err == sql.ErrNoRows {
		return nil, ErrSiteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query site: %w", err)
	}
	return state, nil
}

// ListSites returns the state of every recorded site ordered by name.
func (s *StateStore) ListSites(ctx context.Context) ([]SiteState, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+siteColumns+" FROM sites ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query sites: %w", err)
	}
	defer rows.Close()

	var sites []SiteState
	for rows.Next() {
		state, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, *state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sites: %w", err)
	}

	return sites, nil
}

// ListRuns returns recorded runs newest first. An empty site lists runs of
// all sites; a limit of zero or less returns every run.
func (s *StateStore) ListRuns(ctx context.Context, site string, limit int) ([]Run, error) {
	query := `
		SELECT run_id, site, started_at, finished_at, outcome, new_articles,
		       total_articles, pages_fetched, stop_reason, stop_page, warnings, error
		FROM runs
	`

	var args []any
	if site != "" {
		query += " WHERE site = ?"
		args = append(args, site)
	}

	query += " ORDER BY started_at DESC, rowid DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}

	return runs, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSite parses one sites row.
func scanSite(row rowScanner) (*SiteState, error) {
	var name, lastOutcome, createdAtStr, updatedAtStr string
	var lastRunID, lastFetchedAtStr, lastSuccessAtStr, lastError sql.NullString
	var fetchErrorCount, totalNewArticles int

	if err := row.Scan(
		&name, &lastRunID, &lastFetchedAtStr, &lastSuccessAtStr, &lastOutcome,
		&fetchErrorCount, &lastError, &totalNewArticles, &createdAtStr, &updatedAtStr,
	); err != nil {
		return nil, err
	}

	state := &SiteState{
		Name:             name,
		LastOutcome:      lastOutcome,
		FetchErrorCount:  fetchErrorCount,
		TotalNewArticles: totalNewArticles,
		CreatedAt:        parseTime(createdAtStr),
		UpdatedAt:        parseTime(updatedAtStr),
	}

	// Parse optional columns
	if lastRunID.Valid {
		id, err := uuid.Parse(lastRunID.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse run ID: %w", err)
		}
		state.LastRunID = &id
	}
	if lastFetchedAtStr.Valid {
		t := parseTime(lastFetchedAtStr.String)
		state.LastFetchedAt = &t
	}
	if lastSuccessAtStr.Valid {
		t := parseTime(lastSuccessAtStr.String)
		state.LastSuccessAt = &t
	}
	if lastError.Valid {
		state.LastError = &lastError.String
	}

	return state, nil
}

// scanRun parses one runs row.
func scanRun(row rowScanner) (*Run, error) {
	var runIDStr, site, startedAtStr, finishedAtStr, outcome string
	var stopReason, warningsJSON, runError sql.NullString
	var newArticles, totalArticles, pagesFetched, stopPage int

	if err := row.Scan(
		&runIDStr, &site, &startedAtStr, &finishedAtStr, &outcome, &newArticles,
		&totalArticles, &pagesFetched, &stopReason, &stopPage, &warningsJSON, &runError,
	); err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	runID, err := uuid.Parse(runIDStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse run ID: %w", err)
	}

	run := &Run{
		RunID:         runID,
		Site:          site,
		StartedAt:     parseTime(startedAtStr),
		FinishedAt:    parseTime(finishedAtStr),
		Outcome:       outcome,
		NewArticles:   newArticles,
		TotalArticles: totalArticles,
		PagesFetched:  pagesFetched,
		StopReason:    stopReason.String,
		StopPage:      stopPage,
	}

	if runError.Valid {
		run.Error = &runError.String
	}

	// Parse warnings JSON
	if warningsJSON.Valid {
		if err := json.Unmarshal([]byte(warningsJSON.String), &run.Warnings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal warnings: %w", err)
		}
	}

	return run, nil
}

func validateOutcome(outcome string) error {
	switch discovery.Outcome(outcome) {
	case discovery.OutcomeSucceeded, discovery.OutcomePartial, discovery.OutcomeFailed:
		return nil
	default:
		return ErrInvalidOutcome
	}
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Helper functions for time formatting
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	// Strip monotonic clock for consistent storage and comparisons
	return t.Truncate(0).UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	// Try RFC3339Nano first, fall back to RFC3339 for compatibility
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	// Strip monotonic clock for consistent comparisons
	return t.Truncate(0)
}
