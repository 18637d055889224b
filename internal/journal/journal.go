// Package journal keeps recorded emission traces in SQLite.
//
// A journal is a diagnostic sink: each scenario run gets a row in runs and
// every emission the run's store produced gets a row in emissions. Values are
// stored as canonical JSON, so two runs with identical behavior store
// identical rows apart from their IDs and timestamps. Form state itself is
// never loaded back from a journal.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/formstate/internal/trace"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// timeLayout is fixed width so stored timestamps sort chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrRunNotFound is returned when a run ID has no row.
var ErrRunNotFound = errors.New("run not found")

// Journal is an open emission journal.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Run summarizes one recorded run.
type Run struct {
	ID         string
	Scenario   string
	StartedAt  time.Time
	FinishedAt *time.Time
	Passed     *bool
	Emissions  int
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock overrides the time source used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		j.now = now
	}
}

// Open creates or opens the journal at path.
//
// The database is configured like every SQLite file this project writes:
// WAL mode, NORMAL synchronous, a 5 second busy timeout, foreign keys on,
// and a single connection.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	j := &Journal{db: db, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// =============================================================================
// Writes
// =============================================================================

// BeginRun records the start of a run and returns its ID.
func (j *Journal) BeginRun(ctx context.Context, scenario string) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO runs (id, scenario, started_at)
		VALUES (?, ?, ?)
	`, id, scenario, j.now().UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// FinishRun records the outcome of a run.
func (j *Journal) FinishRun(ctx context.Context, runID string, passed bool) error {
	res, err := j.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, passed = ?
		WHERE id = ?
	`, j.now().UTC().Format(timeLayout), passed, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append stores one event. Writing the same (run, seq) twice keeps the first
// row.
func (j *Journal) Append(ctx context.Context, runID string, ev trace.Event) error {
	return insertEvent(ctx, j.db, runID, ev)
}

// AppendAll stores events in one transaction.
func (j *Journal) AppendAll(ctx context.Context, runID string, events []trace.Event) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	for _, ev := range events {
		if err := insertEvent(ctx, tx, runID, ev); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, x execer, runID string, ev trace.Event) error {
	paths, err := trace.MarshalCanonical(ev.Paths)
	if err != nil {
		return fmt.Errorf("append event %d: paths: %w", ev.Seq, err)
	}
	modes, err := optionalJSON(ev.Modes)
	if err != nil {
		return fmt.Errorf("append event %d: modes: %w", ev.Seq, err)
	}
	prev, err := optionalJSON(ev.Prev)
	if err != nil {
		return fmt.Errorf("append event %d: prev: %w", ev.Seq, err)
	}
	curr, err := optionalJSON(ev.Curr)
	if err != nil {
		return fmt.Errorf("append event %d: curr: %w", ev.Seq, err)
	}

	_, err = x.ExecContext(ctx, `
		INSERT INTO emissions (run_id, seq, class, paths, modes, prev, curr)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, runID, ev.Seq, ev.Class, string(paths), modes, prev, curr)
	if err != nil {
		return fmt.Errorf("append event %d: %w", ev.Seq, err)
	}
	return nil
}

// optionalJSON renders v canonically, or NULL when v is empty.
func optionalJSON[M ~map[string]V, V any](v M) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := trace.MarshalCanonical(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// =============================================================================
// Reads
// =============================================================================

// Runs lists every run, oldest first.
func (j *Journal) Runs(ctx context.Context) ([]Run, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT r.id, r.scenario, r.started_at, r.finished_at, r.passed,
		       (SELECT COUNT(*) FROM emissions e WHERE e.run_id = r.id)
		FROM runs r
		ORDER BY r.started_at ASC, r.id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// LatestRun returns the most recently started run.
func (j *Journal) LatestRun(ctx context.Context) (Run, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT r.id, r.scenario, r.started_at, r.finished_at, r.passed,
		       (SELECT COUNT(*) FROM emissions e WHERE e.run_id = r.id)
		FROM runs r
		ORDER BY r.started_at DESC, r.id COLLATE BINARY DESC
		LIMIT 1
	`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return run, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		run      Run
		started  string
		finished sql.NullString
		passed   sql.NullBool
	)
	if err := sc.Scan(&run.ID, &run.Scenario, &started, &finished, &passed, &run.Emissions); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}

	t, err := time.Parse(timeLayout, started)
	if err != nil {
		return Run{}, fmt.Errorf("run %s: started_at: %w", run.ID, err)
	}
	run.StartedAt = t

	if finished.Valid {
		t, err := time.Parse(timeLayout, finished.String)
		if err != nil {
			return Run{}, fmt.Errorf("run %s: finished_at: %w", run.ID, err)
		}
		run.FinishedAt = &t
	}
	if passed.Valid {
		run.Passed = &passed.Bool
	}
	return run, nil
}

// Events returns the events of a run in sequence order. JSON numbers come
// back as float64.
func (j *Journal) Events(ctx context.Context, runID string) ([]trace.Event, error) {
	var exists int
	err := j.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("events of %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("events of %s: %w", runID, err)
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, class, paths, modes, prev, curr
		FROM emissions
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query emissions: %w", err)
	}
	defer rows.Close()

	events := []trace.Event{}
	for rows.Next() {
		var (
			ev                trace.Event
			paths             string
			modes, prev, curr sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &ev.Class, &paths, &modes, &prev, &curr); err != nil {
			return nil, fmt.Errorf("scan emission: %w", err)
		}
		if err := json.Unmarshal([]byte(paths), &ev.Paths); err != nil {
			return nil, fmt.Errorf("emission %d: paths: %w", ev.Seq, err)
		}
		if err := decodeOptional(modes, &ev.Modes); err != nil {
			return nil, fmt.Errorf("emission %d: modes: %w", ev.Seq, err)
		}
		if err := decodeOptional(prev, &ev.Prev); err != nil {
			return nil, fmt.Errorf("emission %d: prev: %w", ev.Seq, err)
		}
		if err := decodeOptional(curr, &ev.Curr); err != nil {
			return nil, fmt.Errorf("emission %d: curr: %w", ev.Seq, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate emissions: %w", err)
	}
	return events, nil
}

func decodeOptional(s sql.NullString, dst any) error {
	if !s.Valid {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}
