// Package store persists detection runs and their patterns in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zorak1103/ha-patterns/internal/patterns"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Store provides access to stored detection runs.
type Store struct {
	db *sql.DB
}

// Run summarizes one stored detection run.
type Run struct {
	ID           string            `json:"id"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	EventCount   int               `json:"event_count"`
	PatternCount int               `json:"pattern_count"`
	Failures     map[string]string `json:"failures,omitempty"`
}

// Query narrows the patterns returned for a run.
type Query struct {
	Types         []patterns.PatternType
	MinConfidence float64
	// EntityID matches the primary entity or any member of Entities.
	EntityID string
	Limit    int
}

// Open opens (or creates) the database at path. The parent directory is
// created when missing. ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	var dsn string
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		dsn = path + "?" + url.Values{
			"_pragma": []string{
				"busy_timeout(30000)",
				"journal_mode(WAL)",
				"synchronous(NORMAL)",
				"foreign_keys(ON)",
			},
		}.Encode()
	} else {
		dsn = path + "?" + url.Values{"_pragma": []string{"foreign_keys(ON)"}}.Encode()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open pattern store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		started_at   INTEGER NOT NULL,
		finished_at  INTEGER NOT NULL,
		event_count  INTEGER NOT NULL DEFAULT 0,
		failures     TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

	CREATE TABLE IF NOT EXISTS patterns (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		pattern_type TEXT NOT NULL,
		confidence   REAL NOT NULL,
		entity_id    TEXT NOT NULL DEFAULT '',
		entities     TEXT NOT NULL DEFAULT '',
		data         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_run_type ON patterns(run_id, pattern_type);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init pattern store schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveReport stores a run and all of its patterns in one transaction.
func (s *Store) SaveReport(ctx context.Context, r *patterns.Report) error {
	if r == nil {
		return fmt.Errorf("report is nil")
	}
	failures := make(map[string]string, len(r.Failures))
	for t, msg := range r.Failures {
		failures[t.String()] = msg
	}
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return fmt.Errorf("encode failures: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, event_count, failures) VALUES (?, ?, ?, ?, ?)`,
		r.RunID, r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(), r.EventCount, string(failuresJSON),
	); err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO patterns (run_id, pattern_type, confidence, entity_id, entities, data) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare pattern insert: %w", err)
	}
	defer stmt.Close()

	for _, res := range r.All() {
		data, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("encode %s pattern: %w", res.PatternType, err)
		}
		if _, err := stmt.ExecContext(ctx,
			r.RunID, res.PatternType.String(), res.Confidence, res.EntityID, joinEntities(res.Entities), string(data),
		); err != nil {
			return fmt.Errorf("insert %s pattern: %w", res.PatternType, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first. A limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT r.id, r.started_at, r.finished_at, r.event_count, r.failures,
		(SELECT COUNT(*) FROM patterns p WHERE p.run_id = r.id)
		FROM runs r ORDER BY r.started_at DESC, r.id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetRun returns a run by id, or the latest run when id is empty.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT r.id, r.started_at, r.finished_at, r.event_count, r.failures,
		(SELECT COUNT(*) FROM patterns p WHERE p.run_id = r.id)
		FROM runs r `
	var args []any
	if id == "" {
		query += `ORDER BY r.started_at DESC LIMIT 1`
	} else {
		query += `WHERE r.id = ?`
		args = append(args, id)
	}

	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// Patterns returns the patterns of a run ordered by descending confidence.
// An empty runID selects the latest run. ErrNotFound is returned when the
// run does not exist.
func (s *Store) Patterns(ctx context.Context, runID string, q Query) ([]patterns.Result, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	runID = run.ID

	where := []string{"run_id = ?", "confidence >= ?"}
	args := []any{runID, q.MinConfidence}
	if len(q.Types) > 0 {
		where = append(where, "pattern_type IN ("+strings.TrimSuffix(strings.Repeat("?,", len(q.Types)), ",")+")")
		for _, t := range q.Types {
			args = append(args, t.String())
		}
	}
	if q.EntityID != "" {
		where = append(where, "(entity_id = ? OR instr(entities, ?) > 0)")
		args = append(args, q.EntityID, "\n"+q.EntityID+"\n")
	}
	query := `SELECT data FROM patterns WHERE ` + strings.Join(where, " AND ") + ` ORDER BY confidence DESC, id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	results := []patterns.Result{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		var res patterns.Result
		if err := json.Unmarshal([]byte(data), &res); err != nil {
			return nil, fmt.Errorf("decode pattern: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// DeleteRunsBefore removes runs started before cutoff together with their
// patterns and returns how many runs were removed.
func (s *Store) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run               Run
		started, finished int64
		failures          string
	)
	if err := row.Scan(&run.ID, &started, &finished, &run.EventCount, &failures, &run.PatternCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.StartedAt = time.UnixMilli(started).UTC()
	run.FinishedAt = time.UnixMilli(finished).UTC()
	if err := json.Unmarshal([]byte(failures), &run.Failures); err != nil {
		return nil, fmt.Errorf("decode failures of run %s: %w", run.ID, err)
	}
	if len(run.Failures) == 0 {
		run.Failures = nil
	}
	return &run, nil
}

// joinEntities stores the member list newline-delimited on both ends so a
// substring search matches whole ids only.
func joinEntities(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	ids = slices.Clone(ids)
	slices.Sort(ids)
	return "\n" + strings.Join(ids, "\n") + "\n"
}
