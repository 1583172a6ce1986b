package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file SQLite JobStore.
//
// Designed for development and single-master deployments: zero setup, one
// writer, WAL mode for concurrent readers. Use MySQLStore when multiple
// masters share job history.
//
// Schema (auto-migrated on open):
//
//	orch_jobs(jid TEXT PRIMARY KEY, started_at TEXT, finished INTEGER, record BLOB)
type SQLiteStore[R any] struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path. Use ":memory:"
// for an ephemeral database.
func NewSQLiteStore[R any](path string) (*SQLiteStore[R], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS orch_jobs (
	jid        TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished   INTEGER NOT NULL DEFAULT 0,
	record     BLOB
)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &SQLiteStore[R]{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore[R]) Close() error { return s.db.Close() }

// Begin implements JobStore.
func (s *SQLiteStore[R]) Begin(ctx context.Context, jid string, started time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orch_jobs (jid, started_at, finished) VALUES (?, ?, 0)
		 ON CONFLICT(jid) DO NOTHING`,
		jid, started.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("begin job %s: %w", jid, err)
	}
	return nil
}

// Complete implements JobStore.
func (s *SQLiteStore[R]) Complete(ctx context.Context, jid string, rec R) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", jid, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orch_jobs (jid, started_at, finished, record) VALUES (?, ?, 1, ?)
		 ON CONFLICT(jid) DO UPDATE SET finished = 1, record = excluded.record`,
		jid, time.Now().UTC().Format(time.RFC3339Nano), data)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jid, err)
	}
	return nil
}

// Get implements JobStore.
func (s *SQLiteStore[R]) Get(ctx context.Context, jid string) (R, error) {
	var zero R
	var finished int
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT finished, record FROM orch_jobs WHERE jid = ?`, jid,
	).Scan(&finished, &record)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("get job %s: %w", jid, err)
	}
	if finished == 0 {
		return zero, ErrNotFinished
	}
	var rec R
	if err := json.Unmarshal(record, &rec); err != nil {
		return zero, fmt.Errorf("unmarshal job %s: %w", jid, err)
	}
	return rec, nil
}

// Finished implements JobStore.
func (s *SQLiteStore[R]) Finished(ctx context.Context, jid string) (bool, error) {
	var finished int
	err := s.db.QueryRowContext(ctx,
		`SELECT finished FROM orch_jobs WHERE jid = ?`, jid,
	).Scan(&finished)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("finished job %s: %w", jid, err)
	}
	return finished != 0, nil
}
