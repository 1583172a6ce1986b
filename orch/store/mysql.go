package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL-backed JobStore for deployments where several master
// processes share job history.
//
// Schema (auto-migrated on open):
//
//	orch_jobs(jid VARCHAR(64) PRIMARY KEY, started_at DATETIME(6), finished TINYINT, record LONGBLOB)
type MySQLStore[R any] struct {
	db *sql.DB
}

// NewMySQLStore opens a store over the given DSN, e.g.
// "user:pass@tcp(127.0.0.1:3306)/orchestrate?parseTime=true".
func NewMySQLStore[R any](dsn string) (*MySQLStore[R], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS orch_jobs (
	jid        VARCHAR(64) PRIMARY KEY,
	started_at DATETIME(6) NOT NULL,
	finished   TINYINT NOT NULL DEFAULT 0,
	record     LONGBLOB
)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql migrate: %w", err)
	}
	return &MySQLStore[R]{db: db}, nil
}

// Close releases the connection pool.
func (s *MySQLStore[R]) Close() error { return s.db.Close() }

// Begin implements JobStore.
func (s *MySQLStore[R]) Begin(ctx context.Context, jid string, started time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT IGNORE INTO orch_jobs (jid, started_at, finished) VALUES (?, ?, 0)`,
		jid, started.UTC())
	if err != nil {
		return fmt.Errorf("begin job %s: %w", jid, err)
	}
	return nil
}

// Complete implements JobStore.
func (s *MySQLStore[R]) Complete(ctx context.Context, jid string, rec R) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", jid, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orch_jobs (jid, started_at, finished, record) VALUES (?, ?, 1, ?)
		 ON DUPLICATE KEY UPDATE finished = 1, record = VALUES(record)`,
		jid, time.Now().UTC(), data)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jid, err)
	}
	return nil
}

// Get implements JobStore.
func (s *MySQLStore[R]) Get(ctx context.Context, jid string) (R, error) {
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
func (s *MySQLStore[R]) Finished(ctx context.Context, jid string) (bool, error) {
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
