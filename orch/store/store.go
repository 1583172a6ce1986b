// Package store persists job records: just enough history to answer "did
// job J finish" and "what did it return". Implementations cover in-memory
// (tests, single process), SQLite (zero-setup local persistence), and MySQL
// (shared server deployments).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested JID has never been seen.
var ErrNotFound = errors.New("job not found")

// ErrNotFinished is returned by Get when the job exists but its run has not
// completed yet.
var ErrNotFinished = errors.New("job not finished")

// JobStore persists run lifecycles keyed by JID.
//
// Type parameter R is the job record type (must be JSON-serializable for the
// SQL backends). The engine writes; operator tooling and the CLI read.
type JobStore[R any] interface {
	// Begin records that a run started. Idempotent per JID.
	Begin(ctx context.Context, jid string, started time.Time) error

	// Complete stores the finished record and marks the job done.
	Complete(ctx context.Context, jid string, rec R) error

	// Get returns the finished record for a JID. ErrNotFound when the JID
	// is unknown, ErrNotFinished when the run is still in flight.
	Get(ctx context.Context, jid string) (R, error)

	// Finished reports whether the job completed. ErrNotFound when the JID
	// is unknown.
	Finished(ctx context.Context, jid string) (bool, error)
}
