package orch

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// JIDService mints job identifiers: one per orchestration run, including
// each nested sub-orchestration. JIDs are ULIDs, so they are time-ordered
// (ordering runs by JID orders them by start time) and collision-free at
// practical scale. The monotonic entropy source guarantees strict ordering
// even for JIDs minted within the same millisecond.
type JIDService struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewJIDService returns a JID service backed by crypto/rand with monotonic
// increments within a millisecond.
func NewJIDService() *JIDService {
	return &JIDService{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Next mints a fresh JID. Safe for concurrent use; the monotonic entropy
// reader is not, so minting is serialized.
func (s *JIDService) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}
