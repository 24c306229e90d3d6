package csrf

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"time"
)

// Store maps a session identifier to its single active token record.
//
// Implementations must make ValidateAndConsume and Issue atomic per session:
// the comparison and, for single-use records, the consumption happen as one
// step with respect to concurrent callers.
type Store interface {
	// Put replaces any existing record for sessionID.
	Put(ctx context.Context, sessionID, token string, policy Policy) error
	// Issue stores token unless the session already has an active record,
	// and returns the value that is active afterwards. Concurrent callers
	// for the same session all receive the same value.
	Issue(ctx context.Context, sessionID, token string, policy Policy) (string, error)
	// Get returns ErrNotFound when the session has no record.
	Get(ctx context.Context, sessionID string) (*Record, error)
	// ValidateAndConsume returns ErrNotFound when the session has no record
	// and an error wrapping ErrStoreUnavailable when the backend fails.
	ValidateAndConsume(ctx context.Context, sessionID, candidate string) (Outcome, error)
	// Invalidate removes the record; removing a missing record is not an error.
	Invalidate(ctx context.Context, sessionID string) error
}

// RecordState is the lifecycle state of a stored record. Revoked records are
// deleted and therefore have no state.
type RecordState int

const (
	StateActive RecordState = iota
	StateConsumed
	StateExpired
)

func (s RecordState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateConsumed:
		return "consumed"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Record is a token bound to one session.
type Record struct {
	Value     string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time // zero means no expiry
	SingleUse bool
	Consumed  bool
}

func newRecord(sessionID, token string, policy Policy, now time.Time) *Record {
	rec := &Record{
		Value:     token,
		SessionID: sessionID,
		IssuedAt:  now,
		SingleUse: policy.Mode == ModeOneTime,
	}
	if policy.TTL > 0 {
		rec.ExpiresAt = now.Add(policy.TTL)
	}
	return rec
}

// Expired reports whether now is past ExpiresAt.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// State reports the lifecycle state at now. Consumed wins over expired since
// both are terminal.
func (r *Record) State(now time.Time) RecordState {
	switch {
	case r.Consumed:
		return StateConsumed
	case r.Expired(now):
		return StateExpired
	default:
		return StateActive
	}
}

// check evaluates candidate against the record without mutating it. Stores
// call it while holding whatever guarantees their atomicity.
func (r *Record) check(candidate string, now time.Time) Outcome {
	if r.Expired(now) {
		return OutcomeTokenExpired
	}
	if !tokensEqual(candidate, r.Value) {
		return OutcomeTokenMismatch
	}
	if r.Consumed {
		return OutcomeTokenAlreadyConsumed
	}
	return OutcomeValid
}

// tokensEqual compares fixed-size digests so that timing depends on neither
// the content nor the length of either value.
func tokensEqual(a, b string) bool {
	da := sha256.Sum256([]byte(a))
	db := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(da[:], db[:]) == 1
}
