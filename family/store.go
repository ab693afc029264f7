package family

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no family exists for the given id.
var ErrNotFound = errors.New("token family not found")

// ErrSequenceMismatch is returned by CompareAndSwapSequence when the stored
// sequence differs from the expected one. The caller treats this as proof of
// refresh-credential reuse.
var ErrSequenceMismatch = errors.New("refresh sequence mismatch")

// ErrExpired is returned by CompareAndSwapSequence when the family's
// absolute expiry has passed.
var ErrExpired = errors.New("token family expired")

// ErrUnavailable wraps backing-store transport failures.
var ErrUnavailable = errors.New("family store unavailable")

// Store persists token family records. Implementations must serialize
// CompareAndSwapSequence per family so that of two concurrent rotations
// presenting the same expected sequence, exactly one succeeds.
type Store interface {
	// Save persists a new or updated record.
	Save(ctx context.Context, rec *Record) error

	// FindByID loads a record, or ErrNotFound.
	FindByID(ctx context.Context, familyID string) (*Record, error)

	// CompareAndSwapSequence atomically advances the refresh sequence from
	// expectedSeq to newSeq, recomputes the prune instant as the later of
	// the family expiry and refreshExpiresAt, and returns the updated
	// record. The sequence comparison happens before the expiry check so a
	// stale sequence is always reported as ErrSequenceMismatch, never as
	// ErrExpired. Returns ErrNotFound when the family is gone.
	CompareAndSwapSequence(ctx context.Context, familyID string, expectedSeq, newSeq int, refreshExpiresAt *time.Time, now time.Time) (*Record, error)

	// Touch records a successful authentication instant, best-effort. It
	// must not resurrect a deleted record.
	Touch(ctx context.Context, familyID string, at time.Time) error

	// Delete removes a record. Reports whether a record existed.
	Delete(ctx context.Context, familyID string) (bool, error)

	// DeleteWhere removes every record whose expiry or prune instant lies
	// before now and returns the number removed. Records without either
	// bound are never pruned.
	DeleteWhere(ctx context.Context, now time.Time) (int, error)
}
