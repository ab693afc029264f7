package flows

import (
	"context"
	"errors"
	"time"

	"github.com/hyrioo/authenticator/credential"
	"github.com/hyrioo/authenticator/family"
)

// RefreshFailureKind classifies refresh flow failures for root-level
// mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureDecode
	RefreshFailureFamilyNotFound
	RefreshFailureReuse
	RefreshFailureRevokeFailed
	RefreshFailureFamilyExpired
	RefreshFailureStore
	RefreshFailureMint
)

// RefreshStore captures the store operations refresh rotation needs.
type RefreshStore interface {
	CompareAndSwapSequence(ctx context.Context, familyID string, expectedSeq, newSeq int, refreshExpiresAt *time.Time, now time.Time) (*family.Record, error)
	Delete(ctx context.Context, familyID string) (bool, error)
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	DecodeRefresh func(string) (*credential.RefreshClaims, error)
	// RefreshExpiry resolves the new refresh credential's expiry from the
	// configured lifetime. Nil result means the credential never expires.
	RefreshExpiry func(now time.Time) *time.Time
	// MintPair issues the replacement access/refresh credential pair from
	// the rotated family record.
	MintPair func(rec *family.Record, refreshExpiresAt *time.Time, now time.Time) (access, refresh string, err error)
	Store    RefreshStore
	Now      func() time.Time
}

// RefreshResult carries either the rotated family with its new credential
// pair, or failure metadata. FamilyRevoked reports whether reuse detection
// deleted the family as a side effect.
type RefreshResult struct {
	Failure       RefreshFailureKind
	Err           error
	FamilyID      string
	Sequence      int
	Family        *family.Record
	AccessToken   string
	RefreshToken  string
	FamilyRevoked bool
}

// RunRefresh executes the rotation protocol. The store's compare-and-swap
// is the serialization point: of two concurrent calls presenting the same
// refresh credential exactly one advances the sequence, and the loser
// observes a mismatch, which is treated as proof of credential theft and
// revokes the whole family.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	claims, err := deps.DecodeRefresh(refreshToken)
	if err != nil {
		return RefreshResult{Failure: RefreshFailureDecode, Err: err}
	}

	now := deps.Now()
	refreshExpiresAt := deps.RefreshExpiry(now)

	rec, err := deps.Store.CompareAndSwapSequence(
		ctx,
		claims.Family,
		claims.Sequence,
		claims.Sequence+1,
		refreshExpiresAt,
		now,
	)
	if err != nil {
		switch {
		case errors.Is(err, family.ErrNotFound):
			return RefreshResult{
				Failure:  RefreshFailureFamilyNotFound,
				Err:      err,
				FamilyID: claims.Family,
				Sequence: claims.Sequence,
			}
		case errors.Is(err, family.ErrSequenceMismatch):
			// Reuse detected. Revocation is its own observable step: the
			// family must be gone before the reuse error surfaces.
			revoked, delErr := deps.Store.Delete(ctx, claims.Family)
			if delErr != nil {
				return RefreshResult{
					Failure:  RefreshFailureRevokeFailed,
					Err:      delErr,
					FamilyID: claims.Family,
					Sequence: claims.Sequence,
				}
			}
			return RefreshResult{
				Failure:       RefreshFailureReuse,
				Err:           err,
				FamilyID:      claims.Family,
				Sequence:      claims.Sequence,
				FamilyRevoked: revoked,
			}
		case errors.Is(err, family.ErrExpired):
			return RefreshResult{
				Failure:  RefreshFailureFamilyExpired,
				Err:      err,
				FamilyID: claims.Family,
				Sequence: claims.Sequence,
			}
		default:
			return RefreshResult{
				Failure:  RefreshFailureStore,
				Err:      err,
				FamilyID: claims.Family,
				Sequence: claims.Sequence,
			}
		}
	}

	access, refresh, err := deps.MintPair(rec, refreshExpiresAt, now)
	if err != nil {
		return RefreshResult{
			Failure:  RefreshFailureMint,
			Err:      err,
			FamilyID: rec.FamilyID,
			Sequence: rec.LastRefreshSequence,
			Family:   rec,
		}
	}

	return RefreshResult{
		FamilyID:     rec.FamilyID,
		Sequence:     rec.LastRefreshSequence,
		Family:       rec,
		AccessToken:  access,
		RefreshToken: refresh,
	}
}
