package flows

import (
	"context"
	"errors"
	"time"

	"github.com/hyrioo/authenticator/credential"
	"github.com/hyrioo/authenticator/family"
)

// AuthenticateFailureKind classifies authenticate flow failures for
// root-level mapping.
type AuthenticateFailureKind int

const (
	AuthenticateFailureNone AuthenticateFailureKind = iota
	AuthenticateFailureDecode
	AuthenticateFailureFamilyNotFound
	AuthenticateFailureFamilyExpired
	AuthenticateFailureStore
)

// AuthenticateStore captures the store operations authenticate needs.
type AuthenticateStore interface {
	FindByID(ctx context.Context, familyID string) (*family.Record, error)
	Touch(ctx context.Context, familyID string, at time.Time) error
}

// AuthenticateDeps captures authenticate flow dependencies.
type AuthenticateDeps struct {
	DecodeAccess func(string) (*credential.AccessClaims, error)
	Store        AuthenticateStore
	Now          func() time.Time
	Warn         func(string, ...any)
}

// AuthenticateResult carries the decoded claims and loaded family, or
// failure metadata. TouchErr records a best-effort last-used update failure
// without affecting the outcome.
type AuthenticateResult struct {
	Failure  AuthenticateFailureKind
	Err      error
	FamilyID string
	Claims   *credential.AccessClaims
	Family   *family.Record
	TouchErr error
}

// RunAuthenticate decodes an access credential, loads its family, and
// enforces the family's absolute expiry bound. The family bound is checked
// independently of the credential's own expiry: an unexpired access
// credential of an expired family is still rejected.
func RunAuthenticate(ctx context.Context, accessToken string, deps AuthenticateDeps) AuthenticateResult {
	claims, err := deps.DecodeAccess(accessToken)
	if err != nil {
		return AuthenticateResult{Failure: AuthenticateFailureDecode, Err: err}
	}

	rec, err := deps.Store.FindByID(ctx, claims.Family)
	if err != nil {
		if errors.Is(err, family.ErrNotFound) {
			return AuthenticateResult{
				Failure:  AuthenticateFailureFamilyNotFound,
				Err:      err,
				FamilyID: claims.Family,
				Claims:   claims,
			}
		}
		return AuthenticateResult{
			Failure:  AuthenticateFailureStore,
			Err:      err,
			FamilyID: claims.Family,
			Claims:   claims,
		}
	}

	now := deps.Now()
	if rec.Expired(now) {
		return AuthenticateResult{
			Failure:  AuthenticateFailureFamilyExpired,
			Err:      family.ErrExpired,
			FamilyID: claims.Family,
			Claims:   claims,
			Family:   rec,
		}
	}

	result := AuthenticateResult{
		FamilyID: claims.Family,
		Claims:   claims,
		Family:   rec,
	}

	// Best-effort: a failed touch never fails authentication.
	if err := deps.Store.Touch(ctx, rec.FamilyID, now); err != nil {
		result.TouchErr = err
		if deps.Warn != nil {
			deps.Warn("last-used touch failed", "family", rec.FamilyID, "error", err)
		}
	}

	return result
}
