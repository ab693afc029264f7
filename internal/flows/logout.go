package flows

import (
	"context"

	"github.com/hyrioo/authenticator/credential"
)

// LogoutStore captures the store operation logout needs.
type LogoutStore interface {
	Delete(ctx context.Context, familyID string) (bool, error)
}

// LogoutDeps captures logout flow dependencies.
type LogoutDeps struct {
	DecodeAccess func(string) (*credential.AccessClaims, error)
	Store        LogoutStore
	Warn         func(string, ...any)
}

// LogoutResult reports what logout managed to do. Logout never fails from
// the caller's point of view; Err is diagnostic only.
type LogoutResult struct {
	FamilyID string
	Revoked  bool
	Err      error
}

// RunLogout revokes the family behind an access credential. Every failure
// is absorbed: an unparsable or expired credential, a missing family, and a
// store error all leave logout a successful no-op.
func RunLogout(ctx context.Context, accessToken string, deps LogoutDeps) LogoutResult {
	claims, err := deps.DecodeAccess(accessToken)
	if err != nil {
		return LogoutResult{Err: err}
	}

	revoked, err := deps.Store.Delete(ctx, claims.Family)
	if err != nil {
		if deps.Warn != nil {
			deps.Warn("logout revocation failed", "family", claims.Family, "error", err)
		}
		return LogoutResult{FamilyID: claims.Family, Err: err}
	}

	return LogoutResult{FamilyID: claims.Family, Revoked: revoked}
}
