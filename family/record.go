package family

import "time"

// Record is the persisted unit of session lifetime and revocation. A family
// is either present and valid or deleted; there is no soft-revoked state.
type Record struct {
	// FamilyID is an opaque random identifier, unique and never reused.
	FamilyID string
	// OwnerID and OwnerType reference the authenticated principal.
	OwnerID   string
	OwnerType string
	// Name is an optional human label.
	Name string
	// Scopes granted to every credential minted under this family.
	Scopes []string
	// AccessClaims and RefreshClaims are merged into each minted
	// access/refresh credential respectively.
	AccessClaims  map[string]any
	RefreshClaims map[string]any
	// LastRefreshSequence increases by exactly one per successful rotation
	// and never decreases. Starts at 1 on creation.
	LastRefreshSequence int
	// LastUsedAt is the most recent successful authentication, best-effort.
	LastUsedAt *time.Time
	CreatedAt  time.Time
	// ExpiresAt makes the family unusable after this instant regardless of
	// credential state. Nil means no time bound.
	ExpiresAt *time.Time
	// PruneAt is the instant after which the record may be garbage
	// collected. Nil means do not prune.
	PruneAt *time.Time
}

// Expired reports whether the family's absolute bound has been reached.
// The comparison is inclusive: expiry at exactly now counts as expired.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}
