package authenticator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hyrioo/authenticator/credential"
	"github.com/hyrioo/authenticator/family"
	"github.com/hyrioo/authenticator/scope"
)

// Principal is the authenticated owner of a token family. Implementations
// are application models (users, service accounts, devices).
type Principal interface {
	// PrincipalID is the stable identifier used in the subject claim.
	PrincipalID() string
	// PrincipalType tags the owner kind, so heterogeneous principal types
	// can share one Guard. The tag selects the registered resolver and
	// must not contain "|", which delimits the subject claim.
	PrincipalType() string
}

// PrincipalResolver re-hydrates a principal from the identifier carried in
// an access credential's subject claim.
type PrincipalResolver interface {
	ResolveByID(ctx context.Context, id string) (Principal, error)
}

// PrincipalResolverFunc adapts a function to the PrincipalResolver
// interface.
type PrincipalResolverFunc func(ctx context.Context, id string) (Principal, error)

func (f PrincipalResolverFunc) ResolveByID(ctx context.Context, id string) (Principal, error) {
	return f(ctx, id)
}

// ScopeHolder is an optional principal capability exposing the grants
// persisted for the principal itself, independent of any token. When a
// principal implements it, Guard.Can requires both the token snapshot and
// the principal grants to permit an action.
type ScopeHolder interface {
	GrantedScopes(ctx context.Context) ([]string, error)
}

// Clock supplies the current instant. Injected for testability.
type Clock func() time.Time

// IssueParams configures a new token family.
type IssueParams struct {
	// Name is an optional human label for the family.
	Name string
	// Scopes granted to every credential minted under the family.
	Scopes []string
	// AccessClaims and RefreshClaims are custom claims merged into each
	// minted access/refresh credential. Registered claim names are ignored.
	AccessClaims  map[string]any
	RefreshClaims map[string]any
	// Explicit expiries override the configured lifetimes. Nil falls back
	// to the configured TTL; a zero TTL means no expiry at all.
	FamilyExpiresAt  *time.Time
	AccessExpiresAt  *time.Time
	RefreshExpiresAt *time.Time
}

// NewToken is the result of issuing or refreshing: a credential pair bound
// to its family record.
type NewToken struct {
	Family       *family.Record
	AccessToken  string
	RefreshToken string
}

// Access is the outcome of a successful authentication: the resolved
// principal bound to the decoded access credential. It is set once per
// request and read-only afterwards.
type Access struct {
	Principal Principal
	Claims    *credential.AccessClaims
	Family    *family.Record

	scopes *scope.Compiled
}

// FamilyID returns the id of the family the access credential belongs to.
func (a *Access) FamilyID() string {
	if a == nil || a.Claims == nil {
		return ""
	}
	return a.Claims.Family
}

// TokenCan evaluates the credential's scope snapshot. The snapshot was
// fixed at issuance, so scope changes to the family take effect on the
// next refresh, not retroactively.
func (a *Access) TokenCan(permission string, resourceID ...string) bool {
	if a == nil {
		return false
	}
	return a.scopes.Can(permission, resourceID...)
}

const subjectSeparator = "|"

// encodeSubject derives the subject claim from the authenticated principal
// object. Never taken from caller input, so the subject cannot be spoofed.
func encodeSubject(p Principal) string {
	return p.PrincipalID() + subjectSeparator + p.PrincipalType()
}

// parseSubject splits on the LAST separator: owner ids are arbitrary
// application strings and may contain the separator themselves, while owner
// types are registered at startup and rejected at issuance if they carry
// one.
func parseSubject(subject string) (id, ownerType string, err error) {
	i := strings.LastIndex(subject, subjectSeparator)
	if i <= 0 || i == len(subject)-len(subjectSeparator) {
		return "", "", errors.New("malformed subject claim")
	}
	return subject[:i], subject[i+len(subjectSeparator):], nil
}
