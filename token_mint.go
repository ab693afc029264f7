package authenticator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hyrioo/authenticator/credential"
	"github.com/hyrioo/authenticator/family"
	"github.com/hyrioo/authenticator/internal"
	"github.com/hyrioo/authenticator/scope"
)

// Issue creates a new token family for a principal and mints its first
// credential pair. Scope expressions are compiled up front so a malformed
// grant fails issuance instead of surfacing later during evaluation.
func (g *Guard) Issue(ctx context.Context, principal Principal, params IssueParams) (*NewToken, error) {
	if g == nil {
		return nil, ErrGuardNotReady
	}
	if principal == nil || principal.PrincipalID() == "" || principal.PrincipalType() == "" {
		return nil, ErrInvalidPrincipal
	}
	// The type is the right-hand side of the subject claim; a separator in
	// it would shift the id/type split on decode.
	if strings.Contains(principal.PrincipalType(), subjectSeparator) {
		return nil, ErrInvalidPrincipal
	}

	if _, err := scope.Compile(params.Scopes, g.groups); err != nil {
		return nil, err
	}

	familyID, err := internal.NewFamilyID()
	if err != nil {
		return nil, err
	}

	now := g.now()
	familyExpiresAt := resolveExpiry(params.FamilyExpiresAt, g.config.Expiry.Family, now)
	accessExpiresAt := resolveExpiry(params.AccessExpiresAt, g.config.Expiry.Access, now)
	refreshExpiresAt := resolveExpiry(params.RefreshExpiresAt, g.config.Expiry.Refresh, now)

	rec := &family.Record{
		FamilyID:            familyID,
		OwnerID:             principal.PrincipalID(),
		OwnerType:           principal.PrincipalType(),
		Name:                params.Name,
		Scopes:              append([]string(nil), params.Scopes...),
		AccessClaims:        params.AccessClaims,
		RefreshClaims:       params.RefreshClaims,
		LastRefreshSequence: 1,
		CreatedAt:           now,
		ExpiresAt:           familyExpiresAt,
		PruneAt:             laterOf(familyExpiresAt, refreshExpiresAt),
	}

	accessToken, err := g.codec.SignAccess(credential.AccessClaims{
		Subject:   encodeSubject(principal),
		Family:    rec.FamilyID,
		Scopes:    rec.Scopes,
		Custom:    rec.AccessClaims,
		IssuedAt:  now,
		ExpiresAt: accessExpiresAt,
	})
	if err != nil {
		return nil, err
	}

	refreshToken, err := g.codec.SignRefresh(credential.RefreshClaims{
		Family:    rec.FamilyID,
		Sequence:  rec.LastRefreshSequence,
		Custom:    rec.RefreshClaims,
		IssuedAt:  now,
		ExpiresAt: refreshExpiresAt,
	})
	if err != nil {
		return nil, err
	}

	if err := g.store.Save(ctx, rec); err != nil {
		return nil, err
	}

	g.metrics.Inc(MetricIssued)
	g.emit(ctx, AuditEvent{
		EventType: AuditEventIssue,
		OwnerID:   rec.OwnerID,
		OwnerType: rec.OwnerType,
		FamilyID:  rec.FamilyID,
		Sequence:  rec.LastRefreshSequence,
		Success:   true,
	})

	return &NewToken{
		Family:       rec,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

// mintPair issues the replacement credential pair after a rotation. The
// family record already carries the advanced sequence.
func (g *Guard) mintPair(rec *family.Record, refreshExpiresAt *time.Time, now time.Time) (string, string, error) {
	accessExpiresAt := expiryFromTTL(now, g.config.Expiry.Access)

	accessToken, err := g.codec.SignAccess(credential.AccessClaims{
		Subject:   rec.OwnerID + subjectSeparator + rec.OwnerType,
		Family:    rec.FamilyID,
		Scopes:    rec.Scopes,
		Custom:    rec.AccessClaims,
		IssuedAt:  now,
		ExpiresAt: accessExpiresAt,
	})
	if err != nil {
		return "", "", fmt.Errorf("mint access credential: %w", err)
	}

	refreshToken, err := g.codec.SignRefresh(credential.RefreshClaims{
		Family:    rec.FamilyID,
		Sequence:  rec.LastRefreshSequence,
		Custom:    rec.RefreshClaims,
		IssuedAt:  now,
		ExpiresAt: refreshExpiresAt,
	})
	if err != nil {
		return "", "", fmt.Errorf("mint refresh credential: %w", err)
	}

	return accessToken, refreshToken, nil
}

// expiryFromTTL converts a configured lifetime into an absolute expiry.
// A zero or negative lifetime means no expiry.
func expiryFromTTL(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}

// resolveExpiry prefers the caller's explicit instant over the configured
// lifetime.
func resolveExpiry(explicit *time.Time, ttl time.Duration, now time.Time) *time.Time {
	if explicit != nil {
		t := *explicit
		return &t
	}
	return expiryFromTTL(now, ttl)
}

// laterOf picks the later of two optional instants. An unset side yields
// the other; both unset yields nil.
func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		t := *b
		return &t
	case b == nil:
		t := *a
		return &t
	case a.After(*b):
		t := *a
		return &t
	default:
		t := *b
		return &t
	}
}
