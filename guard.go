package authenticator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hyrioo/authenticator/credential"
	"github.com/hyrioo/authenticator/family"
	"github.com/hyrioo/authenticator/internal"
	"github.com/hyrioo/authenticator/internal/flows"
	"github.com/hyrioo/authenticator/scope"
)

// Guard is the façade over the credential lifecycle: issuing token
// families, authenticating access credentials, rotating refresh
// credentials, and revoking. Construct one through the Builder and share
// it; all methods are safe for concurrent use.
type Guard struct {
	config    Config
	codec     *credential.Codec
	store     family.Store
	resolvers map[string]PrincipalResolver
	groups    *scope.Groups
	audit     *auditDispatcher
	metrics   *Metrics
	logger    *slog.Logger
	clock     Clock
}

// Authenticate verifies an access credential and resolves its owner. The
// family's absolute bound is enforced even when the credential itself has
// not expired, so revocation and session caps take effect immediately.
func (g *Guard) Authenticate(ctx context.Context, accessToken string) (*Access, error) {
	if g == nil {
		return nil, ErrGuardNotReady
	}

	res := flows.RunAuthenticate(ctx, accessToken, flows.AuthenticateDeps{
		DecodeAccess: g.codec.DecodeAccess,
		Store:        g.store,
		Now:          g.now,
		Warn:         g.logger.Warn,
	})

	if res.Failure != flows.AuthenticateFailureNone {
		err := g.mapAuthenticateFailure(res)
		g.metrics.Inc(MetricAuthenticateFailure)
		g.emit(ctx, AuditEvent{
			EventType: AuditEventAuthenticate,
			FamilyID:  res.FamilyID,
			Success:   false,
			Error:     err.Error(),
		})
		return nil, err
	}

	ownerID, ownerType, err := parseSubject(res.Claims.Subject)
	if err != nil {
		g.metrics.Inc(MetricAuthenticateFailure)
		return nil, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}

	resolver, ok := g.resolvers[ownerType]
	if !ok {
		g.metrics.Inc(MetricAuthenticateFailure)
		return nil, fmt.Errorf("%w: %q", ErrUnknownOwnerType, ownerType)
	}

	principal, err := resolver.ResolveByID(ctx, ownerID)
	if err != nil {
		g.metrics.Inc(MetricAuthenticateFailure)
		return nil, fmt.Errorf("%w: %v", ErrPrincipalNotFound, err)
	}
	if principal == nil {
		g.metrics.Inc(MetricAuthenticateFailure)
		return nil, ErrPrincipalNotFound
	}

	compiled, err := scope.Compile(res.Claims.Scopes, g.groups)
	if err != nil {
		g.metrics.Inc(MetricAuthenticateFailure)
		return nil, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}

	if res.TouchErr != nil {
		g.emit(ctx, AuditEvent{
			EventType: AuditEventTouchFailed,
			OwnerID:   ownerID,
			OwnerType: ownerType,
			FamilyID:  res.FamilyID,
			Success:   false,
			Error:     res.TouchErr.Error(),
		})
	}

	g.metrics.Inc(MetricAuthenticateSuccess)
	g.emit(ctx, AuditEvent{
		EventType: AuditEventAuthenticate,
		OwnerID:   ownerID,
		OwnerType: ownerType,
		FamilyID:  res.FamilyID,
		Success:   true,
	})

	return &Access{
		Principal: principal,
		Claims:    res.Claims,
		Family:    res.Family,
		scopes:    compiled,
	}, nil
}

func (g *Guard) mapAuthenticateFailure(res flows.AuthenticateResult) error {
	switch res.Failure {
	case flows.AuthenticateFailureDecode:
		return res.Err
	case flows.AuthenticateFailureFamilyNotFound:
		return ErrTokenFamilyNotFound
	case flows.AuthenticateFailureFamilyExpired:
		return ErrFamilyExpired
	default:
		return res.Err
	}
}

// Refresh rotates a refresh credential: the family's sequence advances by
// one and a fresh credential pair is minted. Presenting a refresh
// credential whose sequence was already consumed is treated as theft; the
// whole family is revoked before ErrRefreshTokenReuse is returned.
func (g *Guard) Refresh(ctx context.Context, refreshToken string) (*NewToken, error) {
	if g == nil {
		return nil, ErrGuardNotReady
	}

	res := flows.RunRefresh(ctx, refreshToken, flows.RefreshDeps{
		DecodeRefresh: g.codec.DecodeRefresh,
		RefreshExpiry: func(now time.Time) *time.Time {
			return expiryFromTTL(now, g.config.Expiry.Refresh)
		},
		MintPair: g.mintPair,
		Store:    g.store,
		Now:      g.now,
	})

	if res.Failure != flows.RefreshFailureNone {
		return nil, g.mapRefreshFailure(ctx, res)
	}

	g.metrics.Inc(MetricRefreshSuccess)
	g.emit(ctx, AuditEvent{
		EventType: AuditEventRefresh,
		OwnerID:   res.Family.OwnerID,
		OwnerType: res.Family.OwnerType,
		FamilyID:  res.FamilyID,
		Sequence:  res.Sequence,
		Success:   true,
	})

	return &NewToken{
		Family:       res.Family,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
	}, nil
}

func (g *Guard) mapRefreshFailure(ctx context.Context, res flows.RefreshResult) error {
	g.metrics.Inc(MetricRefreshFailure)

	switch res.Failure {
	case flows.RefreshFailureDecode:
		return res.Err
	case flows.RefreshFailureFamilyNotFound:
		return ErrTokenFamilyNotFound
	case flows.RefreshFailureReuse:
		g.metrics.Inc(MetricReuseDetected)
		g.logger.Warn("refresh token reuse detected, family revoked",
			"family", res.FamilyID, "sequence", res.Sequence)
		g.emit(ctx, AuditEvent{
			EventType: AuditEventReuse,
			FamilyID:  res.FamilyID,
			Sequence:  res.Sequence,
			Success:   false,
			Error:     ErrRefreshTokenReuse.Error(),
		})
		return ErrRefreshTokenReuse
	case flows.RefreshFailureRevokeFailed:
		g.metrics.Inc(MetricRevokeFailed)
		g.logger.Error("family revocation failed after reuse detection",
			"family", res.FamilyID, "error", res.Err)
		g.emit(ctx, AuditEvent{
			EventType: AuditEventRevokeFailed,
			FamilyID:  res.FamilyID,
			Sequence:  res.Sequence,
			Success:   false,
			Error:     res.Err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrFailedToDeleteTokenFamily, res.Err)
	case flows.RefreshFailureFamilyExpired:
		return ErrFamilyExpired
	default:
		return res.Err
	}
}

// Logout revokes the family behind an access credential. It never fails:
// bad credentials, missing families, and store errors all leave the caller
// logged out. The returned bool reports whether a record was deleted.
func (g *Guard) Logout(ctx context.Context, accessToken string) bool {
	if g == nil {
		return false
	}

	res := flows.RunLogout(ctx, accessToken, flows.LogoutDeps{
		DecodeAccess: g.codec.DecodeAccess,
		Store:        g.store,
		Warn:         g.logger.Warn,
	})

	if res.Revoked {
		g.metrics.Inc(MetricLogout)
	}
	if res.FamilyID != "" {
		g.emit(ctx, AuditEvent{
			EventType: AuditEventLogout,
			FamilyID:  res.FamilyID,
			Success:   res.Err == nil,
			Error:     errString(res.Err),
		})
	}

	return res.Revoked
}

// Revoke deletes a family by id, ending every credential minted under it.
func (g *Guard) Revoke(ctx context.Context, familyID string) (bool, error) {
	if g == nil {
		return false, ErrGuardNotReady
	}

	// The id becomes a store key; reject anything that does not look like
	// one we minted.
	if err := internal.ValidateFamilyID(familyID); err != nil {
		return false, ErrTokenFamilyNotFound
	}

	revoked, err := g.store.Delete(ctx, familyID)
	if err != nil {
		return false, err
	}

	if revoked {
		g.metrics.Inc(MetricLogout)
		g.emit(ctx, AuditEvent{
			EventType: AuditEventLogout,
			FamilyID:  familyID,
			Success:   true,
		})
	}

	return revoked, nil
}

// TokenCan evaluates a permission against the credential's scope snapshot
// only.
func (g *Guard) TokenCan(access *Access, permission string, resourceID ...string) bool {
	return access.TokenCan(permission, resourceID...)
}

// PrincipalCan evaluates a permission against the grants persisted for the
// principal itself. Principals that do not expose grants deny everything.
func (g *Guard) PrincipalCan(ctx context.Context, principal Principal, permission string, resourceID ...string) (bool, error) {
	if g == nil {
		return false, ErrGuardNotReady
	}

	holder, ok := principal.(ScopeHolder)
	if !ok {
		return false, nil
	}

	granted, err := holder.GrantedScopes(ctx)
	if err != nil {
		return false, err
	}

	compiled, err := scope.Compile(granted, g.groups)
	if err != nil {
		return false, err
	}

	return compiled.Can(permission, resourceID...), nil
}

// Can is the conjunction: the action must be inside the credential's scope
// snapshot AND still granted to the principal. A narrowed principal grant
// therefore takes effect immediately, without waiting for rotation.
func (g *Guard) Can(ctx context.Context, access *Access, permission string, resourceID ...string) (bool, error) {
	if g == nil {
		return false, ErrGuardNotReady
	}
	if access == nil {
		return false, nil
	}

	if !access.TokenCan(permission, resourceID...) {
		return false, nil
	}

	if _, ok := access.Principal.(ScopeHolder); !ok {
		// No principal-level grants to consult; the snapshot decides.
		return true, nil
	}

	return g.PrincipalCan(ctx, access.Principal, permission, resourceID...)
}

// Metrics exposes the Guard's counters.
func (g *Guard) Metrics() *Metrics {
	if g == nil {
		return nil
	}
	return g.metrics
}

// Close flushes the audit pipeline. Call on shutdown.
func (g *Guard) Close() {
	if g == nil {
		return
	}
	g.audit.Close()
}

func (g *Guard) now() time.Time {
	return g.clock()
}

func (g *Guard) emit(ctx context.Context, event AuditEvent) {
	if g.audit == nil {
		return
	}
	event.ID = uuid.NewString()
	event.Timestamp = g.now()
	g.audit.Emit(ctx, event)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
