package authenticator

import (
	"errors"

	"github.com/hyrioo/authenticator/credential"
	"github.com/hyrioo/authenticator/family"
)

var (
	// ErrCredentialInvalid marks a malformed, unsigned, or tampered
	// credential. Never retryable; reject the request.
	ErrCredentialInvalid = credential.ErrInvalid
	// ErrCredentialExpired marks a structurally valid credential whose exp
	// has passed. The client must refresh or re-authenticate.
	ErrCredentialExpired = credential.ErrExpired
	// ErrTokenFamilyNotFound means the family was deleted or never existed.
	// Treat as unauthenticated.
	ErrTokenFamilyNotFound = family.ErrNotFound
	// ErrFamilyExpired means the family's absolute session bound has been
	// reached. Force a full re-login.
	ErrFamilyExpired = family.ErrExpired
	// ErrRefreshTokenReuse is a security event: a refresh credential was
	// presented whose sequence is not the family's current one. The family
	// has already been revoked when this error surfaces.
	ErrRefreshTokenReuse = errors.New("refresh token reuse detected")
	// ErrFailedToDeleteTokenFamily means the store failed during a
	// reuse-triggered revocation. The family must be assumed compromised
	// and an operator alerted, since the security property could not be
	// enforced.
	ErrFailedToDeleteTokenFamily = errors.New("failed to delete token family")
	// ErrSigningKeyMissing is a startup/configuration failure, not
	// retryable.
	ErrSigningKeyMissing = credential.ErrSigningKeyMissing
	// ErrStoreUnavailable wraps family store transport failures.
	ErrStoreUnavailable = family.ErrUnavailable
	// ErrUnknownOwnerType means no principal resolver is registered for the
	// owner type carried in the credential's subject.
	ErrUnknownOwnerType = errors.New("unknown owner type")
	// ErrPrincipalNotFound means the resolver could not re-hydrate the
	// credential's owner.
	ErrPrincipalNotFound = errors.New("principal not found")
	// ErrInvalidPrincipal is returned by Issue for a nil principal or one
	// without an id.
	ErrInvalidPrincipal = errors.New("invalid principal")
	// ErrGuardNotReady is returned when a Guard method is called on an
	// uninitialized receiver.
	ErrGuardNotReady = errors.New("guard not initialized")
)
