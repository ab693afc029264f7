package authenticator

import (
	"errors"
	"time"

	"github.com/hyrioo/authenticator/credential"
)

// Config holds Guard options. Configure during initialization and treat as
// immutable afterwards.
type Config struct {
	Credential CredentialConfig
	Expiry     ExpiryConfig
	Store      StoreConfig
	Audit      AuditConfig
	Metrics    MetricsConfig
}

// CredentialConfig configures the signing of bearer credentials.
type CredentialConfig struct {
	SigningMethod string // "hs256" (default) or "ed25519"
	// SigningKey is the HS256 secret or Ed25519 private key. Required.
	SigningKey []byte
	// VerifyKey is the Ed25519 public key. Ignored for HS256.
	VerifyKey []byte
	Issuer    string
	// MaxFutureIAT rejects credentials issued further than this into the
	// future. Zero selects the codec default.
	MaxFutureIAT time.Duration
}

// ExpiryConfig sets the default lifetime per class. A zero duration means
// that class never expires by time; explicit per-issue expiries always win.
type ExpiryConfig struct {
	Family  time.Duration
	Access  time.Duration
	Refresh time.Duration
}

// StoreConfig configures the default Redis-backed family store.
type StoreConfig struct {
	RedisPrefix string
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles the counter set.
type MetricsConfig struct {
	Enabled bool
}

func defaultConfig() Config {
	return Config{
		Credential: CredentialConfig{
			SigningMethod: string(credential.MethodHS256),
		},
		Expiry: ExpiryConfig{
			Family:  0,
			Access:  5 * time.Minute,
			Refresh: 7 * 24 * time.Hour,
		},
		Store: StoreConfig{
			RedisPrefix: "tf",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Credential.SigningKey = cloneBytes(cfg.Credential.SigningKey)
	out.Credential.VerifyKey = cloneBytes(cfg.Credential.VerifyKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate checks internal consistency. Missing key material surfaces as
// ErrSigningKeyMissing, which callers must treat as fatal.
func (c *Config) Validate() error {
	if len(c.Credential.SigningKey) == 0 {
		return ErrSigningKeyMissing
	}

	switch credential.SigningMethod(c.Credential.SigningMethod) {
	case credential.MethodHS256:
		// symmetric, signing key is enough
	case credential.MethodEd25519:
		if len(c.Credential.VerifyKey) == 0 {
			return errors.New("ed25519 requires VerifyKey")
		}
	default:
		return errors.New("unsupported credential signing method")
	}

	if c.Credential.MaxFutureIAT < 0 {
		return errors.New("Credential MaxFutureIAT must be >= 0")
	}
	if c.Expiry.Family < 0 || c.Expiry.Access < 0 || c.Expiry.Refresh < 0 {
		return errors.New("Expiry durations must be >= 0")
	}
	if c.Store.RedisPrefix == "" {
		return errors.New("Store RedisPrefix must not be empty")
	}
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}
