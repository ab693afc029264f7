package credential

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the signature algorithm for issued credentials.
type SigningMethod string

const (
	// MethodHS256 signs credentials with an HMAC-SHA256 shared secret.
	MethodHS256 SigningMethod = "hs256"
	// MethodEd25519 signs credentials with an Ed25519 key pair.
	MethodEd25519 SigningMethod = "ed25519"
)

var (
	// ErrSigningKeyMissing is returned by NewCodec when no signing key is
	// configured. This is a startup failure, not a retryable condition.
	ErrSigningKeyMissing = errors.New("credential signing key missing")
	// ErrInvalid is returned when a credential is malformed, carries a bad
	// signature, or its claims cannot be parsed.
	ErrInvalid = errors.New("invalid credential")
	// ErrExpired is returned when a structurally valid credential carries an
	// exp claim at or before the current instant.
	ErrExpired = errors.New("credential expired")
)

// Registered claim names. These are the wire contract shared with every
// previously issued credential and must not change.
const (
	claimSubject  = "sub"
	claimFamily   = "fam"
	claimSequence = "seq"
	claimScopes   = "scp"
	claimIssuedAt = "iat"
	claimExpires  = "exp"
	claimIssuer   = "iss"
)

// Config configures a credential Codec.
type Config struct {
	SigningMethod SigningMethod
	// SigningKey is the HS256 secret or the Ed25519 private key (raw or PEM).
	SigningKey []byte
	// VerifyKey is the Ed25519 public key. Ignored for HS256.
	VerifyKey []byte
	Issuer    string
	// MaxFutureIAT rejects credentials issued further than this into the
	// future. Zero selects a 10 minute default.
	MaxFutureIAT time.Duration
	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// AccessClaims is the decoded claim set of an access credential.
type AccessClaims struct {
	Subject   string
	Family    string
	Scopes    []string
	Custom    map[string]any
	IssuedAt  time.Time
	ExpiresAt *time.Time
}

// RefreshClaims is the decoded claim set of a refresh credential.
type RefreshClaims struct {
	Family    string
	Sequence  int
	Custom    map[string]any
	IssuedAt  time.Time
	ExpiresAt *time.Time
}

// Codec signs and verifies bearer credential strings. A Codec holds no
// mutable state and is safe for concurrent use.
type Codec struct {
	cfg       Config
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	now       func() time.Time
}

// NewCodec validates the signing configuration and returns a ready Codec.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, ErrSigningKeyMissing
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}

	c := &Codec{cfg: cfg, now: cfg.Now}
	if c.now == nil {
		c.now = time.Now
	}

	switch cfg.SigningMethod {
	case MethodHS256:
		c.method = jwt.SigningMethodHS256
		c.signKey = cfg.SigningKey
		c.verifyKey = cfg.SigningKey
	case MethodEd25519:
		c.method = jwt.SigningMethodEdDSA
		priv, err := parseEdPrivateKey(cfg.SigningKey)
		if err != nil {
			return nil, err
		}
		c.signKey = priv
		if len(cfg.VerifyKey) == 0 {
			return nil, errors.New("ed25519 requires a verify key")
		}
		pub, err := parseEdPublicKey(cfg.VerifyKey)
		if err != nil {
			return nil, err
		}
		c.verifyKey = pub
	default:
		return nil, errors.New("unsupported signing method")
	}

	return c, nil
}

// SignAccess encodes an access credential. Custom claims are merged last
// but cannot shadow the registered claim names.
func (c *Codec) SignAccess(claims AccessClaims) (string, error) {
	m := c.baseClaims(claims.Custom, claims.IssuedAt, claims.ExpiresAt)
	m[claimSubject] = claims.Subject
	m[claimFamily] = claims.Family
	m[claimScopes] = claims.Scopes
	return c.sign(m)
}

// SignRefresh encodes a refresh credential carrying the family id and the
// rotation sequence number.
func (c *Codec) SignRefresh(claims RefreshClaims) (string, error) {
	m := c.baseClaims(claims.Custom, claims.IssuedAt, claims.ExpiresAt)
	m[claimFamily] = claims.Family
	m[claimSequence] = claims.Sequence
	return c.sign(m)
}

// DecodeAccess verifies the signature and structure of an access credential
// and returns its claims. Returns ErrExpired when exp is at or before now,
// ErrInvalid for every other failure.
func (c *Codec) DecodeAccess(token string) (*AccessClaims, error) {
	m, iat, exp, err := c.decode(token)
	if err != nil {
		return nil, err
	}

	subject, _ := m[claimSubject].(string)
	family, _ := m[claimFamily].(string)
	if subject == "" || family == "" {
		return nil, fmt.Errorf("%w: missing subject or family claim", ErrInvalid)
	}
	scopes, err := stringSlice(m[claimScopes])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed scope claim", ErrInvalid)
	}

	return &AccessClaims{
		Subject:   subject,
		Family:    family,
		Scopes:    scopes,
		Custom:    customClaims(m, claimSubject, claimFamily, claimScopes),
		IssuedAt:  iat,
		ExpiresAt: exp,
	}, nil
}

// DecodeRefresh verifies the signature and structure of a refresh credential
// and returns its claims.
func (c *Codec) DecodeRefresh(token string) (*RefreshClaims, error) {
	m, iat, exp, err := c.decode(token)
	if err != nil {
		return nil, err
	}

	family, _ := m[claimFamily].(string)
	if family == "" {
		return nil, fmt.Errorf("%w: missing family claim", ErrInvalid)
	}
	seq, ok := m[claimSequence].(float64)
	if !ok || seq != float64(int(seq)) || seq < 1 {
		return nil, fmt.Errorf("%w: malformed sequence claim", ErrInvalid)
	}

	return &RefreshClaims{
		Family:    family,
		Sequence:  int(seq),
		Custom:    customClaims(m, claimFamily, claimSequence),
		IssuedAt:  iat,
		ExpiresAt: exp,
	}, nil
}

func (c *Codec) baseClaims(custom map[string]any, issuedAt time.Time, expiresAt *time.Time) jwt.MapClaims {
	m := jwt.MapClaims{}
	for name, value := range custom {
		switch name {
		case claimSubject, claimFamily, claimSequence, claimScopes, claimIssuedAt, claimExpires, claimIssuer:
			continue
		}
		m[name] = value
	}

	if issuedAt.IsZero() {
		issuedAt = c.now()
	}
	m[claimIssuedAt] = issuedAt.Unix()
	if expiresAt != nil {
		m[claimExpires] = expiresAt.Unix()
	}
	if c.cfg.Issuer != "" {
		m[claimIssuer] = c.cfg.Issuer
	}

	return m
}

func (c *Codec) sign(m jwt.MapClaims) (string, error) {
	return jwt.NewWithClaims(c.method, m).SignedString(c.signKey)
}

// decode parses and signature-checks a credential. Time validation is done
// here rather than by the parser so that exp == now counts as expired.
func (c *Codec) decode(token string) (jwt.MapClaims, time.Time, *time.Time, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	parsed, err := parser.ParseWithClaims(token, jwt.MapClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != c.method.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return c.verifyKey, nil
	})
	if err != nil {
		return nil, time.Time{}, nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	m, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, time.Time{}, nil, ErrInvalid
	}

	if c.cfg.Issuer != "" {
		if iss, _ := m[claimIssuer].(string); iss != c.cfg.Issuer {
			return nil, time.Time{}, nil, fmt.Errorf("%w: issuer mismatch", ErrInvalid)
		}
	}

	now := c.now()
	var iat time.Time
	if raw, present := m[claimIssuedAt]; present {
		secs, ok := raw.(float64)
		if !ok {
			return nil, time.Time{}, nil, fmt.Errorf("%w: malformed iat claim", ErrInvalid)
		}
		iat = time.Unix(int64(secs), 0)
		if iat.After(now.Add(c.cfg.MaxFutureIAT)) {
			return nil, time.Time{}, nil, fmt.Errorf("%w: iat too far in the future", ErrInvalid)
		}
	}

	var exp *time.Time
	if raw, present := m[claimExpires]; present {
		secs, ok := raw.(float64)
		if !ok {
			return nil, time.Time{}, nil, fmt.Errorf("%w: malformed exp claim", ErrInvalid)
		}
		t := time.Unix(int64(secs), 0)
		exp = &t
		// exp at exactly now is expired, not valid.
		if !now.Before(t) {
			return nil, time.Time{}, nil, ErrExpired
		}
	}

	return m, iat, exp, nil
}

func stringSlice(raw any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, errors.New("not a list")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, errors.New("non-string element")
		}
		out = append(out, s)
	}
	return out, nil
}

func customClaims(m jwt.MapClaims, reserved ...string) map[string]any {
	skip := map[string]struct{}{
		claimIssuedAt: {},
		claimExpires:  {},
		claimIssuer:   {},
	}
	for _, name := range reserved {
		skip[name] = struct{}{}
	}

	var out map[string]any
	for name, value := range m {
		if _, ok := skip[name]; ok {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[name] = value
	}
	return out
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
