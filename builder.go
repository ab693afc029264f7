package authenticator

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hyrioo/authenticator/credential"
	"github.com/hyrioo/authenticator/family"
	"github.com/hyrioo/authenticator/scope"
)

// Builder assembles a Guard. A Builder is single-use; Build returns an
// error on the second call.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	store  family.Store

	resolvers map[string]PrincipalResolver
	groups    map[string][]string

	auditSink AuditSink
	logger    *slog.Logger
	clock     Clock

	built bool
}

// New starts a Builder with the default configuration.
func New() *Builder {
	return &Builder{
		config:    defaultConfig(),
		resolvers: make(map[string]PrincipalResolver),
		groups:    make(map[string][]string),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis supplies the client backing the default family store.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore overrides the family store entirely. When set, WithRedis is
// ignored.
func (b *Builder) WithStore(store family.Store) *Builder {
	b.store = store
	return b
}

// WithPrincipalResolver registers the resolver for one owner type. At
// least one resolver is required.
func (b *Builder) WithPrincipalResolver(ownerType string, r PrincipalResolver) *Builder {
	b.resolvers[ownerType] = r
	return b
}

// WithScopeGroup registers a named group of scope expressions, referenced
// in grants as "$name". Groups may nest.
func (b *Builder) WithScopeGroup(name string, members []string) *Builder {
	b.groups[name] = append([]string(nil), members...)
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock overrides the time source. Intended for tests.
func (b *Builder) WithClock(clock Clock) *Builder {
	b.clock = clock
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and constructs the Guard.
func (b *Builder) Build() (*Guard, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if len(b.resolvers) == 0 {
		return nil, errors.New("at least one principal resolver required")
	}

	store := b.store
	if store == nil {
		if b.redis == nil {
			return nil, errors.New("redis client or store required")
		}
		store = family.NewRedisStore(b.redis, cfg.Store.RedisPrefix)
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	codec, err := credential.NewCodec(credential.Config{
		SigningMethod: credential.SigningMethod(cfg.Credential.SigningMethod),
		SigningKey:    cloneBytes(cfg.Credential.SigningKey),
		VerifyKey:     cloneBytes(cfg.Credential.VerifyKey),
		Issuer:        cfg.Credential.Issuer,
		MaxFutureIAT:  cfg.Credential.MaxFutureIAT,
		Now:           clock,
	})
	if err != nil {
		return nil, err
	}

	groups := scope.NewGroups()
	for name, members := range b.groups {
		key := name
		if !strings.HasPrefix(key, scope.GroupSigil) {
			key = scope.GroupSigil + key
		}
		if err := groups.Register(key, members); err != nil {
			return nil, err
		}
	}
	if err := groups.Freeze(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	resolvers := make(map[string]PrincipalResolver, len(b.resolvers))
	for ownerType, r := range b.resolvers {
		resolvers[ownerType] = r
	}

	guard := &Guard{
		config:    cfg,
		codec:     codec,
		store:     store,
		resolvers: resolvers,
		groups:    groups,
		audit:     newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:   NewMetrics(cfg.Metrics),
		logger:    logger,
		clock:     clock,
	}

	b.built = true

	return guard, nil
}
