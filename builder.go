package privacyidea

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/privacyidea/privacyidea-sub004/assertion"
	"github.com/privacyidea/privacyidea-sub004/pin"
)

// Builder defines a public type used by privacyidea APIs.
//
// Builder instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Builder struct {
	config Config
	redis  *redis.Client

	tokens      TokenStore
	policyStore PolicyStore
	users       UserResolver
	auditSink   AuditSink

	built bool
}

// New describes the new operation and its observable behavior.
//
// New may return an error when input validation, dependency calls, or security checks fail.
// New does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig describes the withconfig operation and its observable behavior.
//
// WithConfig may return an error when input validation, dependency calls, or security checks fail.
// WithConfig does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis describes the withredis operation and its observable behavior.
//
// WithRedis may return an error when input validation, dependency calls, or security checks fail.
// WithRedis does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithTokenStore describes the withtokenstore operation and its observable behavior.
//
// WithTokenStore may return an error when input validation, dependency calls, or security checks fail.
// WithTokenStore does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithTokenStore(store TokenStore) *Builder {
	b.tokens = store
	return b
}

// WithPolicyStore describes the withpolicystore operation and its observable behavior.
//
// WithPolicyStore may return an error when input validation, dependency calls, or security checks fail.
// WithPolicyStore does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithPolicyStore(store PolicyStore) *Builder {
	b.policyStore = store
	return b
}

// WithUserResolver describes the withuserresolver operation and its observable behavior.
//
// WithUserResolver may return an error when input validation, dependency calls, or security checks fail.
// WithUserResolver does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithUserResolver(resolver UserResolver) *Builder {
	b.users = resolver
	return b
}

// WithAuditSink describes the withauditsink operation and its observable behavior.
//
// WithAuditSink may return an error when input validation, dependency calls, or security checks fail.
// WithAuditSink does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled describes the withmetricsenabled operation and its observable behavior.
//
// WithMetricsEnabled may return an error when input validation, dependency calls, or security checks fail.
// WithMetricsEnabled does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build describes the build operation and its observable behavior.
//
// Build may return an error when input validation, dependency calls, or security checks fail.
// Build does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.tokens == nil {
		return nil, errors.New("token store required")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	engine := &Engine{
		config:      cfg,
		tokens:      b.tokens,
		policyStore: b.policyStore,
		users:       b.users,
	}

	engine.challenges = newChallengeStore(b.redis, cfg.Challenge.RedisPrefix)
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	ph, err := pin.NewArgon2(pin.Config{
		Memory:      cfg.PIN.Memory,
		Time:        cfg.PIN.Time,
		Parallelism: cfg.PIN.Parallelism,
		SaltLength:  cfg.PIN.SaltLength,
		KeyLength:   cfg.PIN.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	engine.pin = ph

	if cfg.Assertion.Enabled {
		am, err := assertion.NewManager(assertion.Config{
			TTL:           cfg.Assertion.TTL,
			SigningMethod: assertion.SigningMethod(cfg.Assertion.SigningMethod),
			PrivateKey:    cloneBytes(cfg.Assertion.PrivateKey),
			PublicKey:     cloneBytes(cfg.Assertion.PublicKey),
			Issuer:        cfg.Assertion.Issuer,
		})
		if err != nil {
			return nil, err
		}
		engine.assertions = am
	}

	// An empty snapshot keeps policy queries total before the first
	// ReloadPolicies or SetPolicies call.
	snap, err := NewPolicySnapshot(nil, cfg.Policy.DefaultPriority)
	if err != nil {
		return nil, err
	}
	engine.snapshot.Store(snap)

	b.built = true

	return engine, nil
}
