package privacyidea

import (
	"context"
	"sync/atomic"

	"github.com/privacyidea/privacyidea-sub004/assertion"
	"github.com/privacyidea/privacyidea-sub004/pin"
)

// Engine defines a public type used by privacyidea APIs.
//
// Engine instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Engine struct {
	config      Config
	tokens      TokenStore
	policyStore PolicyStore
	users       UserResolver
	challenges  *challengeStore
	snapshot    atomic.Pointer[PolicySnapshot]
	pin         *pin.Argon2
	assertions  *assertion.Manager
	audit       *auditDispatcher
	metrics     *Metrics
}

// AuthResult is the verdict of one authentication round. Accepted is
// the only field release decisions may depend on; Message and
// Attributes are diagnostic and never carry secrets.
type AuthResult struct {
	Accepted      bool
	Serial        string
	TokenType     string
	Message       string
	TransactionID string
	Assertion     string
	Attributes    map[string]string
}

// Close describes the close operation and its observable behavior.
//
// Close may return an error when input validation, dependency calls, or security checks fail.
// Close does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped describes the auditdropped operation and its observable behavior.
//
// AuditDropped may return an error when input validation, dependency calls, or security checks fail.
// AuditDropped does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot describes the metricssnapshot operation and its observable behavior.
//
// MetricsSnapshot may return an error when input validation, dependency calls, or security checks fail.
// MetricsSnapshot does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) policySnapshot() *PolicySnapshot {
	if e == nil {
		return nil
	}
	return e.snapshot.Load()
}

// ReloadPolicies rebuilds the compiled policy snapshot from the policy
// store. The swap is atomic; in-flight requests keep matching against
// the snapshot they started with.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	if e == nil || e.policyStore == nil {
		return ErrEngineNotReady
	}
	policies, err := e.policyStore.List(ctx)
	if err != nil {
		return err
	}
	snap, err := NewPolicySnapshot(policies, e.config.Policy.DefaultPriority)
	if err != nil {
		return err
	}
	e.snapshot.Store(snap)
	return nil
}

// SetPolicies installs an in-memory policy set, bypassing the policy
// store. Mainly useful for embedders that manage policies themselves.
func (e *Engine) SetPolicies(policies []Policy) error {
	if e == nil {
		return ErrEngineNotReady
	}
	snap, err := NewPolicySnapshot(policies, e.config.Policy.DefaultPriority)
	if err != nil {
		return err
	}
	e.snapshot.Store(snap)
	return nil
}

// MatchPolicies describes the matchpolicies operation and its observable behavior.
//
// MatchPolicies may return an error when input validation, dependency calls, or security checks fail.
// MatchPolicies does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) MatchPolicies(mctx *MatchContext) ([]*Policy, error) {
	snap := e.policySnapshot()
	if snap == nil {
		return nil, nil
	}
	return snap.Match(mctx)
}

// GetPolicyActionValues describes the getpolicyactionvalues operation and its observable behavior.
//
// GetPolicyActionValues may return an error when input validation, dependency calls, or security checks fail.
// GetPolicyActionValues does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) GetPolicyActionValues(mctx *MatchContext, action string, unique, audit bool) (map[string][]string, error) {
	snap := e.policySnapshot()
	if snap == nil {
		return map[string][]string{}, nil
	}
	values, err := snap.GetActionValues(mctx, action, unique, audit)
	if err != nil {
		if unique {
			e.metricInc(MetricPolicyConflict)
		}
		return nil, err
	}
	return values, nil
}

// attachAssertion signs a success receipt for the accepted token. An
// assertion failure never turns a success into a failure; the result
// simply ships without one.
func (e *Engine) attachAssertion(res *AuthResult, rec *TokenRecord) {
	if e == nil || e.assertions == nil || res == nil || !res.Accepted {
		return
	}
	signed, err := e.assertions.Issue(assertion.Claims{
		Serial:    rec.Serial,
		TokenType: rec.Type,
		User:      rec.Owner,
		Realm:     rec.OwnerRealm,
	})
	if err != nil {
		return
	}
	res.Assertion = signed
}
