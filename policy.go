package privacyidea

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Scope defines a public type used by privacyidea APIs.
//
// Scope instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Scope string

const (
	// ScopeAdmin is an exported constant or variable used by the authentication engine.
	ScopeAdmin Scope = "admin"
	// ScopeUser is an exported constant or variable used by the authentication engine.
	ScopeUser Scope = "user"
	// ScopeAuthentication is an exported constant or variable used by the authentication engine.
	ScopeAuthentication Scope = "authentication"
	// ScopeAuthorization is an exported constant or variable used by the authentication engine.
	ScopeAuthorization Scope = "authorization"
	// ScopeEnrollment is an exported constant or variable used by the authentication engine.
	ScopeEnrollment Scope = "enrollment"
	// ScopeWebUI is an exported constant or variable used by the authentication engine.
	ScopeWebUI Scope = "webui"
)

// Action names the decision orchestrator consults mid-evaluation.
const (
	// ActionOTPPIN is an exported constant or variable used by the authentication engine.
	ActionOTPPIN = "otppin"
	// ActionPassthru is an exported constant or variable used by the authentication engine.
	ActionPassthru = "passthru"
	// ActionAutoassignment is an exported constant or variable used by the authentication engine.
	ActionAutoassignment = "autoassignment"
)

// Values of the otppin action.
const (
	// OTPPINToken is an exported constant or variable used by the authentication engine.
	OTPPINToken = "token"
	// OTPPINUserstore is an exported constant or variable used by the authentication engine.
	OTPPINUserstore = "userstore"
	// OTPPINNone is an exported constant or variable used by the authentication engine.
	OTPPINNone = "none"
)

// Condition further restricts when a policy applies. Inactive
// conditions are skipped entirely, including their resolvability
// checks.
type Condition struct {
	Section    string `yaml:"section"`
	Key        string `yaml:"key"`
	Comparator string `yaml:"comparator"`
	Value      string `yaml:"value"`
	Active     bool   `yaml:"active"`
}

// Policy defines a public type used by privacyidea APIs.
//
// Policy instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
// The matcher never mutates a Policy; it reads a compiled snapshot
// built once per CRUD write.
type Policy struct {
	Name       string            `yaml:"name"`
	Scope      Scope             `yaml:"scope"`
	Actions    map[string]string `yaml:"action"`
	Realm      []string          `yaml:"realm,omitempty"`
	Resolver   []string          `yaml:"resolver,omitempty"`
	User       []string          `yaml:"user,omitempty"`
	AdminUser  []string          `yaml:"adminuser,omitempty"`
	Client     []string          `yaml:"client,omitempty"`
	Node       []string          `yaml:"pinode,omitempty"`
	Time       string            `yaml:"time,omitempty"`
	Priority   int               `yaml:"priority"`
	Conditions []Condition       `yaml:"conditions,omitempty"`
	Active     bool              `yaml:"active"`
}

// MatchContext carries the actual values of one request against which
// policies and their conditions are evaluated. It is transient and
// never persisted.
type MatchContext struct {
	Scope     Scope
	Realm     string
	Resolver  string
	User      string
	AdminUser string
	ClientIP  string
	Node      string
	Action    string
	Now       time.Time
	UserInfo  map[string]string
	TokenInfo map[string]string
	Token     *TokenRecord
	Request   map[string]string
}

type matchKind int

const (
	matchAll matchKind = iota
	matchExact
	matchRegex
	matchEmpty
)

// matchValue is one pre-parsed filter entry. Filter strings are parsed
// once at snapshot build time, not on every match.
type matchValue struct {
	kind    matchKind
	negated bool
	exact   string
	re      *regexp.Regexp
}

func (v matchValue) matches(actual string) bool {
	switch v.kind {
	case matchAll:
		return true
	case matchEmpty:
		return actual == ""
	case matchRegex:
		return v.re.MatchString(actual)
	default:
		return v.exact == actual
	}
}

var regexMeta = ".^$*+?()[]{}|\\"

func parseMatchList(entries []string, lower bool) ([]matchValue, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([]matchValue, 0, len(entries))
	for _, raw := range entries {
		entry := raw
		v := matchValue{}
		if strings.HasPrefix(entry, "!") || strings.HasPrefix(entry, "-") {
			v.negated = true
			entry = entry[1:]
		}
		if lower {
			entry = strings.ToLower(entry)
		}
		switch {
		case entry == "*":
			v.kind = matchAll
		case entry == "":
			v.kind = matchEmpty
		case strings.ContainsAny(entry, regexMeta):
			re, err := regexp.Compile("^(?:" + entry + ")$")
			if err != nil {
				return nil, fmt.Errorf("%w: bad filter entry %q: %v", ErrPolicyInvalid, raw, err)
			}
			v.kind = matchRegex
			v.re = re
		default:
			v.kind = matchExact
			v.exact = entry
		}
		out = append(out, v)
	}
	return out, nil
}

// matchDimension applies one filter list to an actual value. An empty
// list matches everything. Exclusion always wins over inclusion; a
// list consisting only of exclusions implicitly includes everything
// else.
func matchDimension(values []matchValue, actual string) bool {
	if len(values) == 0 {
		return true
	}
	included := false
	allNegated := true
	for _, v := range values {
		if v.negated {
			if v.matches(actual) {
				return false
			}
			continue
		}
		allNegated = false
		if v.matches(actual) {
			included = true
		}
	}
	return included || allNegated
}

type compiledPolicy struct {
	policy   *Policy
	realm    []matchValue
	resolver []matchValue
	user     []matchValue
	admin    []matchValue
	client   []matchValue
	node     []matchValue
	schedule []timeSpan
}

// PolicySnapshot is an immutable compiled view of the policy set. The
// administrative layer rebuilds it after every policy CRUD write and
// hands it to the engine; matching itself performs no locking.
type PolicySnapshot struct {
	policies []*compiledPolicy
}

// NewPolicySnapshot compiles a policy set. Filter lists, time
// schedules, and condition definitions are validated here so matching
// never re-parses strings.
func NewPolicySnapshot(policies []Policy, defaultPriority int) (*PolicySnapshot, error) {
	if defaultPriority < 1 {
		defaultPriority = defaultPolicyPriority
	}

	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		p := policies[i]
		if p.Name == "" {
			return nil, fmt.Errorf("%w: policy without a name", ErrPolicyInvalid)
		}
		if p.Priority < 1 {
			p.Priority = defaultPriority
		}

		cp := &compiledPolicy{policy: &p}
		var err error
		if cp.realm, err = parseMatchList(p.Realm, true); err != nil {
			return nil, err
		}
		if cp.resolver, err = parseMatchList(p.Resolver, true); err != nil {
			return nil, err
		}
		if cp.user, err = parseMatchList(p.User, false); err != nil {
			return nil, err
		}
		if cp.admin, err = parseMatchList(p.AdminUser, false); err != nil {
			return nil, err
		}
		if cp.client, err = parseMatchList(p.Client, false); err != nil {
			return nil, err
		}
		if cp.node, err = parseMatchList(p.Node, false); err != nil {
			return nil, err
		}
		if cp.schedule, err = parseTimeSpec(p.Time); err != nil {
			return nil, err
		}
		for _, cond := range p.Conditions {
			if err := validateCondition(cond); err != nil {
				return nil, err
			}
		}
		compiled = append(compiled, cp)
	}

	return &PolicySnapshot{policies: compiled}, nil
}

// Policies returns the compiled set in input order.
func (s *PolicySnapshot) Policies() []*Policy {
	if s == nil {
		return nil
	}
	out := make([]*Policy, 0, len(s.policies))
	for _, cp := range s.policies {
		out = append(out, cp.policy)
	}
	return out
}
