package privacyidea

import (
	"fmt"
	"sort"
	"strings"
)

// Match filters the snapshot by every dimension of the context: scope,
// action, realm, resolver, user, adminuser, client, pinode, time, and
// dynamic conditions. Realm and resolver comparisons are
// case-insensitive; everything else is case-sensitive. A condition that
// cannot be resolved propagates as ErrPolicyCondition unless the
// condition itself is inactive.
func (s *PolicySnapshot) Match(mctx *MatchContext) ([]*Policy, error) {
	if s == nil || mctx == nil {
		return nil, ErrEngineNotReady
	}

	realm := strings.ToLower(mctx.Realm)
	resolver := strings.ToLower(mctx.Resolver)

	var out []*Policy
	for _, cp := range s.policies {
		p := cp.policy
		if !p.Active {
			continue
		}
		if mctx.Scope != "" && p.Scope != mctx.Scope {
			continue
		}
		if mctx.Action != "" {
			if _, ok := p.Actions[mctx.Action]; !ok {
				continue
			}
		}
		if !matchDimension(cp.realm, realm) {
			continue
		}
		if !matchDimension(cp.resolver, resolver) {
			continue
		}
		if !matchDimension(cp.user, mctx.User) {
			continue
		}
		if !matchDimension(cp.admin, mctx.AdminUser) {
			continue
		}
		if !matchDimension(cp.client, mctx.ClientIP) {
			continue
		}
		if !matchDimension(cp.node, mctx.Node) {
			continue
		}
		if !mctx.Now.IsZero() && !scheduleMatches(cp.schedule, mctx.Now) {
			continue
		}

		match, err := evalConditions(p, mctx)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}

		out = append(out, p)
	}

	return out, nil
}

// GetActionValues collects the values the matching policies define for
// one action, mapped to the names of the contributing policies. With
// unique set, only the policies at the lowest priority number
// contribute, and disagreement among them is ErrPolicyConflict, never a
// silent pick. With audit unset the name lists are left nil.
func (s *PolicySnapshot) GetActionValues(mctx *MatchContext, action string, unique, audit bool) (map[string][]string, error) {
	scoped := *mctx
	scoped.Action = action

	matched, err := s.Match(&scoped)
	if err != nil {
		return nil, err
	}
	if unique {
		matched = lowestPriority(matched)
		if err := CheckForConflicts(matched, action); err != nil {
			return nil, err
		}
	}

	out := make(map[string][]string, len(matched))
	for _, p := range matched {
		value := p.Actions[action]
		if !audit {
			if _, ok := out[value]; !ok {
				out[value] = nil
			}
			continue
		}
		if !containsString(out[value], p.Name) {
			out[value] = append(out[value], p.Name)
		}
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out, nil
}

// CheckForConflicts reports ErrPolicyConflict when two or more policies
// at the equally lowest priority number define distinct values for the
// action.
func CheckForConflicts(policies []*Policy, action string) error {
	top := lowestPriority(withAction(policies, action))
	if len(top) < 2 {
		return nil
	}

	value, seen := "", false
	for _, p := range top {
		v := p.Actions[action]
		if !seen {
			value, seen = v, true
			continue
		}
		if v != value {
			return fmt.Errorf("%w: action %q", ErrPolicyConflict, action)
		}
	}
	return nil
}

func withAction(policies []*Policy, action string) []*Policy {
	out := make([]*Policy, 0, len(policies))
	for _, p := range policies {
		if _, ok := p.Actions[action]; ok {
			out = append(out, p)
		}
	}
	return out
}

func lowestPriority(policies []*Policy) []*Policy {
	if len(policies) == 0 {
		return nil
	}
	best := policies[0].Priority
	for _, p := range policies[1:] {
		if p.Priority < best {
			best = p.Priority
		}
	}
	out := make([]*Policy, 0, len(policies))
	for _, p := range policies {
		if p.Priority == best {
			out = append(out, p)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
