package privacyidea

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Condition sections.
const (
	// SectionUserInfo is an exported constant or variable used by the authentication engine.
	SectionUserInfo = "userinfo"
	// SectionTokenInfo is an exported constant or variable used by the authentication engine.
	SectionTokenInfo = "tokeninfo"
	// SectionToken is an exported constant or variable used by the authentication engine.
	SectionToken = "token"
	// SectionRequest is an exported constant or variable used by the authentication engine.
	SectionRequest = "request"
)

var knownComparators = map[string]bool{
	"equals": true, "!equals": true,
	"contains": true, "!contains": true,
	"matches": true, "!matches": true,
	"in": true, "!in": true,
	"<": true, ">": true,
}

func validateCondition(cond Condition) error {
	switch cond.Section {
	case SectionUserInfo, SectionTokenInfo, SectionToken, SectionRequest:
	default:
		return fmt.Errorf("%w: unknown condition section %q", ErrPolicyInvalid, cond.Section)
	}
	if cond.Key == "" {
		return fmt.Errorf("%w: condition without a key", ErrPolicyInvalid)
	}
	if !knownComparators[cond.Comparator] {
		return fmt.Errorf("%w: unknown comparator %q", ErrPolicyInvalid, cond.Comparator)
	}
	return nil
}

// evalConditions checks every active condition of a policy against the
// context. An unresolvable section/key or a comparator type error is a
// policy error, never a silent non-match; inactive conditions are
// skipped before resolution is even attempted.
func evalConditions(p *Policy, mctx *MatchContext) (bool, error) {
	for _, cond := range p.Conditions {
		if !cond.Active {
			continue
		}
		actual, err := resolveConditionKey(mctx, cond.Section, cond.Key)
		if err != nil {
			return false, fmt.Errorf("%w: policy %q: %v", ErrPolicyCondition, p.Name, err)
		}
		ok, err := compare(cond.Comparator, actual, cond.Value)
		if err != nil {
			return false, fmt.Errorf("%w: policy %q: %v", ErrPolicyCondition, p.Name, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func resolveConditionKey(mctx *MatchContext, section, key string) (string, error) {
	switch section {
	case SectionUserInfo:
		return lookupSection(mctx.UserInfo, section, key)
	case SectionTokenInfo:
		info := mctx.TokenInfo
		if info == nil && mctx.Token != nil {
			info = mctx.Token.Info
		}
		return lookupSection(info, section, key)
	case SectionRequest:
		return lookupSection(mctx.Request, section, key)
	case SectionToken:
		return resolveTokenAttribute(mctx.Token, key)
	default:
		return "", fmt.Errorf("unknown section %q", section)
	}
}

func lookupSection(m map[string]string, section, key string) (string, error) {
	if m == nil {
		return "", fmt.Errorf("section %q not available in this request", section)
	}
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("key %q not present in section %q", key, section)
	}
	return v, nil
}

func resolveTokenAttribute(t *TokenRecord, key string) (string, error) {
	if t == nil {
		return "", fmt.Errorf("section %q not available in this request", SectionToken)
	}
	switch key {
	case "serial":
		return t.Serial, nil
	case "tokentype", "type":
		return t.Type, nil
	case "active":
		return strconv.FormatBool(t.Active), nil
	case "locked":
		return strconv.FormatBool(t.IsLocked()), nil
	case "failcount":
		return strconv.Itoa(t.FailCount), nil
	case "maxfail":
		return strconv.Itoa(t.MaxFail), nil
	case "counter":
		return strconv.FormatInt(t.Counter, 10), nil
	case "otplen":
		return strconv.Itoa(t.OTPLength), nil
	case "user":
		return t.Owner, nil
	case "realm":
		return t.OwnerRealm, nil
	default:
		return "", fmt.Errorf("unknown token attribute %q", key)
	}
}

func compare(comparator, actual, expected string) (bool, error) {
	switch comparator {
	case "equals":
		return actual == expected, nil
	case "!equals":
		return actual != expected, nil
	case "contains":
		return strings.Contains(actual, expected), nil
	case "!contains":
		return !strings.Contains(actual, expected), nil
	case "matches":
		return matchFull(actual, expected)
	case "!matches":
		ok, err := matchFull(actual, expected)
		return !ok, err
	case "in":
		return inList(actual, expected), nil
	case "!in":
		return !inList(actual, expected), nil
	case "<":
		a, b, err := parseNumbers(actual, expected)
		if err != nil {
			return false, err
		}
		return a < b, nil
	case ">":
		a, b, err := parseNumbers(actual, expected)
		if err != nil {
			return false, err
		}
		return a > b, nil
	default:
		return false, fmt.Errorf("unknown comparator %q", comparator)
	}
}

func matchFull(actual, pattern string) (bool, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return false, fmt.Errorf("bad matches pattern %q: %v", pattern, err)
	}
	return re.MatchString(actual), nil
}

func inList(actual, list string) bool {
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == actual {
			return true
		}
	}
	return false
}

func parseNumbers(actual, expected string) (float64, float64, error) {
	a, err := strconv.ParseFloat(strings.TrimSpace(actual), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("value %q is not numeric", actual)
	}
	b, err := strconv.ParseFloat(strings.TrimSpace(expected), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("value %q is not numeric", expected)
	}
	return a, b, nil
}
