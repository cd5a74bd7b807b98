package privacyidea

import (
	"errors"
	"testing"
)

func conditionPolicy(cond Condition) []Policy {
	return []Policy{{
		Name:       "cond",
		Scope:      ScopeAuthentication,
		Actions:    map[string]string{ActionOTPPIN: OTPPINNone},
		Conditions: []Condition{cond},
		Active:     true,
	}}
}

func TestConditionUserInfo(t *testing.T) {
	snap := mustSnapshot(t, conditionPolicy(Condition{
		Section: SectionUserInfo, Key: "department", Comparator: "equals", Value: "ops", Active: true,
	}))

	mctx := authContext("alice", "realm1")
	mctx.UserInfo = map[string]string{"department": "ops"}
	matched, err := snap.Match(mctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 1 {
		t.Fatal("matching condition did not match")
	}

	mctx.UserInfo = map[string]string{"department": "dev"}
	matched, err = snap.Match(mctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 0 {
		t.Fatal("non-matching condition matched")
	}
}

func TestConditionUnresolvableIsError(t *testing.T) {
	snap := mustSnapshot(t, conditionPolicy(Condition{
		Section: SectionUserInfo, Key: "department", Comparator: "equals", Value: "ops", Active: true,
	}))

	// Section missing entirely.
	_, err := snap.Match(authContext("alice", "realm1"))
	if !errors.Is(err, ErrPolicyCondition) {
		t.Fatalf("missing section: got %v, want ErrPolicyCondition", err)
	}

	// Section present, key missing.
	mctx := authContext("alice", "realm1")
	mctx.UserInfo = map[string]string{"group": "ops"}
	_, err = snap.Match(mctx)
	if !errors.Is(err, ErrPolicyCondition) {
		t.Fatalf("missing key: got %v, want ErrPolicyCondition", err)
	}
}

func TestConditionInactiveSkipsResolution(t *testing.T) {
	snap := mustSnapshot(t, conditionPolicy(Condition{
		Section: SectionUserInfo, Key: "department", Comparator: "equals", Value: "ops", Active: false,
	}))

	// Unresolvable but inactive: the policy matches as if the condition
	// were absent.
	matched, err := snap.Match(authContext("alice", "realm1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 1 {
		t.Fatal("inactive condition blocked the match")
	}
}

func TestConditionTokenAttributes(t *testing.T) {
	snap := mustSnapshot(t, conditionPolicy(Condition{
		Section: SectionToken, Key: "tokentype", Comparator: "equals", Value: TokenTypeHOTP, Active: true,
	}))

	mctx := authContext("alice", "realm1")
	mctx.Token = eventRecord(0)
	matched, err := snap.Match(mctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 1 {
		t.Fatal("token attribute condition did not match")
	}

	// No token in the request context: unresolvable.
	if _, err := snap.Match(authContext("alice", "realm1")); !errors.Is(err, ErrPolicyCondition) {
		t.Fatalf("got %v, want ErrPolicyCondition", err)
	}

	snap = mustSnapshot(t, conditionPolicy(Condition{
		Section: SectionToken, Key: "favourite_colour", Comparator: "equals", Value: "blue", Active: true,
	}))
	if _, err := snap.Match(mctx); !errors.Is(err, ErrPolicyCondition) {
		t.Fatalf("unknown attribute: got %v, want ErrPolicyCondition", err)
	}
}

func TestConditionComparators(t *testing.T) {
	cases := []struct {
		comparator string
		actual     string
		expected   string
		want       bool
	}{
		{"equals", "a", "a", true},
		{"!equals", "a", "b", true},
		{"contains", "department-ops", "ops", true},
		{"!contains", "department-dev", "ops", true},
		{"matches", "user42", `user\d+`, true},
		{"matches", "user42x", `user\d+`, false},
		{"!matches", "guest", `user\d+`, true},
		{"in", "b", "a, b, c", true},
		{"!in", "d", "a, b, c", true},
		{"<", "3", "10", true},
		{">", "10", "3", true},
		{"<", "10", "3", false},
	}

	for _, tc := range cases {
		got, err := compare(tc.comparator, tc.actual, tc.expected)
		if err != nil {
			t.Fatalf("%s(%q, %q): %v", tc.comparator, tc.actual, tc.expected, err)
		}
		if got != tc.want {
			t.Fatalf("%s(%q, %q) = %v, want %v", tc.comparator, tc.actual, tc.expected, got, tc.want)
		}
	}
}

func TestConditionNumericComparatorTypeError(t *testing.T) {
	snap := mustSnapshot(t, conditionPolicy(Condition{
		Section: SectionUserInfo, Key: "clearance", Comparator: "<", Value: "5", Active: true,
	}))

	mctx := authContext("alice", "realm1")
	mctx.UserInfo = map[string]string{"clearance": "high"}
	if _, err := snap.Match(mctx); !errors.Is(err, ErrPolicyCondition) {
		t.Fatalf("got %v, want ErrPolicyCondition", err)
	}
}

func TestConditionRequestSection(t *testing.T) {
	snap := mustSnapshot(t, conditionPolicy(Condition{
		Section: SectionRequest, Key: "type", Comparator: "in", Value: "hotp, totp", Active: true,
	}))

	mctx := authContext("alice", "realm1")
	mctx.Request = map[string]string{"type": "totp"}
	matched, err := snap.Match(mctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 1 {
		t.Fatal("request condition did not match")
	}
}
