package privacyidea

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// ExportPolicies serializes a policy set. The output round-trips
// through ImportPolicies without loss; in particular priority values
// are carried exactly, not re-defaulted.
func ExportPolicies(policies []Policy) ([]byte, error) {
	return yaml.Marshal(policyFile{Policies: policies})
}

// ImportPolicies parses a serialized policy set and validates that
// every policy compiles (names present, filter lists and time specs
// parseable, condition sections and comparators known).
func ImportPolicies(data []byte) ([]Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyInvalid, err)
	}

	// Compile once to surface definition errors at import time. The
	// default priority is irrelevant here; imported priorities are
	// kept as-is.
	if _, err := NewPolicySnapshot(file.Policies, defaultPolicyPriority); err != nil {
		return nil, err
	}

	return file.Policies, nil
}
