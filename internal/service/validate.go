package service

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shiv-0101/featureflags/internal/core"
	"github.com/shiv-0101/featureflags/internal/repository"
)

const (
	maxKeyLength  = 100
	maxNameLength = 255
	maxRules      = 50
)

var flagKeyPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// validateFlag checks a flag against the write-side rules and returns a
// normalized copy: trimmed name, angle brackets stripped from name and
// description, and an empty rule list canonicalized to [].
func validateFlag(flag repository.Flag) (repository.Flag, error) {
	key := strings.TrimSpace(flag.Key)
	switch {
	case key == "":
		return repository.Flag{}, fmt.Errorf("%w: key is required", ErrInvalidFlag)
	case len(key) > maxKeyLength:
		return repository.Flag{}, fmt.Errorf("%w: key exceeds %d characters", ErrInvalidFlag, maxKeyLength)
	case !flagKeyPattern.MatchString(key):
		return repository.Flag{}, fmt.Errorf("%w: key must match %s", ErrInvalidFlag, flagKeyPattern)
	}

	name := sanitize(strings.TrimSpace(flag.Name))
	switch {
	case name == "":
		return repository.Flag{}, fmt.Errorf("%w: name is required", ErrInvalidFlag)
	case len(name) > maxNameLength:
		return repository.Flag{}, fmt.Errorf("%w: name exceeds %d characters", ErrInvalidFlag, maxNameLength)
	}

	if flag.RolloutPercentage < 0 || flag.RolloutPercentage > 100 {
		return repository.Flag{}, fmt.Errorf("%w: rolloutPercentage must be between 0 and 100", ErrInvalidFlag)
	}

	rules, err := parseRulesJSON(flag.TargetingRules)
	if err != nil {
		return repository.Flag{}, err
	}
	if len(rules) > maxRules {
		return repository.Flag{}, fmt.Errorf("%w: at most %d targeting rules", ErrInvalidFlag, maxRules)
	}
	for i, rule := range rules {
		if err := validateRule(rule); err != nil {
			return repository.Flag{}, fmt.Errorf("%w: rule %d: %v", ErrInvalidFlag, i, err)
		}
	}

	normalized := flag
	normalized.Key = key
	normalized.Name = name
	normalized.Description = sanitize(flag.Description)
	if len(normalized.TargetingRules) == 0 {
		normalized.TargetingRules = json.RawMessage(`[]`)
	}

	return normalized, nil
}

func validateRule(rule core.Rule) error {
	switch rule.Type {
	case core.RuleTypeUserID, core.RuleTypeUserAttribute, core.RuleTypePercentage:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown type %q", rule.Type)
	}

	if rule.Operator == "" {
		return fmt.Errorf("operator is required for type %q", rule.Type)
	}
	if rule.Type == core.RuleTypeUserAttribute && strings.TrimSpace(rule.Key) == "" {
		return fmt.Errorf("key is required for type %q", rule.Type)
	}

	return nil
}

func parseRulesJSON(payload json.RawMessage) ([]core.Rule, error) {
	rules := make([]core.Rule, 0)
	if len(payload) == 0 {
		return rules, nil
	}

	if err := json.Unmarshal(payload, &rules); err != nil {
		return nil, fmt.Errorf("%w: targetingRules: %v", ErrInvalidFlag, err)
	}

	return rules, nil
}

// sanitize strips angle brackets so stored names and descriptions cannot
// carry markup into downstream UIs.
func sanitize(value string) string {
	return strings.NewReplacer("<", "", ">", "").Replace(value)
}
