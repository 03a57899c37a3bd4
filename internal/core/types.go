// Package core implements the flag evaluation engine: deterministic rollout
// bucketing, targeting rule matching, and the decision state machine that
// combines them. Everything in this package is pure; persistence and caching
// live elsewhere.
package core

// RuleType discriminates the targeting rule variants. Unknown types are
// treated as non-matching rather than rejected, so forward-incompatible rule
// data degrades safely.
type RuleType string

const (
	RuleTypeUserID        RuleType = "user_id"
	RuleTypeUserAttribute RuleType = "user_attribute"
	RuleTypePercentage    RuleType = "percentage"
)

// Operator names a comparison applied by a targeting rule.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "not_in"
	OperatorContains    Operator = "contains"
	OperatorStartsWith  Operator = "starts_with"
	OperatorEndsWith    Operator = "ends_with"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
	OperatorRegex       Operator = "regex"
)

// Rule is a single targeting predicate.
//
// Which fields are meaningful depends on Type: user_id rules compare the
// context's user ID against Value or Values; user_attribute rules additionally
// name the attribute via Key; percentage rules read a threshold from Value and
// bucket against the enclosing flag's key.
type Rule struct {
	Type     RuleType `json:"type"`
	Operator Operator `json:"operator,omitempty"`
	Key      string   `json:"key,omitempty"`
	Value    any      `json:"value,omitempty"`
	Values   []any    `json:"values,omitempty"`
}

// Flag is the evaluator's view of a flag definition. It is treated as an
// immutable value for the duration of one evaluation call.
type Flag struct {
	Key               string
	Enabled           bool
	RolloutPercentage int
	Rules             []Rule
}

// UserContext carries the identity and attributes an evaluation runs against.
// It is constructed per call and never persisted.
type UserContext struct {
	UserID     string         `json:"userId,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Reason explains why an evaluation produced its boolean.
type Reason string

const (
	ReasonFlagNotFound     Reason = "FLAG_NOT_FOUND"
	ReasonFlagDisabled     Reason = "FLAG_DISABLED"
	ReasonTargetingMatch   Reason = "TARGETING_MATCH"
	ReasonTargetingNoMatch Reason = "TARGETING_NO_MATCH"
	ReasonRolloutIncluded  Reason = "ROLLOUT_INCLUDED"
	ReasonRolloutExcluded  Reason = "ROLLOUT_EXCLUDED"
	ReasonRolloutFull      Reason = "ROLLOUT_FULL"
	ReasonRolloutZero      Reason = "ROLLOUT_ZERO"
	ReasonNoUserContext    Reason = "NO_USER_CONTEXT"
)

// EvaluationResult is the outcome of evaluating one flag for one user.
// Bucket is set only when a rollout-percentage decision was made.
type EvaluationResult struct {
	Enabled bool   `json:"enabled"`
	Reason  Reason `json:"reason"`
	Bucket  *int   `json:"bucket,omitempty"`
}
