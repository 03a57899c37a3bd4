package core

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// TargetingOutcome is the tri-state result of folding a flag's rule list.
type TargetingOutcome int

const (
	// TargetingIndeterminate means the rule list was empty; the decision
	// defers to rollout percentage.
	TargetingIndeterminate TargetingOutcome = iota
	// TargetingMatched means some rule matched the context.
	TargetingMatched
	// TargetingNoMatch means rules were present and none matched.
	TargetingNoMatch
)

// Evaluate decides whether flag is on for the given user and reports why.
//
// The decision order is fixed: absence, then the kill switch, then targeting
// rules, then rollout percentage. Targeting always takes precedence over
// rollout; rollout is consulted only when the flag has no rules. A nil flag
// (not found in the store) evaluates to disabled rather than erroring.
func Evaluate(flag *Flag, user UserContext) EvaluationResult {
	if flag == nil {
		return EvaluationResult{Reason: ReasonFlagNotFound}
	}

	if !flag.Enabled {
		return EvaluationResult{Reason: ReasonFlagDisabled}
	}

	switch EvaluateRules(flag.Key, flag.Rules, user) {
	case TargetingMatched:
		return EvaluationResult{Enabled: true, Reason: ReasonTargetingMatch}
	case TargetingNoMatch:
		return EvaluationResult{Reason: ReasonTargetingNoMatch}
	}

	if flag.RolloutPercentage > 0 && user.UserID != "" {
		bucket := Bucket(flag.Key, user.UserID)
		if bucket < flag.RolloutPercentage {
			return EvaluationResult{Enabled: true, Reason: ReasonRolloutIncluded, Bucket: &bucket}
		}
		return EvaluationResult{Reason: ReasonRolloutExcluded, Bucket: &bucket}
	}

	switch flag.RolloutPercentage {
	case 100:
		return EvaluationResult{Enabled: true, Reason: ReasonRolloutFull}
	case 0:
		return EvaluationResult{Reason: ReasonRolloutZero}
	default:
		return EvaluationResult{Reason: ReasonNoUserContext}
	}
}

// EvaluateRules folds an ordered rule list into a targeting outcome. The scan
// is an OR: the first matching rule wins and short-circuits; a rule that does
// not match is skipped. A non-empty list where nothing matched resolves to
// TargetingNoMatch; only an empty list is indeterminate.
func EvaluateRules(flagKey string, rules []Rule, user UserContext) TargetingOutcome {
	if len(rules) == 0 {
		return TargetingIndeterminate
	}

	for _, rule := range rules {
		if MatchRule(flagKey, rule, user) {
			return TargetingMatched
		}
	}

	return TargetingNoMatch
}

// MatchRule evaluates one rule against the user context. Malformed or
// forward-incompatible rule data (unknown type or operator, invalid regex,
// non-numeric comparison operands) is a non-match, never an error, so one bad
// rule cannot take down evaluation of the whole flag.
//
// flagKey is threaded through for percentage rules, which share the rollout
// bucket space of the enclosing flag.
func MatchRule(flagKey string, rule Rule, user UserContext) bool {
	switch rule.Type {
	case RuleTypeUserID:
		return matchUserIDRule(rule, user.UserID)
	case RuleTypeUserAttribute:
		return matchAttributeRule(rule, user.Attributes)
	case RuleTypePercentage:
		if user.UserID == "" {
			return false
		}
		threshold, ok := asNumber(rule.Value)
		if !ok {
			threshold = 0
		}
		return float64(Bucket(flagKey, user.UserID)) < threshold
	default:
		return false
	}
}

func matchUserIDRule(rule Rule, userID string) bool {
	// Identity rules cannot target an anonymous user.
	if userID == "" {
		return false
	}

	switch rule.Operator {
	case OperatorIn:
		return containsValue(rule.Values, userID)
	case OperatorNotIn:
		return !containsValue(rule.Values, userID)
	case OperatorEquals:
		s, ok := rule.Value.(string)
		return ok && s == userID
	case OperatorNotEquals:
		s, ok := rule.Value.(string)
		return !ok || s != userID
	default:
		return false
	}
}

func matchAttributeRule(rule Rule, attributes map[string]any) bool {
	attr, ok := attributes[rule.Key]
	if !ok {
		return false
	}

	switch rule.Operator {
	case OperatorEquals:
		return valueEquals(attr, rule.Value)
	case OperatorNotEquals:
		return !valueEquals(attr, rule.Value)
	case OperatorIn:
		return containsValue(rule.Values, attr)
	case OperatorNotIn:
		return !containsValue(rule.Values, attr)
	case OperatorContains:
		return strings.Contains(stringify(attr), stringify(rule.Value))
	case OperatorStartsWith:
		return strings.HasPrefix(stringify(attr), stringify(rule.Value))
	case OperatorEndsWith:
		return strings.HasSuffix(stringify(attr), stringify(rule.Value))
	case OperatorGreaterThan:
		left, leftOK := asNumber(attr)
		right, rightOK := asNumber(rule.Value)
		return leftOK && rightOK && left > right
	case OperatorLessThan:
		left, leftOK := asNumber(attr)
		right, rightOK := asNumber(rule.Value)
		return leftOK && rightOK && left < right
	case OperatorRegex:
		pattern, ok := rule.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(stringify(attr))
	default:
		return false
	}
}

func containsValue(values []any, value any) bool {
	for _, candidate := range values {
		if valueEquals(value, candidate) {
			return true
		}
	}

	return false
}

// valueEquals compares two scalars. Numbers of different Go types compare by
// value without losing precision on large integers; everything else requires
// matching types.
func valueEquals(left any, right any) bool {
	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return leftInt == rightInt
		}
		if rightUint, ok := asUint64(right); ok {
			return leftInt >= 0 && uint64(leftInt) == rightUint
		}
		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsInt64(rightFloat, leftInt)
		}
		return false
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return leftUint == rightUint
		}
		if rightInt, ok := asInt64(right); ok {
			return rightInt >= 0 && leftUint == uint64(rightInt)
		}
		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsUint64(rightFloat, leftUint)
		}
		return false
	}

	if leftFloat, ok := asFloat64(left); ok {
		if rightFloat, ok := asFloat64(right); ok {
			return leftFloat == rightFloat
		}
		if rightInt, ok := asInt64(right); ok {
			return floatEqualsInt64(leftFloat, rightInt)
		}
		if rightUint, ok := asUint64(right); ok {
			return floatEqualsUint64(leftFloat, rightUint)
		}
		return false
	}

	switch l := left.(type) {
	case string:
		r, ok := right.(string)
		return ok && l == r
	case bool:
		r, ok := right.(bool)
		return ok && l == r
	default:
		return false
	}
}

// stringify renders a scalar the way the string-operator comparisons expect:
// numbers without a trailing ".0", booleans as "true"/"false".
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	default:
		if i, ok := asInt64(v); ok {
			return strconv.FormatInt(i, 10)
		}
		if u, ok := asUint64(v); ok {
			return strconv.FormatUint(u, 10)
		}
		return fmt.Sprint(v)
	}
}

// asNumber coerces a scalar to float64 for ordered comparisons. Numeric
// strings parse; booleans count as 1 and 0; anything else fails.
func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}

	if f, ok := asFloat64(value); ok {
		return f, true
	}
	if i, ok := asInt64(value); ok {
		return float64(i), true
	}
	if u, ok := asUint64(value); ok {
		return float64(u), true
	}

	return 0, false
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func floatEqualsInt64(left float64, right int64) bool {
	if !isWholeFinite(left) {
		return false
	}
	if left < float64(math.MinInt64) || left > float64(math.MaxInt64) {
		return false
	}

	converted := int64(left)
	return float64(converted) == left && converted == right
}

func floatEqualsUint64(left float64, right uint64) bool {
	if !isWholeFinite(left) {
		return false
	}
	if left < 0 || left > float64(math.MaxUint64) {
		return false
	}

	converted := uint64(left)
	return float64(converted) == left && converted == right
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
