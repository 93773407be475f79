package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ConditionOp is a comparison operator usable in stage conditions.
type ConditionOp string

const (
	OpEqual       ConditionOp = "eq"
	OpNotEqual    ConditionOp = "ne"
	OpGreater     ConditionOp = "gt"
	OpLess        ConditionOp = "lt"
	OpGreaterEq   ConditionOp = "ge"
	OpLessEq      ConditionOp = "le"
	OpContains    ConditionOp = "contains"
	OpNotContains ConditionOp = "not_contains"
	OpStartsWith  ConditionOp = "starts_with"
	OpEndsWith    ConditionOp = "ends_with"
	OpRegexMatch  ConditionOp = "regex_match"
	OpInList      ConditionOp = "in_list"
)

// Valid reports whether op is a known operator.
func (op ConditionOp) Valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterEq, OpLessEq,
		OpContains, OpNotContains, OpStartsWith, OpEndsWith, OpRegexMatch, OpInList:
		return true
	}
	return false
}

// Condition gates a stage on the workflow's variables. Left is resolved
// against the variable map: a ${params.x} or ${vars.x} placeholder, a bare
// variable name, or a literal. Right follows the same rules when it is a
// string.
type Condition struct {
	Left     string      `yaml:"left" json:"left"`
	Operator ConditionOp `yaml:"operator" json:"operator"`
	Right    interface{} `yaml:"right" json:"right"`
}

// Validate checks the condition independent of any variable values.
func (c Condition) Validate() error {
	if c.Left == "" {
		return fmt.Errorf("left operand is required")
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	if c.Operator == OpRegexMatch {
		pattern, ok := c.Right.(string)
		if !ok {
			return fmt.Errorf("regex_match needs a string pattern")
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid pattern %q: %v", pattern, err)
		}
	}
	return nil
}

// Evaluate resolves both operands against vars and applies the operator.
func (c Condition) Evaluate(vars map[string]interface{}) (bool, error) {
	left := resolveOperand(c.Left, vars)
	right := c.Right
	if s, ok := right.(string); ok {
		right = resolveOperand(s, vars)
	}

	switch c.Operator {
	case OpEqual:
		return operandsEqual(left, right), nil
	case OpNotEqual:
		return !operandsEqual(left, right), nil
	case OpGreater, OpLess, OpGreaterEq, OpLessEq:
		ln, lok := toFloat(left)
		rn, rok := toFloat(right)
		if !lok || !rok {
			return false, fmt.Errorf("operator %s needs numeric operands, got %v and %v", c.Operator, left, right)
		}
		switch c.Operator {
		case OpGreater:
			return ln > rn, nil
		case OpLess:
			return ln < rn, nil
		case OpGreaterEq:
			return ln >= rn, nil
		default:
			return ln <= rn, nil
		}
	case OpContains:
		return strings.Contains(toString(left), toString(right)), nil
	case OpNotContains:
		return !strings.Contains(toString(left), toString(right)), nil
	case OpStartsWith:
		return strings.HasPrefix(toString(left), toString(right)), nil
	case OpEndsWith:
		return strings.HasSuffix(toString(left), toString(right)), nil
	case OpRegexMatch:
		re, err := regexp.Compile(toString(c.Right))
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %v", c.Right, err)
		}
		return re.MatchString(toString(left)), nil
	case OpInList:
		return inList(left, c.Right, vars), nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

// EvaluateAll is the conjunction of every condition. An empty list is true.
func EvaluateAll(conditions []Condition, vars map[string]interface{}) (bool, error) {
	for _, c := range conditions {
		ok, err := c.Evaluate(vars)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func operandsEqual(left, right interface{}) bool {
	if ln, ok := toFloat(left); ok {
		if rn, ok := toFloat(right); ok {
			return ln == rn
		}
	}
	return toString(left) == toString(right)
}

func inList(left, right interface{}, vars map[string]interface{}) bool {
	needle := toString(left)
	switch list := right.(type) {
	case []interface{}:
		for _, item := range list {
			if s, ok := item.(string); ok {
				item = resolveOperand(s, vars)
			}
			if toString(item) == needle {
				return true
			}
		}
	case []string:
		for _, item := range list {
			if toString(resolveOperand(item, vars)) == needle {
				return true
			}
		}
	case string:
		for _, item := range strings.Split(list, ",") {
			if strings.TrimSpace(item) == needle {
				return true
			}
		}
	}
	return false
}

// ═══════════════════════════════════════════════════════════════════════════
// Placeholder resolution
// ═══════════════════════════════════════════════════════════════════════════

var placeholderPattern = regexp.MustCompile(`\$\{(?:params|vars)\.([^}]+)\}`)

// resolveOperand maps a condition operand to its value: a placeholder or a
// bare variable name resolves through vars, anything else is a literal.
func resolveOperand(s string, vars map[string]interface{}) interface{} {
	if m := placeholderPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		if v, ok := vars[m[1]]; ok {
			return v
		}
		return nil
	}
	if v, ok := vars[s]; ok {
		return v
	}
	return s
}

// resolveString interpolates every ${params.x} and ${vars.x} placeholder in
// s. Unknown names resolve to the empty string.
func resolveString(s string, vars map[string]interface{}) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return toString(v)
		}
		return ""
	})
}

func toString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
