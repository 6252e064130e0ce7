package transform

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
)

// Operator defines comparison operators
type Operator string

const (
	OpExists         Operator = "exists"
	OpNotExists      Operator = "not_exists"
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessOrEqual    Operator = "less_or_equal"
	OpContains       Operator = "contains"
	OpStartsWith     Operator = "starts_with"
	OpEndsWith       Operator = "ends_with"
	OpIn             Operator = "in"
	OpNotIn          Operator = "not_in"
	OpMatches        Operator = "matches" // Regex match
)

// Condition is a structured predicate: either a single field comparison or a
// logical combination of nested conditions.
type Condition struct {
	Field    string      `json:"field,omitempty" yaml:"field,omitempty"`
	Operator Operator    `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	And      []Condition `json:"and,omitempty" yaml:"and,omitempty"`
	Or       []Condition `json:"or,omitempty" yaml:"or,omitempty"`
	Not      *Condition  `json:"not,omitempty" yaml:"not,omitempty"`
}

// Evaluate evaluates the condition against a single record
func (c Condition) Evaluate(item interface{}) (bool, error) {
	switch {
	case len(c.And) > 0:
		for _, cond := range c.And {
			result, err := cond.Evaluate(item)
			if err != nil || !result {
				return false, err
			}
		}
		return true, nil
	case len(c.Or) > 0:
		for _, cond := range c.Or {
			result, err := cond.Evaluate(item)
			if err != nil {
				return false, err
			}
			if result {
				return true, nil
			}
		}
		return false, nil
	case c.Not != nil:
		result, err := c.Not.Evaluate(item)
		return !result, err
	case c.Operator != "":
		return compare(item, c.Field, c.Operator, c.Value)
	default:
		return false, fmt.Errorf("empty condition")
	}
}

// compare applies op to the value at field (or the item itself when field is empty)
func compare(item interface{}, field string, op Operator, expected interface{}) (bool, error) {
	actual, exists := item, true
	if field != "" {
		actual, exists = GetPath(item, field)
	}

	switch op {
	case OpExists:
		return exists && actual != nil, nil
	case OpNotExists:
		return !exists || actual == nil, nil
	case OpEquals:
		return looseEqual(actual, expected), nil
	case OpNotEquals:
		return !looseEqual(actual, expected), nil
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		return compareNumeric(actual, expected, op), nil
	case OpContains:
		return contains(actual, expected), nil
	case OpStartsWith:
		s, ok := actual.(string)
		return ok && strings.HasPrefix(s, toString(expected)), nil
	case OpEndsWith:
		s, ok := actual.(string)
		return ok && strings.HasSuffix(s, toString(expected)), nil
	case OpIn:
		return inArray(actual, expected), nil
	case OpNotIn:
		return !inArray(actual, expected), nil
	case OpMatches:
		pattern, ok := expected.(string)
		if !ok {
			return false, fmt.Errorf("matches requires a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		return re.MatchString(toString(actual)), nil
	default:
		return false, fmt.Errorf("unsupported operator: %s", op)
	}
}

// looseEqual compares numbers by value regardless of Go numeric type
func looseEqual(a, b interface{}) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func compareNumeric(a, b interface{}, op Operator) bool {
	aFloat, aOk := toFloat64(a)
	bFloat, bOk := toFloat64(b)
	if !aOk || !bOk {
		return false
	}

	switch op {
	case OpGreaterThan:
		return aFloat > bFloat
	case OpGreaterOrEqual:
		return aFloat >= bFloat
	case OpLessThan:
		return aFloat < bFloat
	case OpLessOrEqual:
		return aFloat <= bFloat
	default:
		return false
	}
}

// contains checks substring containment or array membership
func contains(a, b interface{}) bool {
	if aStr, ok := a.(string); ok {
		return strings.Contains(aStr, toString(b))
	}
	if arr, ok := a.([]interface{}); ok {
		for _, item := range arr {
			if looseEqual(item, b) {
				return true
			}
		}
	}
	return false
}

func inArray(a, b interface{}) bool {
	arr, ok := b.([]interface{})
	if !ok {
		return false
	}
	for _, item := range arr {
		if looseEqual(a, item) {
			return true
		}
	}
	return false
}

// Expressions are evaluated by govaluate against a record's fields. Only the
// functions below are callable; there is no host code execution.
// Nested fields are referenced with brackets, e.g. [user.age] > 18.

// recordParameters resolves expression variables against a record
type recordParameters struct {
	item interface{}
}

func (p recordParameters) Get(name string) (interface{}, error) {
	if name == "item" {
		if _, isMap := p.item.(map[string]interface{}); !isMap {
			return p.item, nil
		}
	}
	value, ok := GetPath(p.item, name)
	if !ok {
		return nil, nil
	}
	if f, isNum := toFloat64(value); isNum {
		return f, nil
	}
	return value, nil
}

func expressionFunctions() map[string]govaluate.ExpressionFunction {
	return map[string]govaluate.ExpressionFunction{
		"len": func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("len expects 1 argument")
			}
			switch v := args[0].(type) {
			case string:
				return float64(len(v)), nil
			case []interface{}:
				return float64(len(v)), nil
			case map[string]interface{}:
				return float64(len(v)), nil
			case nil:
				return 0.0, nil
			}
			return nil, fmt.Errorf("len: unsupported type %T", args[0])
		},
		"lower": stringFunc("lower", strings.ToLower),
		"upper": stringFunc("upper", strings.ToUpper),
		"contains": func(args ...interface{}) (interface{}, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("contains expects 2 arguments")
			}
			return contains(args[0], args[1]), nil
		},
		"startsWith": func(args ...interface{}) (interface{}, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("startsWith expects 2 arguments")
			}
			return strings.HasPrefix(toString(args[0]), toString(args[1])), nil
		},
		"endsWith": func(args ...interface{}) (interface{}, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("endsWith expects 2 arguments")
			}
			return strings.HasSuffix(toString(args[0]), toString(args[1])), nil
		},
		"abs": func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("abs expects 1 argument")
			}
			f, ok := toFloat64(args[0])
			if !ok {
				return nil, fmt.Errorf("abs: not a number")
			}
			return math.Abs(f), nil
		},
		"isNull": func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("isNull expects 1 argument")
			}
			return args[0] == nil, nil
		},
	}
}

func stringFunc(name string, fn func(string) string) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%s expects 1 argument", name)
		}
		return fn(toString(args[0])), nil
	}
}

// expressionCache holds parsed expressions keyed by their source text
type expressionCache struct {
	functions map[string]govaluate.ExpressionFunction
	compiled  sync.Map // map[string]*govaluate.EvaluableExpression
}

func newExpressionCache() *expressionCache {
	return &expressionCache{functions: expressionFunctions()}
}

func (c *expressionCache) compile(expr string) (*govaluate.EvaluableExpression, error) {
	if cached, ok := c.compiled.Load(expr); ok {
		return cached.(*govaluate.EvaluableExpression), nil
	}
	parsed, err := govaluate.NewEvaluableExpressionWithFunctions(expr, c.functions)
	if err != nil {
		return nil, fmt.Errorf("failed to parse condition %q: %w", expr, err)
	}
	c.compiled.Store(expr, parsed)
	return parsed, nil
}

// predicate is a compiled per-item test
type predicate func(item interface{}) (bool, error)

// buildPredicate selects the predicate source for a transformation: the
// structured Where tree, then the condition expression, then the flat
// operation/sourceField/value comparison.
func (t *Transformer) buildPredicate(tr Transformation) (predicate, error) {
	if tr.Where != nil {
		where := *tr.Where
		return where.Evaluate, nil
	}

	if tr.Condition != "" {
		expr, err := t.expressions.compile(tr.Condition)
		if err != nil {
			return nil, err
		}
		return func(item interface{}) (bool, error) {
			result, err := expr.Eval(recordParameters{item: item})
			if err != nil {
				// A record the expression cannot be evaluated against does not match
				return false, nil
			}
			return truthy(result), nil
		}, nil
	}

	if tr.Operation == "" {
		return nil, fmt.Errorf("a condition, where clause or operation is required")
	}
	op := Operator(tr.Operation)
	switch op {
	case OpExists, OpNotExists, OpEquals, OpNotEquals, OpGreaterThan, OpLessThan,
		OpGreaterOrEqual, OpLessOrEqual, OpContains, OpStartsWith, OpEndsWith,
		OpIn, OpNotIn, OpMatches:
	default:
		return nil, fmt.Errorf("unsupported operator: %s", tr.Operation)
	}
	return func(item interface{}) (bool, error) {
		return compare(item, tr.SourceField, op, tr.Value)
	}, nil
}
