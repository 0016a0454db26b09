package matcher

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"mercator-hq/spendguard/pkg/rules"
)

// evaluateOperator evaluates an operator comparison between actual and expected values.
// When actual is a list (actor roles), equality-style operators match if any
// element matches.
func evaluateOperator(op rules.Operator, actual, expected any) (bool, error) {
	if list, ok := actual.([]string); ok {
		return evaluateOnList(op, list, expected)
	}

	switch op {
	case rules.OpEquals:
		return evaluateEqual(actual, expected), nil

	case rules.OpNotEquals:
		return !evaluateEqual(actual, expected), nil

	case rules.OpLessThan:
		a, e, err := toNumeric(actual, expected)
		return err == nil && a.LessThan(e), err

	case rules.OpGreaterThan:
		a, e, err := toNumeric(actual, expected)
		return err == nil && a.GreaterThan(e), err

	case rules.OpLessThanOrEqual:
		a, e, err := toNumeric(actual, expected)
		return err == nil && a.LessThanOrEqual(e), err

	case rules.OpGreaterThanOrEqual:
		a, e, err := toNumeric(actual, expected)
		return err == nil && a.GreaterThanOrEqual(e), err

	case rules.OpContains:
		return strings.Contains(toString(actual), toString(expected)), nil

	case rules.OpStartsWith:
		return strings.HasPrefix(toString(actual), toString(expected)), nil

	case rules.OpEndsWith:
		return strings.HasSuffix(toString(actual), toString(expected)), nil

	case rules.OpMatches:
		return evaluateMatches(actual, expected)

	case rules.OpInList:
		return evaluateIn(actual, expected)

	case rules.OpNotInList:
		in, err := evaluateIn(actual, expected)
		return !in && err == nil, err

	default:
		return false, fmt.Errorf("unknown operator: %q", op)
	}
}

// evaluateOnList applies op to a list-valued field such as actor_role.
func evaluateOnList(op rules.Operator, list []string, expected any) (bool, error) {
	switch op {
	case rules.OpEquals, rules.OpContains, rules.OpInList:
		for _, v := range list {
			var (
				ok  bool
				err error
			)
			if op == rules.OpInList {
				ok, err = evaluateIn(v, expected)
			} else {
				ok = evaluateEqual(v, expected)
			}
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case rules.OpNotEquals, rules.OpNotInList:
		positive := rules.OpEquals
		if op == rules.OpNotInList {
			positive = rules.OpInList
		}
		matched, err := evaluateOnList(positive, list, expected)
		return !matched && err == nil, err

	default:
		return false, fmt.Errorf("operator %q is not supported on list field", op)
	}
}

// evaluateEqual compares numerically when both sides are numbers and as
// strings otherwise, so "840" from metadata equals 840 from YAML.
func evaluateEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	if a, e, err := toNumeric(actual, expected); err == nil {
		return a.Equal(e)
	}
	return toString(actual) == toString(expected)
}

func evaluateMatches(actual, expected any) (bool, error) {
	pattern, ok := expected.(string)
	if !ok {
		return false, fmt.Errorf("matches operator requires string pattern for expected")
	}
	re, err := compilePattern(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
	}
	return re.MatchString(toString(actual)), nil
}

// Rule patterns are few and reused on every evaluation.
var patterns sync.Map

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patterns.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patterns.Store(pattern, re)
	return re, nil
}

// evaluateIn checks if actual is in the expected list.
func evaluateIn(actual, expected any) (bool, error) {
	expectedVal := reflect.ValueOf(expected)
	if expectedVal.Kind() != reflect.Slice && expectedVal.Kind() != reflect.Array {
		return false, fmt.Errorf("in_list operator requires slice or array for expected, got %s", expectedVal.Kind())
	}

	for i := 0; i < expectedVal.Len(); i++ {
		if evaluateEqual(actual, expectedVal.Index(i).Interface()) {
			return true, nil
		}
	}
	return false, nil
}

// toNumeric converts both values to decimals for comparison.
func toNumeric(actual, expected any) (decimal.Decimal, decimal.Decimal, error) {
	a, err := toDecimal(actual)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("cannot convert actual value to number: %w", err)
	}
	e, err := toDecimal(expected)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("cannot convert expected value to number: %w", err)
	}
	return a, e, nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case decimal.Decimal:
		return val, nil
	case float64:
		return decimal.NewFromFloat(val), nil
	case float32:
		return decimal.NewFromFloat32(val), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int32:
		return decimal.NewFromInt32(val), nil
	case int64:
		return decimal.NewFromInt(val), nil
	case uint32:
		return decimal.NewFromInt(int64(val)), nil
	case string:
		d, err := decimal.NewFromString(val)
		if err != nil {
			return decimal.Zero, fmt.Errorf("cannot convert %q to number", val)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("cannot convert %T to number", v)
	}
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
