package xlmigrate

import (
	"fmt"
	"strings"
)

// Matches reports whether every condition holds for row. No conditions means
// the rule always applies. A missing column or a failed coercion is returned
// as an error; the engine skips the rule and records a warning.
func Matches(row *Row, conds []Condition) (bool, error) {
	for _, c := range conds {
		ok, err := c.match(row)
		if err != nil {
			return false, fmt.Errorf("condition %s: %w", c, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c Condition) match(row *Row) (bool, error) {
	v, ok := row.Lookup(c.Column.Name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrMissingColumn, c.Column)
	}
	switch c.Operator {
	case OpEq:
		return conditionEqual(v, c.Operand), nil
	case OpNeq:
		return !conditionEqual(v, c.Operand), nil
	case OpGt, OpLt:
		a, okA := toNumber(v)
		b, okB := toNumber(c.Operand)
		if !okA || !okB {
			return false, fmt.Errorf("%w: %q %s %v is not numeric", ErrTypeCoercion, v.Raw, c.Operator, c.Operand)
		}
		if c.Operator == OpGt {
			return a > b, nil
		}
		return a < b, nil
	case OpIn:
		set, ok := c.Operand.([]any)
		if !ok {
			return false, fmt.Errorf("%w: operand of in is %T, not a list", ErrTypeCoercion, c.Operand)
		}
		for _, elem := range set {
			if conditionEqual(v, elem) {
				return true, nil
			}
		}
		return false, nil
	case OpContains:
		s, ok := toText(v)
		if !ok {
			return false, fmt.Errorf("%w: blank cell is not text", ErrTypeCoercion)
		}
		sub, ok := toText(c.Operand)
		if !ok {
			return false, fmt.Errorf("%w: operand of contains is %T", ErrTypeCoercion, c.Operand)
		}
		return strings.Contains(s, sub), nil
	default:
		return false, fmt.Errorf("%w: operator %q", ErrTypeCoercion, c.Operator)
	}
}

// conditionEqual compares a resolved cell with an operand. A blank cell
// equals only a nil or empty operand.
func conditionEqual(v Value, operand any) bool {
	if v.Absent {
		return operand == nil || operand == ""
	}
	return valuesEqual(v.Data, operand)
}
