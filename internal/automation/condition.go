package automation

import (
	"fmt"
	"reflect"

	"github.com/nerrad567/homelink-core/internal/capability"
)

// Evaluate applies a condition to the trigger value. A nil condition always
// matches. It has no side effects.
//
// Numbers of any Go type compare numerically. eq and ne also compare
// booleans, strings and composite values; the ordering operators and
// between require numbers and return ErrConditionType otherwise.
func Evaluate(c *Condition, value any) (bool, error) {
	if c == nil {
		return true, nil
	}

	switch c.Operator {
	case OpEqual:
		return equal(value, c.Value), nil
	case OpNotEqual:
		return !equal(value, c.Value), nil
	case OpGreater, OpLess, OpGreaterOrEqual, OpLessOrEqual:
		v, operand, err := numericPair(value, c.Value)
		if err != nil {
			return false, fmt.Errorf("%s: %w", c.Operator, err)
		}
		switch c.Operator {
		case OpGreater:
			return v > operand, nil
		case OpLess:
			return v < operand, nil
		case OpGreaterOrEqual:
			return v >= operand, nil
		default:
			return v <= operand, nil
		}
	case OpBetween:
		low, high, err := bounds(c.Value)
		if err != nil {
			return false, err
		}
		v, ok := capability.ToFloat(value)
		if !ok {
			return false, fmt.Errorf("%w: between needs a number, got %T", ErrConditionType, value)
		}
		return v >= low && v <= high, nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, c.Operator)
	}
}

// ValidateCondition checks the operator and operand shape without a value.
func ValidateCondition(c *Condition) error {
	if c == nil {
		return nil
	}
	switch c.Operator {
	case OpEqual, OpNotEqual:
		return nil
	case OpGreater, OpLess, OpGreaterOrEqual, OpLessOrEqual:
		if _, ok := capability.ToFloat(c.Value); !ok {
			return fmt.Errorf("%w: %s needs a numeric value", ErrInvalidCondition, c.Operator)
		}
		return nil
	case OpBetween:
		_, _, err := bounds(c.Value)
		return err
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, c.Operator)
	}
}

func equal(a, b any) bool {
	if fa, ok := capability.ToFloat(a); ok {
		if fb, ok := capability.ToFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func numericPair(value, operand any) (float64, float64, error) {
	v, ok := capability.ToFloat(value)
	if !ok {
		return 0, 0, fmt.Errorf("%w: value %v (%T) is not a number", ErrConditionType, value, value)
	}
	o, ok := capability.ToFloat(operand)
	if !ok {
		return 0, 0, fmt.Errorf("%w: operand %v (%T) is not a number", ErrConditionType, operand, operand)
	}
	return v, o, nil
}

func bounds(operand any) (float64, float64, error) {
	var items []any
	switch t := operand.(type) {
	case []any:
		items = t
	case []float64:
		items = []any{}
		for _, f := range t {
			items = append(items, f)
		}
	default:
		return 0, 0, fmt.Errorf("%w: between needs [low, high]", ErrInvalidCondition)
	}
	if len(items) != 2 {
		return 0, 0, fmt.Errorf("%w: between needs [low, high]", ErrInvalidCondition)
	}
	low, okLow := capability.ToFloat(items[0])
	high, okHigh := capability.ToFloat(items[1])
	if !okLow || !okHigh {
		return 0, 0, fmt.Errorf("%w: between bounds must be numbers", ErrInvalidCondition)
	}
	if low > high {
		return 0, 0, fmt.Errorf("%w: between low %g is above high %g", ErrInvalidCondition, low, high)
	}
	return low, high, nil
}
