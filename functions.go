package xlmigrate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/expr-lang/expr"
)

// missingRef stands in for an identifier the row does not know. It only
// turns into an error when an evaluated operation touches it, so the branch
// of a ternary that is not taken never reports it.
type missingRef struct{ name string }

func (m missingRef) String() string { return m.name }

// Func is a pure function available to expressions.
type Func func(args ...any) (any, error)

// builtinFuncs is the closed function table of the grammar.
var builtinFuncs = map[string]Func{
	"sum":   fnSum,
	"avg":   fnAvg,
	"mean":  fnAvg,
	"min":   fnMin,
	"max":   fnMax,
	"count": fnCount,
	"round": fnRound,
	"abs":   fnAbs,
}

// operatorFuncs replace the native operators so every operand is type
// checked and division by zero is reported instead of producing Inf.
var operatorFuncs = map[string]struct {
	name string
	fn   Func
}{
	"+":  {"__add", opAdd},
	"-":  {"__sub", arith("-", func(a, b float64) (float64, error) { return a - b, nil })},
	"*":  {"__mul", arith("*", func(a, b float64) (float64, error) { return a * b, nil })},
	"/":  {"__div", arith("/", divide)},
	"==": {"__eq", opEq},
	"!=": {"__ne", opNe},
	"<":  {"__lt", compare("<", func(c int) bool { return c < 0 })},
	">":  {"__gt", compare(">", func(c int) bool { return c > 0 })},
	"<=": {"__le", compare("<=", func(c int) bool { return c <= 0 })},
	">=": {"__ge", compare(">=", func(c int) bool { return c >= 0 })},
}

var unaryFuncs = map[string]struct {
	name string
	fn   Func
}{
	"-":   {"__neg", opNeg},
	"+":   {"__pos", opPos},
	"!":   {"__not", opNot},
	"not": {"__not", opNot},
}

// exprOptions registers the function table with expr and disables expr's
// own builtins of the same names.
func exprOptions() []expr.Option {
	var opts []expr.Option
	for name, fn := range builtinFuncs {
		opts = append(opts, expr.DisableBuiltin(name), expr.Function(name, fn))
	}
	for _, op := range operatorFuncs {
		opts = append(opts, expr.Function(op.name, op.fn))
	}
	for _, op := range unaryFuncs {
		opts = append(opts, expr.Function(op.name, op.fn))
	}
	opts = append(opts, expr.Function(truthyFunc, opTruthy))
	return opts
}

func checkRef(v any) error {
	if m, ok := v.(missingRef); ok {
		return fmt.Errorf("%w: %s", ErrMissingColumn, m.name)
	}
	return nil
}

func number(op string, v any) (float64, error) {
	if err := checkRef(v); err != nil {
		return 0, err
	}
	if v == nil {
		return 0, fmt.Errorf("%w: %s on absent value", ErrTypeMismatch, op)
	}
	if _, isBool := v.(bool); isBool {
		return 0, fmt.Errorf("%w: %s on boolean", ErrTypeMismatch, op)
	}
	f, ok := toNumber(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s on non-numeric value %q", ErrTypeMismatch, op, fmt.Sprint(v))
	}
	return f, nil
}

func finite(f float64) (any, error) {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fmt.Errorf("%w: non-finite result", ErrTypeMismatch)
	}
	return f, nil
}

func divide(a, b float64) (float64, error) {
	if b == 0 {
		return 0, ErrDivisionByZero
	}
	return a / b, nil
}

func arith(op string, fn func(a, b float64) (float64, error)) Func {
	return func(args ...any) (any, error) {
		a, err := number(op, args[0])
		if err != nil {
			return nil, err
		}
		b, err := number(op, args[1])
		if err != nil {
			return nil, err
		}
		r, err := fn(a, b)
		if err != nil {
			return nil, err
		}
		return finite(r)
	}
}

// opAdd adds numbers or concatenates two text values.
func opAdd(args ...any) (any, error) {
	for _, a := range args {
		if err := checkRef(a); err != nil {
			return nil, err
		}
	}
	sa, aText := args[0].(string)
	sb, bText := args[1].(string)
	if aText && bText {
		_, aNum := toNumber(sa)
		_, bNum := toNumber(sb)
		if !aNum || !bNum {
			return sa + sb, nil
		}
	}
	return arith("+", func(a, b float64) (float64, error) { return a + b, nil })(args...)
}

func opEq(args ...any) (any, error) {
	for _, a := range args {
		if err := checkRef(a); err != nil {
			return nil, err
		}
	}
	return valuesEqual(args[0], args[1]), nil
}

func opNe(args ...any) (any, error) {
	eq, err := opEq(args...)
	if err != nil {
		return nil, err
	}
	return !eq.(bool), nil
}

func compare(op string, pred func(int) bool) Func {
	return func(args ...any) (any, error) {
		for _, a := range args {
			if err := checkRef(a); err != nil {
				return nil, err
			}
		}
		if ta, ok := args[0].(time.Time); ok {
			if tb, ok := args[1].(time.Time); ok {
				return pred(ta.Compare(tb)), nil
			}
		}
		a, err := number(op, args[0])
		if err != nil {
			return nil, err
		}
		b, err := number(op, args[1])
		if err != nil {
			return nil, err
		}
		switch {
		case a < b:
			return pred(-1), nil
		case a > b:
			return pred(1), nil
		default:
			return pred(0), nil
		}
	}
}

func opNeg(args ...any) (any, error) {
	f, err := number("-", args[0])
	if err != nil {
		return nil, err
	}
	return -f, nil
}

func opPos(args ...any) (any, error) {
	f, err := number("+", args[0])
	if err != nil {
		return nil, err
	}
	return f, nil
}

func opNot(args ...any) (any, error) {
	if err := checkRef(args[0]); err != nil {
		return nil, err
	}
	b, ok := args[0].(bool)
	if !ok {
		return nil, fmt.Errorf("%w: ! on non-boolean", ErrTypeMismatch)
	}
	return !b, nil
}

// truthyFunc guards the operands of && and || and the ternary condition.
const truthyFunc = "__truthy"

func opTruthy(args ...any) (any, error) {
	if err := checkRef(args[0]); err != nil {
		return nil, err
	}
	b, ok := args[0].(bool)
	if !ok {
		return nil, fmt.Errorf("%w: condition is not boolean", ErrTypeMismatch)
	}
	return b, nil
}

// flatten expands list arguments so sum(A, B) and sum([A, B]) agree.
func flatten(args []any) []any {
	var out []any
	for _, a := range args {
		if list, ok := a.([]any); ok {
			out = append(out, flatten(list)...)
			continue
		}
		out = append(out, a)
	}
	return out
}

// numbers returns the numeric values in items. Absent values are skipped;
// missing references and non-numeric values are errors.
func numbers(fn string, items []any) ([]float64, error) {
	out := make([]float64, 0, len(items))
	for _, it := range items {
		if err := checkRef(it); err != nil {
			return nil, err
		}
		if it == nil {
			continue
		}
		f, err := number(fn, it)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func fnSum(args ...any) (any, error) {
	nums, err := numbers("sum", flatten(args))
	if err != nil {
		return nil, err
	}
	total := 0.0
	for _, n := range nums {
		total += n
	}
	return finite(total)
}

// fnAvg divides by the number of items it is given, absent ones included.
// For avg(filter(xs, ...)) that is the filtered length, not len(xs); write
// sum(filter(xs, ...)) / count(xs) to divide by the full list.
func fnAvg(args ...any) (any, error) {
	items := flatten(args)
	if len(items) == 0 {
		return nil, fmt.Errorf("avg of empty list: %w", ErrDivisionByZero)
	}
	total, err := fnSum(items...)
	if err != nil {
		return nil, err
	}
	return finite(total.(float64) / float64(len(items)))
}

func fnMin(args ...any) (any, error) {
	return extreme("min", args, func(a, b float64) bool { return a < b })
}

func fnMax(args ...any) (any, error) {
	return extreme("max", args, func(a, b float64) bool { return a > b })
}

func extreme(fn string, args []any, better func(a, b float64) bool) (any, error) {
	nums, err := numbers(fn, flatten(args))
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return nil, fmt.Errorf("%w: %s of empty list", ErrTypeMismatch, fn)
	}
	best := nums[0]
	for _, n := range nums[1:] {
		if better(n, best) {
			best = n
		}
	}
	return best, nil
}

// fnCount counts every listed reference, absent cells included.
func fnCount(args ...any) (any, error) {
	items := flatten(args)
	for _, it := range items {
		if err := checkRef(it); err != nil {
			return nil, err
		}
	}
	return float64(len(items)), nil
}

func fnRound(args ...any) (any, error) {
	if len(args) == 0 || len(args) > 2 {
		return nil, fmt.Errorf("%w: round takes 1 or 2 arguments", ErrTypeMismatch)
	}
	x, err := number("round", args[0])
	if err != nil {
		return nil, err
	}
	places := 0.0
	if len(args) == 2 {
		if places, err = number("round", args[1]); err != nil {
			return nil, err
		}
	}
	scale := math.Pow(10, math.Trunc(places))
	return finite(math.Round(x*scale) / scale)
}

func fnAbs(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: abs takes 1 argument", ErrTypeMismatch)
	}
	x, err := number("abs", args[0])
	if err != nil {
		return nil, err
	}
	return math.Abs(x), nil
}

// FunctionNames lists the functions expressions may call.
func FunctionNames() []string {
	names := make([]string, 0, len(builtinFuncs))
	for name := range builtinFuncs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
