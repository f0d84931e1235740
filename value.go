package xlmigrate

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Value is a resolved cell. Absent marks a blank cell, which is distinct from
// zero and from the empty string.
type Value struct {
	Raw    string
	Data   any // float64, time.Time or string; nil when Absent
	Absent bool
}

// AbsentValue is the resolution of a blank cell.
var AbsentValue = Value{Absent: true}

// dateLayouts are tried in order when a cell is not numeric.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"02/01/2006",
	"01/02/2006",
}

// parseFinite parses a decimal number. Words such as "NaN" or "Inf" that
// strconv accepts stay text.
func parseFinite(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ResolveRaw coerces a raw cell string: number first, then date, else text.
func ResolveRaw(raw string) Value {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AbsentValue
	}
	if f, ok := parseFinite(trimmed); ok {
		return Value{Raw: raw, Data: f}
	}
	if t, ok := parseDate(trimmed); ok {
		return Value{Raw: raw, Data: t}
	}
	return Value{Raw: raw, Data: raw}
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ValueOf wraps an already-typed value (e.g. an earlier rule's output).
func ValueOf(v any) Value {
	switch x := v.(type) {
	case nil:
		return AbsentValue
	case Value:
		return x
	case string:
		if strings.TrimSpace(x) == "" {
			// a computed empty string is a value, not a blank cell
			return Value{Raw: x, Data: x}
		}
		return ResolveRaw(x)
	default:
		return Value{Raw: formatScalar(v), Data: v}
	}
}

// exprValue is what the expression environment sees for v.
func (v Value) exprValue() any {
	if v.Absent {
		return nil
	}
	return v.Data
}

// toNumber coerces v to float64 for numeric contexts.
// Accepts numeric Go types and numeric strings; rejects booleans and dates.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		return parseFinite(s)
	case Value:
		if n.Absent {
			return 0, false
		}
		return toNumber(n.Data)
	default:
		return 0, false
	}
}

// toText coerces any scalar to its text form. Only nil and composite values fail.
func toText(v any) (string, bool) {
	switch s := v.(type) {
	case nil:
		return "", false
	case string:
		return s, true
	case Value:
		if s.Absent {
			return "", false
		}
		return toText(s.Data)
	case []any, map[string]any:
		return "", false
	default:
		return formatScalar(v), true
	}
}

func formatScalar(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format("2006-01-02 15:04:05")
	case ValidationResult:
		return x.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// valuesEqual compares after coercion to a common type: numeric when both
// sides are numeric, date when both are dates, text otherwise.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if na, ok := toNumber(a); ok {
		if nb, ok := toNumber(b); ok {
			return na == nb
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	sa, okA := toText(a)
	sb, okB := toText(b)
	return okA && okB && sa == sb
}

// isScalar reports whether v is allowed as a variable or operand value.
func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32, uint, uint64, time.Time:
		return true
	default:
		return false
	}
}
