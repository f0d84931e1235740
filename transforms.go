package xlmigrate

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// TransformFunc is a pure transformation over a rule's resolved source
// values, given in source column order.
type TransformFunc func(values []Value, params map[string]any) (any, error)

// TransformRegistry maps transformation names to their functions.
type TransformRegistry struct {
	funcs map[string]TransformFunc
}

// DefaultTransforms is used by Load and by engines created without
// WithTransforms. Register custom transformations before loading.
var DefaultTransforms = NewTransformRegistry()

// NewTransformRegistry creates a registry with the built-in transformations.
func NewTransformRegistry() *TransformRegistry {
	r := &TransformRegistry{
		funcs: make(map[string]TransformFunc),
	}
	r.Register("direct", transformDirect)
	r.Register("concatenate", transformConcatenate)
	r.Register("boolean_transform", transformBoolean)
	r.Register("datetime_format", transformDatetime)
	r.Register("numeric_format", transformNumeric)
	r.Register("text_case", transformTextCase)
	return r
}

// Register adds a transformation, replacing any of the same name.
func (r *TransformRegistry) Register(name string, fn TransformFunc) {
	r.funcs[name] = fn
}

// Has reports whether name is registered.
func (r *TransformRegistry) Has(name string) bool {
	_, ok := r.funcs[name]
	return ok
}

// Names returns the registered names, sorted.
func (r *TransformRegistry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply runs the named transformation.
func (r *TransformRegistry) Apply(name string, params map[string]any, values []Value) (any, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown transformation %q", ErrUnsupportedConstruct, name)
	}
	return fn(values, params)
}

func transformDirect(values []Value, _ map[string]any) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	return values[0].Raw, nil
}

func transformConcatenate(values []Value, params map[string]any) (any, error) {
	sep := paramString(params, "separator", " ")
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v.Absent {
			continue
		}
		parts = append(parts, strings.TrimSpace(v.Raw))
	}
	return strings.Join(parts, sep), nil
}

func transformBoolean(values []Value, params map[string]any) (any, error) {
	s := ""
	if len(values) > 0 {
		s = strings.ToLower(strings.TrimSpace(values[0].Raw))
	}
	for _, t := range paramStrings(params, "true_values") {
		if strings.ToLower(t) == s {
			return true, nil
		}
	}
	for _, f := range paramStrings(params, "false_values") {
		if strings.ToLower(f) == s {
			return false, nil
		}
	}
	return s == "true", nil
}

var defaultInputFormats = []string{"%Y-%m-%d", "%Y-%m-%d %H:%M:%S", "%d/%m/%Y", "%m/%d/%Y"}

func transformDatetime(values []Value, params map[string]any) (any, error) {
	if len(values) == 0 || values[0].Absent {
		return nil, fmt.Errorf("%w: datetime_format of blank cell", ErrTypeMismatch)
	}
	v := values[0]
	t, ok := v.Data.(time.Time)
	if !ok {
		inputs := paramStrings(params, "input_formats")
		if len(inputs) == 0 {
			inputs = defaultInputFormats
		}
		raw := strings.TrimSpace(v.Raw)
		for _, f := range inputs {
			if parsed, err := time.Parse(strftimeLayout(f), raw); err == nil {
				t, ok = parsed, true
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a date", ErrTypeMismatch, v.Raw)
	}
	return t.Format(strftimeLayout(paramString(params, "format", "%Y-%m-%d"))), nil
}

// strftimeLayout converts a strftime pattern ("%d/%m/%Y") to a Go layout.
func strftimeLayout(f string) string {
	var b strings.Builder
	for i := 0; i < len(f); i++ {
		if f[i] != '%' || i+1 == len(f) {
			b.WriteByte(f[i])
			continue
		}
		i++
		switch f[i] {
		case 'Y':
			b.WriteString("2006")
		case 'y':
			b.WriteString("06")
		case 'm':
			b.WriteString("01")
		case 'd':
			b.WriteString("02")
		case 'H':
			b.WriteString("15")
		case 'I':
			b.WriteString("03")
		case 'M':
			b.WriteString("04")
		case 'S':
			b.WriteString("05")
		case 'p':
			b.WriteString("PM")
		case 'b':
			b.WriteString("Jan")
		case 'B':
			b.WriteString("January")
		case 'a':
			b.WriteString("Mon")
		case 'A':
			b.WriteString("Monday")
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(f[i])
		}
	}
	return b.String()
}

var groupingPrinter = message.NewPrinter(language.English)

func transformNumeric(values []Value, params map[string]any) (any, error) {
	if len(values) == 0 || values[0].Absent {
		return nil, fmt.Errorf("%w: numeric_format of blank cell", ErrTypeMismatch)
	}
	n, ok := toNumber(values[0])
	if !ok {
		return nil, fmt.Errorf("%w: %q is not numeric", ErrTypeMismatch, values[0].Raw)
	}
	format := fmt.Sprintf("%%.%df", max(paramInt(params, "decimal_places", 2), 0))
	if paramBool(params, "thousands_separator", true) {
		return groupingPrinter.Sprintf(format, n), nil
	}
	return fmt.Sprintf(format, n), nil
}

func transformTextCase(values []Value, params map[string]any) (any, error) {
	if len(values) == 0 || values[0].Absent {
		return "", nil
	}
	s := values[0].Raw
	if paramBool(params, "strip_accents", false) {
		t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
		out, _, err := transform.String(t, s)
		if err != nil {
			return nil, fmt.Errorf("strip accents: %w", err)
		}
		s = out
	}
	tag := language.Und
	if l := paramString(params, "language", ""); l != "" {
		parsed, err := language.Parse(l)
		if err != nil {
			return nil, fmt.Errorf("%w: language %q", ErrTypeMismatch, l)
		}
		tag = parsed
	}
	switch mode := paramString(params, "case", "title"); mode {
	case "upper":
		return cases.Upper(tag).String(s), nil
	case "lower":
		return cases.Lower(tag).String(s), nil
	case "title":
		return cases.Title(tag).String(s), nil
	default:
		return nil, fmt.Errorf("%w: unknown case %q", ErrTypeMismatch, mode)
	}
}

func paramString(params map[string]any, key, def string) string {
	if s, ok := params[key].(string); ok {
		return s
	}
	return def
}

func paramStrings(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := toText(x); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

func paramInt(params map[string]any, key string, def int) int {
	if n, ok := toNumber(params[key]); ok {
		return int(n)
	}
	return def
}

func paramBool(params map[string]any, key string, def bool) bool {
	if b, ok := params[key].(bool); ok {
		return b
	}
	return def
}
