package xlmigrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raws(in ...string) []Value {
	out := make([]Value, len(in))
	for i, s := range in {
		out[i] = ResolveRaw(s)
	}
	return out
}

func TestTransforms(t *testing.T) {
	reg := NewTransformRegistry()

	tests := []struct {
		name   string
		typ    string
		params map[string]any
		in     []Value
		want   any
	}{
		{"direct keeps raw text", "direct", nil, raws("007"), "007"},
		{"concatenate", "concatenate", map[string]any{"separator": ", "}, raws("Doe", "Jane"), "Doe, Jane"},
		{"concatenate default separator", "concatenate", nil, raws(" Ada ", "", "Lovelace"), "Ada Lovelace"},
		{"boolean true value", "boolean_transform", map[string]any{"true_values": []any{"Y", "yes"}}, raws("y"), true},
		{"boolean false value", "boolean_transform", map[string]any{"false_values": []any{"N"}}, raws("n"), false},
		{"boolean fallback", "boolean_transform", nil, raws("TRUE"), true},
		{"boolean unknown", "boolean_transform", nil, raws("maybe"), false},
		{"datetime", "datetime_format", map[string]any{"format": "%d/%m/%Y"}, raws("2024-03-01"), "01/03/2024"},
		{"datetime input format", "datetime_format", map[string]any{"format": "%Y-%m-%d", "input_formats": []any{"%d.%m.%Y"}}, raws("01.03.2024"), "2024-03-01"},
		{"datetime month name", "datetime_format", map[string]any{"format": "%d %B %Y"}, raws("2024-03-01"), "01 March 2024"},
		{"numeric grouped", "numeric_format", nil, raws("1234567.891"), "1,234,567.89"},
		{"numeric plain", "numeric_format", map[string]any{"decimal_places": 1, "thousands_separator": false}, raws("1234.56"), "1234.6"},
		{"numeric no decimals", "numeric_format", map[string]any{"decimal_places": 0}, raws("999.6"), "1,000"},
		{"title case", "text_case", nil, raws("ada lovelace"), "Ada Lovelace"},
		{"upper case", "text_case", map[string]any{"case": "upper"}, raws("straße"), "STRASSE"},
		{"lower case", "text_case", map[string]any{"case": "lower"}, raws("ADA"), "ada"},
		{"strip accents", "text_case", map[string]any{"case": "lower", "strip_accents": true}, raws("Crème Brûlée"), "creme brulee"},
		{"text case of blank", "text_case", nil, raws(""), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.Apply(tt.typ, tt.params, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransforms_Errors(t *testing.T) {
	reg := NewTransformRegistry()

	_, err := reg.Apply("nope", nil, raws("x"))
	assert.ErrorIs(t, err, ErrUnsupportedConstruct)

	_, err = reg.Apply("datetime_format", nil, raws("not a date"))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = reg.Apply("datetime_format", nil, raws(""))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = reg.Apply("numeric_format", nil, raws("abc"))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = reg.Apply("text_case", map[string]any{"case": "sponge"}, raws("abc"))
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestTransformRegistry_Register(t *testing.T) {
	reg := NewTransformRegistry()
	assert.False(t, reg.Has("reverse"))

	reg.Register("reverse", func(values []Value, _ map[string]any) (any, error) {
		r := []rune(values[0].Raw)
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return string(r), nil
	})
	assert.True(t, reg.Has("reverse"))
	assert.Contains(t, reg.Names(), "reverse")

	got, err := reg.Apply("reverse", nil, raws("abc"))
	require.NoError(t, err)
	assert.Equal(t, "cba", got)
}

func TestStrftimeLayout(t *testing.T) {
	assert.Equal(t, "2006-01-02 15:04:05", strftimeLayout("%Y-%m-%d %H:%M:%S"))
	assert.Equal(t, "02/01/06", strftimeLayout("%d/%m/%y"))
	assert.Equal(t, "100%", strftimeLayout("100%%"))
}
