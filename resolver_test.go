package xlmigrate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	r := testRow(map[string]string{"D": "1500", "Name": "Ada", "Due": "2024-03-01", "Blank": "  "})
	rule := &Rule{SourceColumns: []ColumnRef{{Name: "D"}, {Name: "Name"}, {Name: "Due"}, {Name: "Blank"}}}

	got, err := Resolve(r, rule)
	require.NoError(t, err)
	assert.Equal(t, 1500.0, got["D"].Data)
	assert.Equal(t, "Ada", got["Name"].Data)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), got["Due"].Data)
	assert.True(t, got["Blank"].Absent)
	assert.Nil(t, got["Blank"].Data)
}

func TestResolve_MissingColumn(t *testing.T) {
	r := testRow(map[string]string{"E": "2"})
	rule := &Rule{SourceColumns: []ColumnRef{{Name: "D"}, {Name: "E"}}}

	_, err := Resolve(r, rule)
	assert.ErrorIs(t, err, ErrMissingColumn)
	assert.Equal(t, KindMissingColumn, KindOf(err))
	assert.Equal(t, ClassResolve, ClassOf(err))
}

func TestResolve_OptionalColumn(t *testing.T) {
	r := testRow(map[string]string{"E": "2"})
	rule := &Rule{
		SourceColumns:   []ColumnRef{{Name: "D"}, {Name: "E"}},
		OptionalColumns: map[string]bool{"D": true},
	}

	got, err := Resolve(r, rule)
	require.NoError(t, err)
	assert.NotContains(t, got, "D")
	assert.Equal(t, 2.0, got["E"].Data)
}

func TestResolve_OutputShadowsSource(t *testing.T) {
	r := testRow(map[string]string{"G": "1"})
	r.set("G", 2700.0)

	got, err := Resolve(r, &Rule{SourceColumns: []ColumnRef{{Name: "G"}}})
	require.NoError(t, err)
	assert.Equal(t, 2700.0, got["G"].Data)
}

func TestResolveRaw(t *testing.T) {
	assert.Equal(t, Value{Raw: "42", Data: 42.0}, ResolveRaw("42"))
	assert.Equal(t, Value{Raw: " 1.5 ", Data: 1.5}, ResolveRaw(" 1.5 "))
	assert.Equal(t, Value{Raw: "abc", Data: "abc"}, ResolveRaw("abc"))
	assert.Equal(t, AbsentValue, ResolveRaw(""))
	assert.Equal(t, AbsentValue, ResolveRaw("   "))

	for _, word := range []string{"Nan", "NaN", "Inf", "-inf", "Infinity"} {
		assert.Equal(t, Value{Raw: word, Data: word}, ResolveRaw(word), "%s stays text", word)
	}
}

func TestValueOf(t *testing.T) {
	assert.Equal(t, AbsentValue, ValueOf(nil))
	assert.Equal(t, Value{Raw: "", Data: ""}, ValueOf(""), "a computed empty string is not a blank cell")
	assert.Equal(t, Value{Raw: "true", Data: true}, ValueOf(true))
	assert.Equal(t, Value{Raw: "2.5", Data: 2.5}, ValueOf(2.5))
	assert.Equal(t, Value{Raw: "7", Data: 7.0}, ValueOf("7"))
}
