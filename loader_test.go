package xlmigrate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesDoc = `
sheet_mapping:
  Orders: Invoices
variables:
  vat: 0.2
  region: EU
llm_settings:
  transform:
    provider: openai
    model: gpt-4o-mini
    temperature: 0.1
    max_tokens: 64
rules:
  - type: copy
    source_columns: [A]
    target_column: A
  - type: compute
    source_columns: [Qty, Price]
    target_column: Net
    expression: Qty * Price
    optional_columns: [Price]
  - type: compute
    source_columns: [Net]
    target_column: Gross
    transformation: Net * (1 + vat)
  - type: transform
    source_columns: ["Orders!Status"]
    target_column: Label
    llm_prompt: "Rewrite {Status} for customers"
    condition: {column: Status, operator: "!=", value: Closed}
  - type: transform
    source_columns: [First, Last]
    target_column: Name
    transformation: {type: concatenate, params: {separator: " "}}
    conditions:
      Status: Active
      Qty: {operator: ">", value: 0}
  - type: validate
    source_columns: [Gross]
    target_column: Check
    expression: Gross > 0
`

func TestLoad_RulesDocument(t *testing.T) {
	rs, err := Load([]byte(rulesDoc))
	require.NoError(t, err)

	assert.Equal(t, []SheetMap{{Source: "Orders", Target: "Invoices"}}, rs.SheetMapping)
	assert.Equal(t, map[string]any{"vat": 0.2, "region": "EU"}, rs.Variables)
	assert.Equal(t, LLMSetting{Provider: "openai", Model: "gpt-4o-mini", Temperature: 0.1, MaxTokens: 64}, rs.Setting(KindTransform))
	assert.Equal(t, LLMSetting{}, rs.Setting(KindValidate))
	require.Len(t, rs.Rules, 6)

	copyRule := rs.Rules[0]
	assert.Equal(t, KindCopy, copyRule.Kind)
	assert.Equal(t, 0, copyRule.Index)

	net := rs.Rules[1]
	assert.Equal(t, "Qty * Price", net.Expression)
	assert.Equal(t, map[string]bool{"Price": true}, net.OptionalColumns)

	gross := rs.Rules[2]
	assert.Equal(t, "Net * (1 + vat)", gross.Expression, "legacy transformation string is the formula")

	label := rs.Rules[3]
	assert.True(t, label.Delegated())
	assert.Equal(t, "Rewrite {Status} for customers", label.DelegationPrompt)
	assert.Equal(t, []ColumnRef{{Sheet: "Orders", Name: "Status"}}, label.SourceColumns)
	assert.Equal(t, []Condition{{Column: ColumnRef{Name: "Status"}, Operator: OpNeq, Operand: "Closed"}}, label.Conditions)

	name := rs.Rules[4]
	require.NotNil(t, name.Transformation)
	assert.Equal(t, "concatenate", name.Transformation.Type)
	assert.Equal(t, map[string]any{"separator": " "}, name.Transformation.Params)
	assert.Equal(t, []Condition{
		{Column: ColumnRef{Name: "Qty"}, Operator: OpGt, Operand: 0.0},
		{Column: ColumnRef{Name: "Status"}, Operator: OpEq, Operand: "Active"},
	}, name.Conditions, "legacy conditions are sorted by column")

	assert.Equal(t, KindValidate, rs.Rules[5].Kind)
	assert.Equal(t, []string{"A", "Net", "Gross", "Label", "Name", "Check"}, rs.TargetColumns("Orders"))
	assert.Equal(t, []string{"A", "Net", "Gross", "Name", "Check"}, rs.TargetColumns("Notes"))
}

func TestLoad_JSON(t *testing.T) {
	rs, err := Load([]byte(`{"rules": [{"type": "aggregate", "source_columns": ["O", "P"], "target_column": "S", "expression": "sum(O, P)"}]}`))
	require.NoError(t, err)
	require.Len(t, rs.Rules, 1)
	assert.Equal(t, KindAggregate, rs.Rules[0].Kind)
}

func TestLoad_FieldMappingShape(t *testing.T) {
	doc := `
- type: field_mapping
  source_field: cust_id
  target_field: CustomerID
- type: field_mapping
  source_field: [first, last]
  target_field: FullName
  transformation:
    type: concatenate
    params: {separator: " "}
- type: calculation
  target_field: Total
  formula: "[Qty] * [Unit Price] + SUM([Fee], 1) / AVERAGE([Qty], 2)"
`
	rs, err := Load([]byte(doc))
	require.NoError(t, err)
	require.Len(t, rs.Rules, 3)

	assert.Equal(t, KindCopy, rs.Rules[0].Kind)
	assert.Equal(t, "CustomerID", rs.Rules[0].TargetColumn)

	assert.Equal(t, KindTransform, rs.Rules[1].Kind)
	assert.Equal(t, []ColumnRef{{Name: "first"}, {Name: "last"}}, rs.Rules[1].SourceColumns)

	calc := rs.Rules[2]
	assert.Equal(t, KindCompute, calc.Kind)
	assert.Equal(t, []ColumnRef{{Name: "Qty"}, {Name: "Unit Price"}, {Name: "Fee"}}, calc.SourceColumns)
	assert.Equal(t, `$env["Qty"] * $env["Unit Price"] + sum($env["Fee"], 1) / avg($env["Qty"], 2)`, calc.Expression)

	got, err := NewEvaluator().Evaluate(calc.Expression, rawValues(map[string]string{"Qty": "2", "Unit Price": "3", "Fee": "1"}), nil)
	require.NoError(t, err)
	assert.Equal(t, 7.0, got)
}

func TestLoad_FieldMappingUnderRules(t *testing.T) {
	rs, err := Load([]byte(`{"rules": [{"type": "field_mapping", "source_field": "a", "target_field": "b"}]}`))
	require.NoError(t, err)
	assert.Equal(t, KindCopy, rs.Rules[0].Kind)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		kind error
	}{
		{"not a document", `[unclosed`, ErrMalformedInput},
		{"scalar document", `42`, ErrMalformedInput},
		{"no rules", `variables: {a: 1}`, ErrMissingField},
		{"rules not a list", `rules: {a: 1}`, ErrMalformedInput},
		{"unknown type", `rules: [{type: explode, source_columns: [A], target_column: B}]`, ErrUnknownRuleType},
		{"missing type", `rules: [{source_columns: [A], target_column: B}]`, ErrMissingField},
		{"missing target", `rules: [{type: copy, source_columns: [A]}]`, ErrMissingField},
		{"missing sources", `rules: [{type: copy, target_column: B}]`, ErrMissingField},
		{"copy of two", `rules: [{type: copy, source_columns: [A, C], target_column: B}]`, ErrMalformedInput},
		{"compute without expression", `rules: [{type: compute, source_columns: [A], target_column: B}]`, ErrMissingComputation},
		{"compute with only a prompt", `rules: [{type: compute, source_columns: [A], target_column: B, delegation_prompt: "x"}]`, ErrMissingComputation},
		{"validate without check", `rules: [{type: validate, source_columns: [A], target_column: B}]`, ErrMissingComputation},
		{"bad expression", `rules: [{type: compute, source_columns: [A], target_column: B, expression: "len(A)"}]`, ErrMalformedInput},
		{"unknown transformation", `rules: [{type: transform, source_columns: [A], target_column: B, transformation: {type: rot13}}]`, ErrUnknownRuleType},
		{"target with sheet", `rules: [{type: copy, source_columns: [A], target_column: "S!B"}]`, ErrMalformedInput},
		{"optional not a source", `rules: [{type: compute, source_columns: [A], target_column: B, expression: A, optional_columns: [Z]}]`, ErrMalformedInput},
		{"bad operator", `rules: [{type: copy, source_columns: [A], target_column: B, condition: {column: A, operator: "~", value: 1}}]`, ErrMalformedInput},
		{"condition without column", `rules: [{type: copy, source_columns: [A], target_column: B, condition: {value: 1}}]`, ErrMissingField},
		{"duplicate source sheet", "sheet_mapping: {S1: T1, S1: T2}\nrules: []", ErrDuplicateMapping},
		{"duplicate target sheet", "sheet_mapping: {S1: T1, S2: T1}\nrules: []", ErrDuplicateMapping},
		{"non-scalar variable", "variables: {a: [1, 2]}\nrules: []", ErrMalformedInput},
		{"calculation without formula", `[{type: calculation, target_field: T, source_fields: [A]}]`, ErrMissingComputation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := Load([]byte(tt.doc))
			assert.Nil(t, rs)
			require.Error(t, err)

			var se *SpecError
			require.True(t, errors.As(err, &se), "want *SpecError, got %T", err)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, ClassSpec, ClassOf(err))
		})
	}
}

func TestLoad_BadExpressionKeepsCause(t *testing.T) {
	_, err := Load([]byte(`rules: [{type: compute, source_columns: [A], target_column: B, expression: "A % 2"}]`))
	assert.ErrorIs(t, err, ErrMalformedInput)
	assert.ErrorIs(t, err, ErrUnsupportedConstruct)
	assert.Equal(t, KindMalformedInput, KindOf(err))
	assert.Contains(t, err.Error(), "rule 0")
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "rules.yaml", rulesDoc)
	rs, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, rs.Rules, 6)

	_, err = LoadFile(path + ".missing")
	assert.Error(t, err)
}
