package xlmigrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Clean(t *testing.T) {
	rs := mustLoad(t, discountRules)
	issues := Validate(rs, map[string][]string{"Main": {"D", "E", "F"}})
	assert.Empty(t, issues)
}

func TestValidate_RuleOrder(t *testing.T) {
	rs := mustLoad(t, `
rules:
  - {type: compute, source_columns: [Y], target_column: X, expression: Y + 1}
  - {type: copy, source_columns: [A], target_column: Y}
  - {type: copy, source_columns: [A], target_column: X}
`)
	issues := Validate(rs, nil)
	require.Len(t, issues, 2)

	assert.Equal(t, SeverityWarning, issues[0].Severity)
	assert.Equal(t, 0, issues[0].Rule)
	assert.Contains(t, issues[0].Message, `reads "Y" before rule 1 writes it`)

	assert.Equal(t, 2, issues[1].Rule)
	assert.Contains(t, issues[1].Message, `overwrites target "X" written by rule 0`)
}

func TestValidate_Columns(t *testing.T) {
	rs := mustLoad(t, `
rules:
  - {type: copy, source_columns: [A], target_column: B}
  - {type: compute, source_columns: [B, C, D], target_column: E, expression: B + C + D, optional_columns: [D]}
  - {type: copy, source_columns: [A], target_column: F, condition: {column: Status, operator: "==", value: x}}
`)
	issues := Validate(rs, map[string][]string{"Main": {"A"}})
	require.Len(t, issues, 2)

	assert.Equal(t, ValidationIssue{
		Severity: SeverityError,
		Rule:     1,
		Sheet:    "Main",
		Message:  `source column "C" not found`,
	}, issues[0])
	assert.Equal(t, `[ERROR] Main rule 1: source column "C" not found`, issues[0].String())

	assert.Equal(t, SeverityWarning, issues[1].Severity)
	assert.Equal(t, 2, issues[1].Rule)
	assert.Contains(t, issues[1].Message, `condition column "Status" not found`)

	assert.Empty(t, Validate(rs, nil), "column checks need the workbook")
}

func TestValidate_Sheets(t *testing.T) {
	rs := mustLoad(t, `
sheet_mapping: {Main: Out, Gone: Gone2}
rules:
  - {type: copy, source_columns: ["Other!A"], target_column: B}
`)
	issues := Validate(rs, map[string][]string{"Main": {"A"}})
	require.Len(t, issues, 2)

	assert.Equal(t, "[WARN] Gone rules: mapped sheet not found in workbook", issues[0].String())
	assert.Equal(t, 0, issues[1].Rule)
	assert.Contains(t, issues[1].Message, "Other!A names an unmapped sheet")
}

func TestValidate_Delegation(t *testing.T) {
	doc := `
rules:
  - {type: transform, source_columns: [A], target_column: B, llm_prompt: "Tidy {A}"}
`
	issues := Validate(mustLoad(t, doc), nil)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].String(), `[WARN] rule 0: no llm_settings for "transform"`)

	withDefault := doc + "llm_settings:\n  default: {provider: openai, model: gpt-4o-mini}\n"
	assert.Empty(t, Validate(mustLoad(t, withDefault), nil))
}

func TestValidateFile(t *testing.T) {
	book := createOrdersWorkbook(t, "orders_validate.xlsx")
	rules := writeFile(t, "rules.yaml", `
sheet_mapping: {Orders: Invoices}
rules:
  - {type: compute, source_columns: [Qty, Price], target_column: Total, expression: Qty * Price}
  - {type: copy, source_columns: [Discount], target_column: Discount}
`)

	issues, err := ValidateFile(rules, book)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, `[ERROR] Orders rule 1: source column "Discount" not found`, issues[0].String())

	issues, err = ValidateFile(rules, "")
	require.NoError(t, err)
	assert.Empty(t, issues)

	_, err = ValidateFile(writeFile(t, "bad.yaml", "rules: 3"), book)
	assert.ErrorIs(t, err, ErrMalformedInput)
}
