package xlmigrate

import (
	"fmt"
	"strings"
)

// RuleKind is the closed set of rule variants.
type RuleKind int

const (
	KindCopy RuleKind = iota
	KindTransform
	KindCompute
	KindAggregate
	KindValidate
)

var ruleKindNames = [...]string{"copy", "transform", "compute", "aggregate", "validate"}

// String returns the document name of the kind ("copy", "transform", ...).
func (k RuleKind) String() string {
	if int(k) >= 0 && int(k) < len(ruleKindNames) {
		return ruleKindNames[k]
	}
	return fmt.Sprintf("RuleKind(%d)", int(k))
}

// ParseRuleKind maps a document name (case-insensitive) to a RuleKind.
func ParseRuleKind(s string) (RuleKind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range ruleKindNames {
		if name == s {
			return RuleKind(i), true
		}
	}
	return 0, false
}

// Operator is a condition gate operator.
type Operator string

const (
	OpEq       Operator = "=="
	OpNeq      Operator = "!="
	OpGt       Operator = ">"
	OpLt       Operator = "<"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
)

func parseOperator(s string) (Operator, bool) {
	switch op := Operator(strings.TrimSpace(s)); op {
	case OpEq, OpNeq, OpGt, OpLt, OpIn, OpContains:
		return op, true
	case "=", "eq":
		return OpEq, true
	case "<>", "ne", "neq":
		return OpNeq, true
	case "gt":
		return OpGt, true
	case "lt":
		return OpLt, true
	}
	return "", false
}

// Condition gates a rule on a column value.
type Condition struct {
	Column   ColumnRef
	Operator Operator
	Operand  any
}

// String formats the condition as "Status == Active".
func (c Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Column, c.Operator, c.Operand)
}

// Transformation is a named registry operation used by field_mapping rules.
type Transformation struct {
	Type   string
	Params map[string]any
}

// Rule is one column-transformation unit. Rules are immutable once loaded
// and shared read-only by every worker.
type Rule struct {
	Index            int // declaration index
	Kind             RuleKind
	SourceColumns    []ColumnRef
	OptionalColumns  map[string]bool // names from SourceColumns allowed to be missing
	TargetColumn     string
	Expression       string
	DelegationPrompt string
	Conditions       []Condition
	Transformation   *Transformation
}

// Delegated reports whether the rule is routed to the delegated transform client.
func (r *Rule) Delegated() bool { return r.DelegationPrompt != "" }

// AppliesTo reports whether the rule runs on rows of sheet. A rule whose
// sources are qualified with another sheet is not applicable.
func (r *Rule) AppliesTo(sheet string) bool {
	for _, c := range r.SourceColumns {
		if !c.AppliesTo(sheet) {
			return false
		}
	}
	return true
}

func (r *Rule) String() string {
	cols := make([]string, len(r.SourceColumns))
	for i, c := range r.SourceColumns {
		cols[i] = c.String()
	}
	return fmt.Sprintf("#%d %s [%s] -> %s", r.Index, r.Kind, strings.Join(cols, ", "), r.TargetColumn)
}

// LLMSetting is passed through unmodified to the delegated transform client.
type LLMSetting struct {
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
}

// SheetMap maps one source sheet to its target sheet.
type SheetMap struct {
	Source string
	Target string
}

// RuleSet is a validated migration specification. It is never mutated after Load.
type RuleSet struct {
	Rules        []*Rule
	SheetMapping []SheetMap
	Variables    map[string]any
	LLMSettings  map[string]LLMSetting
}

// Setting returns the LLM setting for a rule kind, falling back to the
// "default" entry and then to the zero setting.
func (rs *RuleSet) Setting(kind RuleKind) LLMSetting {
	if s, ok := rs.LLMSettings[kind.String()]; ok {
		return s
	}
	if s, ok := rs.LLMSettings["default"]; ok {
		return s
	}
	return LLMSetting{}
}

// RulesFor returns the rules that apply to sheet, in declaration order.
func (rs *RuleSet) RulesFor(sheet string) []*Rule {
	var out []*Rule
	for _, r := range rs.Rules {
		if r.AppliesTo(sheet) {
			out = append(out, r)
		}
	}
	return out
}

// TargetColumns returns the distinct target columns in declaration order.
func (rs *RuleSet) TargetColumns(sheet string) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, r := range rs.RulesFor(sheet) {
		if !seen[r.TargetColumn] {
			seen[r.TargetColumn] = true
			cols = append(cols, r.TargetColumn)
		}
	}
	return cols
}

// ValidationResult is the only value a validate rule writes.
type ValidationResult struct {
	Valid   bool
	Message string
}

// String renders "VALID" or "INVALID: message".
func (v ValidationResult) String() string {
	if v.Valid {
		return "VALID"
	}
	if v.Message == "" {
		return "INVALID"
	}
	return "INVALID: " + v.Message
}
