package xlmigrate

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// document is the top-level rules document. Unknown keys are ignored.
type document struct {
	Rules        yaml.Node                `yaml:"rules"`
	SheetMapping yaml.Node                `yaml:"sheet_mapping"`
	Variables    map[string]any           `yaml:"variables"`
	LLMSettings  map[string]llmSettingDoc `yaml:"llm_settings"`
}

type llmSettingDoc struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// LoadFile reads and loads a rules document from path.
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return Load(data)
}

// Load parses a JSON or YAML rules document and validates it. Either shape
// is accepted: the rules document {rules, sheet_mapping, variables,
// llm_settings}, or a list of field_mapping/calculation entries, bare or
// under "rules". Load is all-or-nothing; every error is a *SpecError.
func Load(raw []byte) (*RuleSet, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, specErr(ErrMalformedInput, -1, "", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, specErr(ErrMalformedInput, -1, "", errors.New("empty document"))
	}

	var doc document
	top := root.Content[0]
	switch top.Kind {
	case yaml.SequenceNode:
		doc.Rules = *top
	case yaml.MappingNode:
		if err := top.Decode(&doc); err != nil {
			return nil, specErr(ErrMalformedInput, -1, "", err)
		}
	default:
		return nil, specErr(ErrMalformedInput, -1, "", errors.New("document is neither a mapping nor a list"))
	}

	rs := &RuleSet{
		Variables:   make(map[string]any, len(doc.Variables)),
		LLMSettings: make(map[string]LLMSetting, len(doc.LLMSettings)),
	}

	mapping, err := loadSheetMapping(&doc.SheetMapping)
	if err != nil {
		return nil, err
	}
	rs.SheetMapping = mapping

	for name, v := range doc.Variables {
		v = normalizeNumber(v)
		if !isScalar(v) || v == nil {
			return nil, specErr(ErrMalformedInput, -1, "variables."+name, fmt.Errorf("value %v is not a scalar", v))
		}
		rs.Variables[name] = v
	}

	for kind, s := range doc.LLMSettings {
		rs.LLMSettings[kind] = LLMSetting(s)
	}

	if doc.Rules.Kind == 0 {
		return nil, specErr(ErrMissingField, -1, "rules", nil)
	}
	if doc.Rules.Kind != yaml.SequenceNode {
		return nil, specErr(ErrMalformedInput, -1, "rules", errors.New("rules is not a list"))
	}

	ev := NewEvaluator()
	for i, node := range doc.Rules.Content {
		var entry map[string]any
		if err := node.Decode(&entry); err != nil {
			return nil, specErr(ErrMalformedInput, i, "", err)
		}
		if entry == nil {
			return nil, specErr(ErrMalformedInput, i, "", errors.New("rule is not a mapping"))
		}

		var rule *Rule
		switch t, _ := entry["type"].(string); t {
		case "field_mapping":
			rule, err = loadFieldMapping(i, entry)
		case "calculation":
			rule, err = loadCalculation(i, entry)
		default:
			rule, err = loadRule(i, entry)
		}
		if err != nil {
			return nil, err
		}
		if rule.Expression != "" {
			if err := ev.Check(rule.Expression); err != nil {
				return nil, specErr(ErrMalformedInput, i, "expression", err)
			}
		}
		rs.Rules = append(rs.Rules, rule)
	}
	return rs, nil
}

func loadSheetMapping(node *yaml.Node) ([]SheetMap, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.MappingNode:
	default:
		return nil, specErr(ErrMalformedInput, -1, "sheet_mapping", errors.New("sheet_mapping is not a mapping"))
	}
	sources := make(map[string]bool)
	targets := make(map[string]string)
	var out []SheetMap
	for i := 0; i+1 < len(node.Content); i += 2 {
		src, dst := node.Content[i].Value, node.Content[i+1].Value
		if node.Content[i+1].Kind != yaml.ScalarNode || src == "" || dst == "" {
			return nil, specErr(ErrMalformedInput, -1, "sheet_mapping", fmt.Errorf("invalid entry %q", src))
		}
		if sources[src] {
			return nil, specErr(ErrDuplicateMapping, -1, "sheet_mapping."+src, fmt.Errorf("source sheet %q mapped twice", src))
		}
		if prev, ok := targets[dst]; ok {
			return nil, specErr(ErrDuplicateMapping, -1, "sheet_mapping."+src,
				fmt.Errorf("target sheet %q also mapped from %q", dst, prev))
		}
		if SafeSheetName(dst) != dst {
			return nil, specErr(ErrMalformedInput, -1, "sheet_mapping."+src, fmt.Errorf("illegal target sheet name %q", dst))
		}
		sources[src] = true
		targets[dst] = src
		out = append(out, SheetMap{Source: src, Target: dst})
	}
	return out, nil
}

// loadRule builds a rule from the rules-document shape.
func loadRule(i int, entry map[string]any) (*Rule, error) {
	typ, ok := entry["type"].(string)
	if !ok || typ == "" {
		return nil, specErr(ErrMissingField, i, "type", nil)
	}
	kind, ok := ParseRuleKind(typ)
	if !ok {
		return nil, specErr(ErrUnknownRuleType, i, "type", fmt.Errorf("%q", typ))
	}
	rule := &Rule{Index: i, Kind: kind}

	var err error
	if rule.TargetColumn, err = loadTarget(i, entry, "target_column"); err != nil {
		return nil, err
	}
	if rule.SourceColumns, err = loadColumns(i, entry, "source_columns"); err != nil {
		return nil, err
	}
	if kind == KindCopy && len(rule.SourceColumns) != 1 {
		return nil, specErr(ErrMalformedInput, i, "source_columns",
			fmt.Errorf("copy takes exactly one source column, got %d", len(rule.SourceColumns)))
	}
	if rule.OptionalColumns, err = loadOptional(i, entry, rule.SourceColumns); err != nil {
		return nil, err
	}

	rule.Expression = stringField(entry, "expression")
	rule.DelegationPrompt = firstString(entry, "delegation_prompt", "llm_prompt")
	switch t := entry["transformation"].(type) {
	case nil:
	case string:
		// legacy form: the transformation is the formula itself
		if rule.Expression == "" {
			rule.Expression = t
		}
	case map[string]any:
		if rule.Transformation, err = loadTransformation(i, t); err != nil {
			return nil, err
		}
	default:
		return nil, specErr(ErrMalformedInput, i, "transformation", fmt.Errorf("unexpected %T", t))
	}

	switch kind {
	case KindCompute, KindAggregate:
		if rule.Expression == "" {
			return nil, specErr(ErrMissingComputation, i, "expression", nil)
		}
	case KindTransform:
		if rule.Expression == "" && rule.DelegationPrompt == "" && rule.Transformation == nil {
			return nil, specErr(ErrMissingComputation, i, "", nil)
		}
	case KindValidate:
		if rule.Expression == "" && rule.DelegationPrompt == "" {
			return nil, specErr(ErrMissingComputation, i, "", nil)
		}
	}

	if rule.Conditions, err = loadConditions(i, entry); err != nil {
		return nil, err
	}
	return rule, nil
}

// loadFieldMapping converts a field_mapping entry: "direct" becomes a copy,
// any other registered transformation becomes a transform.
func loadFieldMapping(i int, entry map[string]any) (*Rule, error) {
	rule := &Rule{Index: i}
	var err error
	if rule.TargetColumn, err = loadTarget(i, entry, "target_field"); err != nil {
		return nil, err
	}
	if rule.SourceColumns, err = loadColumns(i, entry, "source_field"); err != nil {
		return nil, err
	}

	t := &Transformation{Type: "direct"}
	if raw, ok := entry["transformation"].(map[string]any); ok {
		if t, err = loadTransformation(i, raw); err != nil {
			return nil, err
		}
	}
	if t.Type == "direct" {
		if len(rule.SourceColumns) != 1 {
			return nil, specErr(ErrMalformedInput, i, "source_field", errors.New("direct mapping takes exactly one source field"))
		}
		rule.Kind = KindCopy
	} else {
		rule.Kind = KindTransform
		rule.Transformation = t
	}
	if rule.Conditions, err = loadConditions(i, entry); err != nil {
		return nil, err
	}
	return rule, nil
}

var (
	fieldRef    = regexp.MustCompile(`\[([^\[\],"']+)\]`)
	excelFuncRe = regexp.MustCompile(`\b(SUM|AVERAGE|AVG|MEAN|MIN|MAX|COUNT|ROUND|ABS)\s*\(`)
)

// loadCalculation converts a calculation entry into a compute rule. Field
// references written as [Field] become $env["Field"], and spreadsheet
// function names (SUM, AVERAGE, ...) map onto the expression functions.
func loadCalculation(i int, entry map[string]any) (*Rule, error) {
	rule := &Rule{Index: i, Kind: KindCompute}
	var err error
	if rule.TargetColumn, err = loadTarget(i, entry, "target_field"); err != nil {
		return nil, err
	}
	formula := stringField(entry, "formula")
	if formula == "" {
		return nil, specErr(ErrMissingComputation, i, "formula", nil)
	}

	fields := make(map[string]bool)
	if _, ok := entry["source_fields"]; ok {
		if rule.SourceColumns, err = loadColumns(i, entry, "source_fields"); err != nil {
			return nil, err
		}
		for _, c := range rule.SourceColumns {
			fields[c.Name] = true
		}
	}

	derive := len(fields) == 0
	formula = fieldRef.ReplaceAllStringFunc(formula, func(m string) string {
		name := strings.TrimSpace(m[1 : len(m)-1])
		if derive && !fields[name] {
			fields[name] = true
			rule.SourceColumns = append(rule.SourceColumns, ColumnRef{Name: name})
		}
		if !fields[name] {
			return m
		}
		return fmt.Sprintf("$env[%q]", name)
	})
	formula = excelFuncRe.ReplaceAllStringFunc(formula, func(m string) string {
		name := strings.ToLower(strings.TrimRight(m, " ("))
		if name == "average" {
			name = "avg"
		}
		return name + "("
	})
	if len(rule.SourceColumns) == 0 {
		return nil, specErr(ErrMissingField, i, "source_fields", nil)
	}
	rule.Expression = formula

	if rule.Conditions, err = loadConditions(i, entry); err != nil {
		return nil, err
	}
	return rule, nil
}

func loadTarget(i int, entry map[string]any, field string) (string, error) {
	target := strings.TrimSpace(stringField(entry, field))
	if target == "" {
		return "", specErr(ErrMissingField, i, field, nil)
	}
	ref, err := ParseColumnRef(target)
	if err != nil {
		return "", specErr(ErrMalformedInput, i, field, err)
	}
	if ref.Sheet != "" {
		return "", specErr(ErrMalformedInput, i, field, errors.New("target column cannot name a sheet"))
	}
	return ref.Name, nil
}

func loadColumns(i int, entry map[string]any, field string) ([]ColumnRef, error) {
	var names []string
	switch v := entry[field].(type) {
	case nil:
	case string:
		if strings.TrimSpace(v) != "" {
			names = []string{v}
		}
	case []any:
		for _, x := range v {
			s, ok := x.(string)
			if !ok {
				return nil, specErr(ErrMalformedInput, i, field, fmt.Errorf("column %v is not a string", x))
			}
			names = append(names, s)
		}
	default:
		return nil, specErr(ErrMalformedInput, i, field, fmt.Errorf("unexpected %T", v))
	}
	if len(names) == 0 {
		return nil, specErr(ErrMissingField, i, field, nil)
	}
	refs := make([]ColumnRef, 0, len(names))
	for _, n := range names {
		ref, err := ParseColumnRef(n)
		if err != nil {
			return nil, specErr(ErrMalformedInput, i, field, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func loadOptional(i int, entry map[string]any, sources []ColumnRef) (map[string]bool, error) {
	raw, ok := entry["optional_columns"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, specErr(ErrMalformedInput, i, "optional_columns", fmt.Errorf("unexpected %T", raw))
	}
	known := make(map[string]bool, len(sources))
	for _, s := range sources {
		known[s.Name] = true
	}
	out := make(map[string]bool, len(list))
	for _, x := range list {
		name, _ := x.(string)
		if ref, err := ParseColumnRef(name); err == nil {
			name = ref.Name
		}
		if !known[name] {
			return nil, specErr(ErrMalformedInput, i, "optional_columns", fmt.Errorf("%v is not a source column", x))
		}
		out[name] = true
	}
	return out, nil
}

func loadTransformation(i int, raw map[string]any) (*Transformation, error) {
	typ, _ := raw["type"].(string)
	if typ == "" {
		typ = "direct"
	}
	if !DefaultTransforms.Has(typ) {
		return nil, specErr(ErrUnknownRuleType, i, "transformation.type", fmt.Errorf("%q", typ))
	}
	params, _ := raw["params"].(map[string]any)
	return &Transformation{Type: typ, Params: params}, nil
}

// loadConditions accepts a single "condition" object and the legacy
// "conditions" map of column → value or {operator, value}. All gates are ANDed.
func loadConditions(i int, entry map[string]any) ([]Condition, error) {
	var conds []Condition
	if raw, ok := entry["condition"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, specErr(ErrMalformedInput, i, "condition", fmt.Errorf("unexpected %T", raw))
		}
		col, _ := m["column"].(string)
		if col == "" {
			return nil, specErr(ErrMissingField, i, "condition.column", nil)
		}
		c, err := buildCondition(i, col, m)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}

	if raw, ok := entry["conditions"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, specErr(ErrMalformedInput, i, "conditions", fmt.Errorf("unexpected %T", raw))
		}
		cols := make([]string, 0, len(m))
		for col := range m {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		for _, col := range cols {
			spec, isMap := m[col].(map[string]any)
			if !isMap {
				spec = map[string]any{"operator": "==", "value": m[col]}
			}
			c, err := buildCondition(i, col, spec)
			if err != nil {
				return nil, err
			}
			conds = append(conds, c)
		}
	}
	return conds, nil
}

func buildCondition(i int, col string, m map[string]any) (Condition, error) {
	ref, err := ParseColumnRef(col)
	if err != nil {
		return Condition{}, specErr(ErrMalformedInput, i, "condition.column", err)
	}
	opText, _ := m["operator"].(string)
	if opText == "" {
		opText = "=="
	}
	op, ok := parseOperator(opText)
	if !ok {
		return Condition{}, specErr(ErrMalformedInput, i, "condition.operator", fmt.Errorf("unknown operator %q", opText))
	}
	operand, ok := m["operand"]
	if !ok {
		operand = m["value"]
	}
	return Condition{Column: ref, Operator: op, Operand: normalizeNumber(operand)}, nil
}

func stringField(entry map[string]any, key string) string {
	s, _ := entry[key].(string)
	return s
}

func firstString(entry map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringField(entry, k); s != "" {
			return s
		}
	}
	return ""
}
