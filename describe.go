package xlmigrate

import (
	"fmt"
	"sort"
	"strings"
)

// DescribeFile loads a rules document and describes it.
func DescribeFile(specPath string) (string, error) {
	rs, err := LoadFile(specPath)
	if err != nil {
		return "", err
	}
	return Describe(rs), nil
}

// Describe returns a human-readable listing of a rule set: sheet mapping,
// rules in evaluation order with what each reads, variables and llm settings.
// Useful for debugging rule documents.
func Describe(rs *RuleSet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rules: %d\n", len(rs.Rules))

	if len(rs.SheetMapping) > 0 {
		b.WriteString("Sheets:\n")
		for _, m := range rs.SheetMapping {
			fmt.Fprintf(&b, "  %s -> %s\n", m.Source, m.Target)
		}
	}

	ev := NewEvaluator()
	written := make(map[string]int)
	for _, r := range rs.Rules {
		describeRule(&b, r, ev, written)
		written[r.TargetColumn] = r.Index
	}

	if len(rs.Variables) > 0 {
		b.WriteString("Variables:\n")
		for _, name := range sortedKeys(rs.Variables) {
			fmt.Fprintf(&b, "  %s = %s\n", name, formatScalar(rs.Variables[name]))
		}
	}
	if len(rs.LLMSettings) > 0 {
		b.WriteString("LLM settings:\n")
		for _, kind := range sortedKeys(rs.LLMSettings) {
			s := rs.LLMSettings[kind]
			fmt.Fprintf(&b, "  %s: provider=%q model=%q temperature=%g max_tokens=%d\n",
				kind, s.Provider, s.Model, s.Temperature, s.MaxTokens)
		}
	}
	return b.String()
}

func describeRule(b *strings.Builder, r *Rule, ev *Evaluator, written map[string]int) {
	fmt.Fprintf(b, "  %s\n", r)
	const pad = "      "
	for _, c := range r.Conditions {
		fmt.Fprintf(b, "%swhen %s\n", pad, c)
	}
	if len(r.OptionalColumns) > 0 {
		fmt.Fprintf(b, "%soptional: %s\n", pad, strings.Join(sortedKeys(r.OptionalColumns), ", "))
	}
	switch {
	case r.Delegated():
		fmt.Fprintf(b, "%sdelegated: %q\n", pad, r.DelegationPrompt)
	case r.Transformation != nil:
		fmt.Fprintf(b, "%stransformation: %s%s\n", pad, r.Transformation.Type, describeParams(r.Transformation.Params))
	case r.Expression != "":
		fmt.Fprintf(b, "%sexpression: %s\n", pad, r.Expression)
		refs, err := ev.References(r.Expression)
		if err != nil {
			fmt.Fprintf(b, "%s  error: %v\n", pad, err)
			return
		}
		var parts []string
		for _, ref := range refs {
			if w, ok := written[ref]; ok {
				parts = append(parts, fmt.Sprintf("%s (rule %d)", ref, w))
			} else {
				parts = append(parts, ref)
			}
		}
		if len(parts) > 0 {
			fmt.Fprintf(b, "%sreads: %s\n", pad, strings.Join(parts, ", "))
		}
	}
}

func describeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	parts := make([]string, 0, len(params))
	for _, k := range sortedKeys(params) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return " " + strings.Join(parts, " ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
