package xlmigrate

import (
	"fmt"
	"slices"
)

// Severity indicates the severity of a validation issue.
type Severity int

const (
	SeverityError   Severity = iota // every row will fail this rule
	SeverityWarning                 // the run may produce unexpected results
)

// ValidationIssue is a single problem found in a loaded rule set.
type ValidationIssue struct {
	Severity Severity
	Rule     int    // rule index, -1 when not tied to a rule
	Sheet    string // source sheet, if the issue is sheet specific
	Message  string
}

// String formats the issue as "[ERROR] rule 2: message" or "[WARN] ...".
func (v ValidationIssue) String() string {
	sev := "ERROR"
	if v.Severity == SeverityWarning {
		sev = "WARN"
	}
	where := "rules"
	if v.Rule >= 0 {
		where = fmt.Sprintf("rule %d", v.Rule)
	}
	if v.Sheet != "" {
		where = v.Sheet + " " + where
	}
	return fmt.Sprintf("[%s] %s: %s", sev, where, v.Message)
}

// ValidateFile loads a rules document and checks it against the sheets of a
// workbook. A load failure is returned as the error.
func ValidateFile(specPath, workbookPath string, opts ...Option) ([]ValidationIssue, error) {
	rs, err := LoadFile(specPath)
	if err != nil {
		return nil, err
	}
	if workbookPath == "" {
		return Validate(rs, nil), nil
	}
	src, err := OpenWorkbook(workbookPath, opts...)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	columns := make(map[string][]string)
	for _, sheet := range src.SheetNames() {
		columns[sheet] = src.Columns(sheet)
	}
	return Validate(rs, columns), nil
}

// Validate performs static checks on a loaded rule set that loading does
// not reject. columns maps each source sheet to its known columns; when it
// is nil, checks that need the workbook are skipped.
func Validate(rs *RuleSet, columns map[string][]string) []ValidationIssue {
	var issues []ValidationIssue
	issues = append(issues, validateOrder(rs)...)
	issues = append(issues, validateSheets(rs, columns)...)
	if columns != nil {
		for _, sheet := range mappedSheets(rs, columns) {
			issues = append(issues, validateColumns(rs, sheet, columns[sheet])...)
		}
	}
	issues = append(issues, validateDelegation(rs)...)
	return issues
}

// validateOrder flags expressions that read a target written only by a
// later rule, and targets written by more than one rule.
func validateOrder(rs *RuleSet) []ValidationIssue {
	var issues []ValidationIssue
	ev := NewEvaluator()
	writer := make(map[string]int)
	for _, r := range rs.Rules {
		writer[r.TargetColumn] = r.Index
	}
	written := make(map[string]int)
	for _, r := range rs.Rules {
		if r.Expression != "" && !r.Delegated() {
			refs, _ := ev.References(r.Expression)
			for _, ref := range refs {
				if _, before := written[ref]; before {
					continue
				}
				if w, ok := writer[ref]; ok && w > r.Index {
					issues = append(issues, ValidationIssue{
						Severity: SeverityWarning,
						Rule:     r.Index,
						Message:  fmt.Sprintf("reads %q before rule %d writes it; the source value is used", ref, w),
					})
				}
			}
		}
		if prev, ok := written[r.TargetColumn]; ok {
			issues = append(issues, ValidationIssue{
				Severity: SeverityWarning,
				Rule:     r.Index,
				Message:  fmt.Sprintf("overwrites target %q written by rule %d", r.TargetColumn, prev),
			})
		}
		written[r.TargetColumn] = r.Index
	}
	return issues
}

// validateSheets flags sheet-qualified columns naming a sheet that is not
// mapped, and mapped sheets absent from the workbook.
func validateSheets(rs *RuleSet, columns map[string][]string) []ValidationIssue {
	var issues []ValidationIssue
	mapped := make(map[string]bool)
	for _, m := range rs.SheetMapping {
		mapped[m.Source] = true
		if _, ok := columns[m.Source]; columns != nil && !ok {
			issues = append(issues, ValidationIssue{
				Severity: SeverityWarning,
				Rule:     -1,
				Sheet:    m.Source,
				Message:  "mapped sheet not found in workbook",
			})
		}
	}
	for _, r := range rs.Rules {
		for _, c := range r.SourceColumns {
			if c.Sheet == "" || mapped[c.Sheet] || len(mapped) == 0 {
				continue
			}
			issues = append(issues, ValidationIssue{
				Severity: SeverityWarning,
				Rule:     r.Index,
				Message:  fmt.Sprintf("column %s names an unmapped sheet; the rule never runs", c),
			})
		}
	}
	return issues
}

// validateColumns flags required source columns missing from a sheet.
func validateColumns(rs *RuleSet, sheet string, known []string) []ValidationIssue {
	var issues []ValidationIssue
	written := make(map[string]bool)
	for _, r := range rs.RulesFor(sheet) {
		for _, c := range r.SourceColumns {
			if r.OptionalColumns[c.Name] || written[c.Name] || slices.Contains(known, c.Name) {
				continue
			}
			issues = append(issues, ValidationIssue{
				Severity: SeverityError,
				Rule:     r.Index,
				Sheet:    sheet,
				Message:  fmt.Sprintf("source column %q not found", c.Name),
			})
		}
		for _, cond := range r.Conditions {
			if written[cond.Column.Name] || slices.Contains(known, cond.Column.Name) {
				continue
			}
			issues = append(issues, ValidationIssue{
				Severity: SeverityWarning,
				Rule:     r.Index,
				Sheet:    sheet,
				Message:  fmt.Sprintf("condition column %q not found; the rule is always skipped", cond.Column.Name),
			})
		}
		written[r.TargetColumn] = true
	}
	return issues
}

func validateDelegation(rs *RuleSet) []ValidationIssue {
	var issues []ValidationIssue
	for _, r := range rs.Rules {
		if !r.Delegated() {
			continue
		}
		if _, ok := rs.LLMSettings[r.Kind.String()]; ok {
			continue
		}
		if _, ok := rs.LLMSettings["default"]; ok {
			continue
		}
		issues = append(issues, ValidationIssue{
			Severity: SeverityWarning,
			Rule:     r.Index,
			Message:  fmt.Sprintf("no llm_settings for %q; provider defaults apply", r.Kind),
		})
	}
	return issues
}

func mappedSheets(rs *RuleSet, columns map[string][]string) []string {
	var sheets []string
	if len(rs.SheetMapping) == 0 {
		for sheet := range columns {
			sheets = append(sheets, sheet)
		}
		slices.Sort(sheets)
		return sheets
	}
	for _, m := range rs.SheetMapping {
		if _, ok := columns[m.Source]; ok {
			sheets = append(sheets, m.Source)
		}
	}
	return sheets
}
