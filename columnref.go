package xlmigrate

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/xuri/excelize/v2"
)

// ColumnRef identifies a column in a row: either a column letter ("D") or a
// header name ("Total"), optionally qualified with a sheet ("Sheet1!D").
type ColumnRef struct {
	Sheet string // empty = any mapped sheet
	Name  string
}

// ParseColumnRef parses "D", "Total", "Sheet1!D" or "'My Sheet'!Total".
func ParseColumnRef(s string) (ColumnRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ColumnRef{}, fmt.Errorf("empty column reference")
	}

	var sheet string
	name := s
	if idx := strings.LastIndex(s, "!"); idx >= 0 {
		sheet = strings.Trim(s[:idx], "'")
		name = strings.TrimSpace(s[idx+1:])
		if sheet == "" {
			return ColumnRef{}, fmt.Errorf("invalid column reference %q: empty sheet name", s)
		}
		if SafeSheetName(sheet) != sheet {
			return ColumnRef{}, fmt.Errorf("invalid column reference %q: illegal sheet name", s)
		}
	}
	if name == "" {
		return ColumnRef{}, fmt.Errorf("invalid column reference %q: empty column name", s)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return ColumnRef{}, fmt.Errorf("invalid column reference %q: control character", s)
		}
	}
	return ColumnRef{Sheet: sheet, Name: name}, nil
}

// String formats the ref as "Sheet1!D" or "D".
func (c ColumnRef) String() string {
	if c.Sheet == "" {
		return c.Name
	}
	if strings.ContainsAny(c.Sheet, " -") {
		return "'" + c.Sheet + "'!" + c.Name
	}
	return c.Sheet + "!" + c.Name
}

// AppliesTo reports whether the ref may be read from rows of sheet.
func (c ColumnRef) AppliesTo(sheet string) bool {
	return c.Sheet == "" || c.Sheet == sheet
}

// IsColumnLetter reports whether name is a plain column name like "A" or "XFD".
func IsColumnLetter(name string) bool {
	if name == "" || strings.ToUpper(name) != name {
		return false
	}
	_, err := NameToCol(name)
	return err == nil
}

// ColToName converts a 0-based column index to a column name: 0→"A",
// 26→"AA". An index past XFD yields "".
func ColToName(col int) string {
	name, err := excelize.ColumnNumberToName(col + 1)
	if err != nil {
		return ""
	}
	return name
}

// NameToCol converts a column name to a 0-based column index.
func NameToCol(name string) (int, error) {
	n, err := excelize.ColumnNameToNumber(name)
	if err != nil {
		return 0, err
	}
	return n - 1, nil
}

// SafeSheetName replaces the characters Excel forbids in sheet names with
// an underscore and cuts the name to 31 characters.
func SafeSheetName(name string) string {
	clean := []rune(strings.Map(func(r rune) rune {
		if strings.ContainsRune(`/\:*?[]`, r) {
			return '_'
		}
		return r
	}, name))
	return string(clean[:min(len(clean), 31)])
}
