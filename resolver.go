package xlmigrate

import "fmt"

// Resolve maps rule's source columns to their values in row. A column the
// row does not know is ErrMissingColumn unless the rule marks it optional,
// in which case it is left out. A blank cell resolves to AbsentValue.
// The row is not modified.
func Resolve(row *Row, rule *Rule) (map[string]Value, error) {
	out := make(map[string]Value, len(rule.SourceColumns))
	for _, col := range rule.SourceColumns {
		v, ok := row.Lookup(col.Name)
		if !ok {
			if rule.OptionalColumns[col.Name] {
				continue
			}
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
		out[col.Name] = v
	}
	return out, nil
}

// scope builds the expression environment for rule: every known column of
// the row (outputs shadowing sources), overlaid with the resolved sources.
func scope(row *Row, resolved map[string]Value) map[string]Value {
	cols := row.Columns()
	env := make(map[string]Value, len(cols)+len(row.outputs)+len(resolved))
	for _, col := range cols {
		if v, ok := row.Lookup(col); ok {
			env[col] = v
		}
	}
	for col, v := range row.outputs {
		env[col] = ValueOf(v)
	}
	for col, v := range resolved {
		env[col] = v
	}
	return env
}
