package xlmigrate

// Row is one source record plus the target values written to it so far.
// A Row is owned by a single worker while its rules run.
type Row struct {
	Sheet  string
	Number int // 1-based row number in the source sheet

	cells   map[string]string
	order   []string // known source columns, sheet order
	outputs map[string]any
	outCols []string
	unset   map[string]*RuleError
}

// NewRow creates a row from raw cells keyed by column identifier.
// order lists the known columns; cells missing from the map are blank.
func NewRow(sheet string, number int, cells map[string]string, order []string) *Row {
	if cells == nil {
		cells = make(map[string]string)
	}
	if order == nil {
		order = make([]string, 0, len(cells))
		for k := range cells {
			order = append(order, k)
		}
	}
	known := make(map[string]string, len(order))
	for _, col := range order {
		known[col] = cells[col]
	}
	return &Row{
		Sheet:   sheet,
		Number:  number,
		cells:   known,
		order:   order,
		outputs: make(map[string]any),
		unset:   make(map[string]*RuleError),
	}
}

// Has reports whether col is a known column: a source column or a target
// already written for this row.
func (r *Row) Has(col string) bool {
	if _, ok := r.outputs[col]; ok {
		return true
	}
	_, ok := r.cells[col]
	return ok
}

// Lookup returns the current value of col. Outputs written by earlier rules
// shadow source cells of the same name.
func (r *Row) Lookup(col string) (Value, bool) {
	if v, ok := r.outputs[col]; ok {
		return ValueOf(v), true
	}
	raw, ok := r.cells[col]
	if !ok {
		return Value{}, false
	}
	return ResolveRaw(raw), true
}

// Raw returns the unmodified source cell text.
func (r *Row) Raw(col string) (string, bool) {
	if v, ok := r.outputs[col]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
		return formatScalar(v), true
	}
	raw, ok := r.cells[col]
	return raw, ok
}

// copyValue returns col unmodified: an earlier output as written, else the
// raw cell text. A column the row does not know is nil.
func (r *Row) copyValue(col string) any {
	if v, ok := r.outputs[col]; ok {
		return v
	}
	raw, ok := r.cells[col]
	if !ok {
		return nil
	}
	return raw
}

// Columns returns the known source columns in sheet order. The slice is
// shared and must not be modified.
func (r *Row) Columns() []string { return r.order }

// set writes a target value; it clears any earlier unset marker.
func (r *Row) set(col string, v any) {
	if _, ok := r.outputs[col]; !ok {
		if _, wasUnset := r.unset[col]; !wasUnset {
			r.outCols = append(r.outCols, col)
		}
	}
	delete(r.unset, col)
	r.outputs[col] = v
}

// markUnset records why col has no value for this row. A column already
// written by an earlier rule keeps that value.
func (r *Row) markUnset(col string, re *RuleError) {
	if _, ok := r.outputs[col]; ok {
		return
	}
	if _, ok := r.unset[col]; !ok {
		r.outCols = append(r.outCols, col)
	}
	r.unset[col] = re
}

// Output snapshots the row's target columns.
func (r *Row) Output() OutputRow {
	out := OutputRow{
		Sheet:   r.Sheet,
		Number:  r.Number,
		Columns: append([]string(nil), r.outCols...),
		Values:  make(map[string]any, len(r.outputs)),
		Unset:   make(map[string]*RuleError, len(r.unset)),
	}
	for k, v := range r.outputs {
		out.Values[k] = v
	}
	for k, v := range r.unset {
		out.Unset[k] = v
	}
	return out
}

// OutputRow is an assembled target row. A column is either in Values or in
// Unset, never both, so an unset column is never mistaken for an empty value.
type OutputRow struct {
	Sheet   string
	Number  int
	Columns []string // target columns in first-written order
	Values  map[string]any
	Unset   map[string]*RuleError
}

// Get returns the value written to col and whether it was set.
func (o OutputRow) Get(col string) (any, bool) {
	v, ok := o.Values[col]
	return v, ok
}

// IsUnset reports whether col was targeted by a rule that did not produce a value.
func (o OutputRow) IsUnset(col string) bool {
	_, ok := o.Unset[col]
	return ok
}
