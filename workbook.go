package xlmigrate

import (
	"context"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/xuri/excelize/v2"
)

// NoHeaderRow disables header detection; columns are known by letter only.
const NoHeaderRow = -1

// headerScanRows is how far down a sheet the header row is searched for.
const headerScanRows = 10

// WorkbookSource reads rows from an excelize workbook. Sheets are read into
// memory when the workbook is opened.
type WorkbookSource struct {
	file   *excelize.File
	names  []string
	sheets map[string]*sheetTable
}

type sheetTable struct {
	headerRow int      // 1-based, 0 when there is none
	columns   []string // known column identifiers, sheet order
	letters   []string // column letter per index
	headers   []string // header text per index, "" if none
	rows      [][]string
}

// OpenWorkbook opens an xlsx file as a row source. Only WithHeaderRow is
// consulted among opts.
func OpenWorkbook(path string, opts ...Option) (*WorkbookSource, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook %q: %w", path, err)
	}
	return newWorkbookSource(f, opts)
}

// ReadWorkbook reads an xlsx stream as a row source.
func ReadWorkbook(r io.Reader, opts ...Option) (*WorkbookSource, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("read workbook: %w", err)
	}
	return newWorkbookSource(f, opts)
}

// NewWorkbookSource wraps an already opened excelize file.
func NewWorkbookSource(f *excelize.File, opts ...Option) (*WorkbookSource, error) {
	return newWorkbookSource(f, opts)
}

func newWorkbookSource(f *excelize.File, opts []Option) (*WorkbookSource, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	ws := &WorkbookSource{
		file:   f,
		names:  f.GetSheetList(),
		sheets: make(map[string]*sheetTable),
	}
	for _, name := range ws.names {
		rows, err := f.GetRows(name)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("read rows from sheet %q: %w", name, err)
		}
		ws.sheets[name] = buildTable(rows, o.headerRow)
	}
	return ws, nil
}

func buildTable(rows [][]string, headerRow int) *sheetTable {
	t := &sheetTable{}
	switch {
	case headerRow == NoHeaderRow:
	case headerRow > 0:
		t.headerRow = headerRow
	default:
		t.headerRow = detectHeaderRow(rows)
	}

	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	var header []string
	if t.headerRow > 0 && t.headerRow <= len(rows) {
		header = rows[t.headerRow-1]
	}

	seen := make(map[string]bool)
	t.letters = make([]string, width)
	t.headers = make([]string, width)
	for i := range width {
		t.letters[i] = ColToName(i)
		seen[t.letters[i]] = true
	}
	for i := range width {
		t.columns = append(t.columns, t.letters[i])
		if i < len(header) {
			h := strings.TrimSpace(header[i])
			if h != "" && !seen[h] {
				seen[h] = true
				t.headers[i] = h
				t.columns = append(t.columns, h)
			}
		}
	}

	start := t.headerRow // data begins after the header
	if start > len(rows) {
		start = len(rows)
	}
	t.rows = rows[start:]
	return t
}

// detectHeaderRow returns the first non-empty row within the first rows.
func detectHeaderRow(rows [][]string) int {
	for i := 0; i < len(rows) && i < headerScanRows; i++ {
		if !blankRow(rows[i]) {
			return i + 1
		}
	}
	return 0
}

func blankRow(r []string) bool {
	for _, c := range r {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// SheetNames returns the sheets in workbook order.
func (w *WorkbookSource) SheetNames() []string { return w.names }

// Columns returns the known column identifiers of sheet: every column letter
// followed by its header text when there is one.
func (w *WorkbookSource) Columns(sheet string) []string {
	if t, ok := w.sheets[sheet]; ok {
		return t.columns
	}
	return nil
}

// HeaderRow returns the 1-based header row of sheet, 0 if it has none.
func (w *WorkbookSource) HeaderRow(sheet string) int {
	if t, ok := w.sheets[sheet]; ok {
		return t.headerRow
	}
	return 0
}

// ReadRows yields the data rows of sheet below its header. Blank rows are
// not records and are skipped. Each cell is known both by its column letter
// and by its header text. The sequence can be ranged over more than once.
func (w *WorkbookSource) ReadRows(_ context.Context, sheet string) iter.Seq2[*Row, error] {
	return func(yield func(*Row, error) bool) {
		t, ok := w.sheets[sheet]
		if !ok {
			yield(nil, fmt.Errorf("sheet %q not found", sheet))
			return
		}
		for i, r := range t.rows {
			if blankRow(r) {
				continue
			}
			cells := make(map[string]string, len(t.columns))
			for col := range t.letters {
				v := ""
				if col < len(r) {
					v = r[col]
				}
				cells[t.letters[col]] = v
				if t.headers[col] != "" {
					cells[t.headers[col]] = v
				}
			}
			if !yield(NewRow(sheet, t.headerRow+i+1, cells, t.columns), nil) {
				return
			}
		}
	}
}

// Close closes the underlying workbook.
func (w *WorkbookSource) Close() error {
	return w.file.Close()
}

const commentAuthor = "xlmigrate"

// WorkbookSink writes output rows into a new excelize workbook. Row 1 of
// each sheet holds the target column names. A column a rule failed to
// produce is left blank and carries a comment with the reason, so it is
// never mistaken for an empty value.
type WorkbookSink struct {
	file    *excelize.File
	written map[string]bool
}

// NewWorkbookSink creates a sink over an empty workbook.
func NewWorkbookSink() *WorkbookSink {
	return &WorkbookSink{
		file:    excelize.NewFile(),
		written: make(map[string]bool),
	}
}

// File exposes the underlying workbook.
func (w *WorkbookSink) File() *excelize.File { return w.file }

// WriteRows writes rows into sheet. Targets named by a column letter go to
// that column; other targets fill the columns after them in order.
func (w *WorkbookSink) WriteRows(ctx context.Context, sheet string, columns []string, rows iter.Seq[OutputRow]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.ensureSheet(sheet); err != nil {
		return err
	}

	layout := layoutColumns(columns)
	free := 0
	for name, col := range layout {
		free = max(free, col+1)
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := w.file.SetCellValue(sheet, cell, name); err != nil {
			return fmt.Errorf("write header %s: %w", cell, err)
		}
	}

	rowNum := 2
	for out := range rows {
		for _, name := range out.Columns {
			col, ok := layout[name]
			if !ok {
				col = free
				free++
				layout[name] = col
				cell, _ := excelize.CoordinatesToCellName(col+1, 1)
				if err := w.file.SetCellValue(sheet, cell, name); err != nil {
					return fmt.Errorf("write header %s: %w", cell, err)
				}
			}
			cell, _ := excelize.CoordinatesToCellName(col+1, rowNum)
			if re, unset := out.Unset[name]; unset {
				err := w.file.AddComment(sheet, excelize.Comment{
					Cell:   cell,
					Author: commentAuthor,
					Text:   fmt.Sprintf("not set (%s): %v", re.Kind, re.Err),
				})
				if err != nil {
					return fmt.Errorf("annotate %s!%s: %w", sheet, cell, err)
				}
				continue
			}
			v := out.Values[name]
			if v == nil {
				continue
			}
			if err := w.file.SetCellValue(sheet, cell, cellValue(v)); err != nil {
				return fmt.Errorf("write %s!%s: %w", sheet, cell, err)
			}
		}
		rowNum++
	}
	return nil
}

// ensureSheet creates sheet, reusing the default sheet of the new file for
// the first one written.
func (w *WorkbookSink) ensureSheet(sheet string) error {
	if w.written[sheet] {
		return fmt.Errorf("sheet %q written twice", sheet)
	}
	if len(w.written) == 0 {
		first := w.file.GetSheetList()[0]
		if first != sheet {
			if err := w.file.SetSheetName(first, sheet); err != nil {
				return fmt.Errorf("create sheet %q: %w", sheet, err)
			}
		}
	} else if _, err := w.file.NewSheet(sheet); err != nil {
		return fmt.Errorf("create sheet %q: %w", sheet, err)
	}
	w.written[sheet] = true
	return nil
}

// layoutColumns assigns a 0-based column index to each target.
func layoutColumns(columns []string) map[string]int {
	layout := make(map[string]int, len(columns))
	used := make(map[int]bool)
	next := 0
	for _, name := range columns {
		if IsColumnLetter(name) {
			col, _ := NameToCol(name)
			layout[name] = col
			used[col] = true
			next = max(next, col+1)
		}
	}
	for _, name := range columns {
		if _, ok := layout[name]; ok {
			continue
		}
		for used[next] {
			next++
		}
		layout[name] = next
		used[next] = true
		next++
	}
	return layout
}

func cellValue(v any) any {
	switch x := v.(type) {
	case ValidationResult:
		return x.String()
	default:
		return v
	}
}

// Save writes the workbook to path.
func (w *WorkbookSink) Save(path string) error {
	if err := w.file.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook %q: %w", path, err)
	}
	return nil
}

// Write writes the workbook to wr.
func (w *WorkbookSink) Write(wr io.Writer) error {
	return w.file.Write(wr)
}

// Close releases the workbook.
func (w *WorkbookSink) Close() error {
	return w.file.Close()
}
