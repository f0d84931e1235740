package xlmigrate

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// testdataDir returns the path to testdata directory, creating it if needed.
func testdataDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join("testdata")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

// testRow builds a source row whose columns are the keys of cells, sorted.
func testRow(cells map[string]string) *Row {
	return NewRow("Sheet1", 2, cells, slices.Sorted(maps.Keys(cells)))
}

// rawValues resolves raw strings as the resolver would.
func rawValues(raw map[string]string) map[string]Value {
	out := make(map[string]Value, len(raw))
	for k, v := range raw {
		out[k] = ResolveRaw(v)
	}
	return out
}

// createOrdersWorkbook writes a workbook with an "Orders" sheet:
//
//	A1: ID   B1: Qty   C1: Price   D1: Status
//	2..4: three orders, row 3 has a blank price
//
// and an empty "Notes" sheet.
func createOrdersWorkbook(t *testing.T, name string) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	require.NoError(t, f.SetSheetName("Sheet1", "Orders"))
	rows := [][]any{
		{"ID", "Qty", "Price", "Status"},
		{"A-1", 2, 10.5, "Active"},
		{"A-2", 3, nil, "Active"},
		{"A-3", 1, 99, "Closed"},
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, f.SetSheetRow("Orders", cell, &r))
	}
	_, err := f.NewSheet("Notes")
	require.NoError(t, err)

	path := filepath.Join(testdataDir(t), name)
	require.NoError(t, f.SaveAs(path))
	t.Cleanup(func() { os.Remove(path) })
	return path
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
