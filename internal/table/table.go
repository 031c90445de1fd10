// Package table provides the in-memory tabular value that flows between record
// sources, the triage engine and the report/persistence collaborators.
//
// A Table has named, ordered columns over rows of loosely typed cells. A cell is
// one of nil (null), string, float64, int, bool or time.Time.
package table

import (
	"fmt"
	"math"
	"strconv"
)

// Table is an ordered set of named columns over rows of cells.
// The zero value is an empty table with no columns. Read methods never
// modify the table, so concurrent reads are safe; writes need exclusive access.
type Table struct {
	columns []string
	index   map[string]int
	rows    [][]any
}

// New creates an empty table with the given columns. Duplicate names are
// suffixed ".1", ".2", ... in the order they appear.
func New(columns ...string) *Table {
	t := &Table{index: make(map[string]int, len(columns))}
	for _, c := range columns {
		t.appendColumn(uniqueName(t.index, c))
	}
	return t
}

func uniqueName(seen map[string]int, name string) string {
	if _, ok := seen[name]; !ok {
		return name
	}
	for i := 1; ; i++ {
		candidate := name + "." + strconv.Itoa(i)
		if _, ok := seen[candidate]; !ok {
			return candidate
		}
	}
}

func (t *Table) ensureIndex() {
	if t.index == nil {
		t.index = make(map[string]int, len(t.columns))
		for i, c := range t.columns {
			t.index[c] = i
		}
	}
}

// position looks col up without building the index.
func (t *Table) position(col string) (int, bool) {
	if t.index != nil {
		i, ok := t.index[col]
		return i, ok
	}
	for i, c := range t.columns {
		if c == col {
			return i, true
		}
	}
	return 0, false
}

func (t *Table) appendColumn(name string) {
	t.ensureIndex()
	t.index[name] = len(t.columns)
	t.columns = append(t.columns, name)
	for i := range t.rows {
		t.rows[i] = append(t.rows[i], nil)
	}
}

func (t *Table) reindex() {
	t.index = make(map[string]int, len(t.columns))
	for i, c := range t.columns {
		t.index[c] = i
	}
}

// Columns returns a copy of the column names in order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

// Has reports whether the column exists.
func (t *Table) Has(col string) bool {
	_, ok := t.position(col)
	return ok
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// AppendRow appends a row of cells given in column order.
func (t *Table) AppendRow(cells ...any) error {
	if len(cells) != len(t.columns) {
		return fmt.Errorf("row has %d cells, table has %d columns", len(cells), len(t.columns))
	}
	row := make([]any, len(cells))
	copy(row, cells)
	t.rows = append(t.rows, row)
	return nil
}

// AppendRecord appends a row from a column->cell map. Keys that are not yet
// columns are added as new columns, null for the existing rows.
func (t *Table) AppendRecord(rec map[string]any) {
	t.ensureIndex()
	for k := range rec {
		if _, ok := t.index[k]; !ok {
			t.appendColumn(k)
		}
	}
	row := make([]any, len(t.columns))
	for k, v := range rec {
		row[t.index[k]] = v
	}
	t.rows = append(t.rows, row)
}

// Value returns the cell at row/col. ok is false when the column does not exist.
func (t *Table) Value(row int, col string) (v any, ok bool) {
	i, ok := t.position(col)
	if !ok {
		return nil, false
	}
	return t.rows[row][i], true
}

// Set stores a cell, adding the column (null elsewhere) when absent.
func (t *Table) Set(row int, col string, v any) {
	t.ensureIndex()
	i, ok := t.index[col]
	if !ok {
		t.appendColumn(col)
		i = len(t.columns) - 1
	}
	t.rows[row][i] = v
}

// AddColumn appends an all-null column. It is a no-op when the column exists.
func (t *Table) AddColumn(col string) {
	if !t.Has(col) {
		t.appendColumn(col)
	}
}

// InsertColumn places col at position pos, replacing any existing column of the
// same name. vals must be nil (all null) or hold one cell per row.
func (t *Table) InsertColumn(pos int, col string, vals []any) error {
	if vals != nil && len(vals) != len(t.rows) {
		return fmt.Errorf("column %q has %d values, table has %d rows", col, len(vals), len(t.rows))
	}
	t.DropColumn(col)
	if pos < 0 || pos > len(t.columns) {
		return fmt.Errorf("column position %d out of range [0,%d]", pos, len(t.columns))
	}

	t.columns = append(t.columns, "")
	copy(t.columns[pos+1:], t.columns[pos:])
	t.columns[pos] = col

	for r := range t.rows {
		row := append(t.rows[r], nil)
		copy(row[pos+1:], row[pos:])
		if vals != nil {
			row[pos] = vals[r]
		} else {
			row[pos] = nil
		}
		t.rows[r] = row
	}
	t.reindex()
	return nil
}

// DropColumn removes col if present.
func (t *Table) DropColumn(col string) {
	t.ensureIndex()
	i, ok := t.index[col]
	if !ok {
		return
	}
	t.columns = append(t.columns[:i], t.columns[i+1:]...)
	for r := range t.rows {
		t.rows[r] = append(t.rows[r][:i], t.rows[r][i+1:]...)
	}
	t.reindex()
}

// RenameColumn renames from to to. It fails when to already exists.
func (t *Table) RenameColumn(from, to string) error {
	t.ensureIndex()
	i, ok := t.index[from]
	if !ok {
		return fmt.Errorf("column %q not found", from)
	}
	if from == to {
		return nil
	}
	if _, exists := t.index[to]; exists {
		return fmt.Errorf("column %q already exists", to)
	}
	t.columns[i] = to
	t.reindex()
	return nil
}

// Reorder arranges columns so that front comes first (skipping names that do not
// exist), followed by the remaining columns in their current order.
func (t *Table) Reorder(front []string) {
	t.ensureIndex()
	order := make([]int, 0, len(t.columns))
	used := make(map[int]bool, len(t.columns))
	for _, c := range front {
		if i, ok := t.index[c]; ok && !used[i] {
			order = append(order, i)
			used[i] = true
		}
	}
	for i := range t.columns {
		if !used[i] {
			order = append(order, i)
		}
	}

	cols := make([]string, len(order))
	for j, i := range order {
		cols[j] = t.columns[i]
	}
	for r, row := range t.rows {
		nr := make([]any, len(order))
		for j, i := range order {
			nr[j] = row[i]
		}
		t.rows[r] = nr
	}
	t.columns = cols
	t.reindex()
}

// Row returns a copy of row i keyed by column name.
func (t *Table) Row(i int) map[string]any {
	out := make(map[string]any, len(t.columns))
	for j, c := range t.columns {
		out[c] = t.rows[i][j]
	}
	return out
}

// Clone returns a deep copy of the table structure. Cells are copied by value.
func (t *Table) Clone() *Table {
	idx := make([]int, len(t.rows))
	for i := range idx {
		idx[i] = i
	}
	return t.Subset(idx)
}

// Subset returns a new table with the same columns and copies of the given rows,
// in the given order.
func (t *Table) Subset(rows []int) *Table {
	out := &Table{
		columns: t.Columns(),
		rows:    make([][]any, 0, len(rows)),
	}
	out.reindex()
	for _, r := range rows {
		row := make([]any, len(t.columns))
		copy(row, t.rows[r])
		out.rows = append(out.rows, row)
	}
	return out
}

// IsNull reports whether a cell is null: nil or a NaN float.
func IsNull(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(x)
	case float32:
		return math.IsNaN(float64(x))
	}
	return false
}
