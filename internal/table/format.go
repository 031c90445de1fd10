package table

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// FormatCell renders a cell as text for file and wire output. Null renders as
// the empty string, dates at midnight as YYYY-MM-DD.
func FormatCell(v any) string {
	if IsNull(v) {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format(time.DateOnly)
		}
		return x.Format(time.DateTime)
	}
	return fmt.Sprint(v)
}

type wireTable struct {
	Columns []string         `json:"columns"`
	Rows    [][]any          `json:"rows"`
	Records []map[string]any `json:"records,omitempty"`
}

// MarshalJSON encodes the table as {"columns":[...],"rows":[[...],...]}.
// Time cells are encoded through FormatCell.
func (t *Table) MarshalJSON() ([]byte, error) {
	w := wireTable{
		Columns: t.Columns(),
		Rows:    make([][]any, len(t.rows)),
	}
	for i, row := range t.rows {
		out := make([]any, len(row))
		for j, v := range row {
			out[j] = wireCell(v)
		}
		w.Rows[i] = out
	}
	return json.Marshal(w)
}

func wireCell(v any) any {
	switch x := v.(type) {
	case time.Time:
		return FormatCell(x)
	case float64:
		// JSON has no NaN or Inf.
		if math.IsNaN(x) {
			return nil
		}
		if math.IsInf(x, 0) {
			return FormatCell(x)
		}
	}
	return v
}

// UnmarshalJSON accepts either {"columns":[...],"rows":[[...]]} or
// {"records":[{...},...]}. With records and no columns, columns are taken in
// first-seen order with keys sorted per record.
func (t *Table) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var w wireTable
	if err := dec.Decode(&w); err != nil {
		return err
	}

	nt := New(w.Columns...)
	for i, c := range nt.columns {
		if c != w.Columns[i] {
			return fmt.Errorf("duplicate column name %q", w.Columns[i])
		}
	}
	for i, row := range w.Rows {
		cells := make([]any, len(row))
		for j, v := range row {
			cells[j] = fromWire(v)
		}
		if err := nt.AppendRow(cells...); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	for _, rec := range w.Records {
		cells := make(map[string]any, len(rec))
		for k, v := range rec {
			cells[k] = fromWire(v)
		}
		nt.appendRecordSorted(cells)
	}

	*t = *nt
	return nil
}

func (t *Table) appendRecordSorted(rec map[string]any) {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	t.ensureIndex()
	for _, k := range keys {
		if _, ok := t.index[k]; !ok {
			t.appendColumn(k)
		}
	}
	t.AppendRecord(rec)
}

func fromWire(v any) any {
	if n, ok := v.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return v
}
