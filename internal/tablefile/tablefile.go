// Package tablefile reads and writes tables as delimited text and xlsx
// workbooks, and lays out the standard triage output directory.
package tablefile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/linnemanlabs/grantscout/internal/table"
)

// Output file names written by WriteOutputs and WriteRaw.
const (
	CleanFile      = "CleanTable.csv"
	DirtyFile      = "DirtyTable.csv"
	OutOfScopeFile = "OutOfScope.csv"
	MasterFile     = "Master_Scored.csv"
	WorkbookFile   = "Tables.xlsx"
	RawFile        = "GrantsRaw.csv"
)

// Delimiter returns the field separator for path: tab for .tsv and .tab,
// comma otherwise.
func Delimiter(path string) rune {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tsv", ".tab":
		return '\t'
	}
	return ','
}

// ReadFile reads a delimited file into a table. The delimiter follows the
// file extension.
func ReadFile(path string) (*table.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	t, err := Read(f, Delimiter(path))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return t, nil
}

// Read parses delimited text with a header row. Cells are trimmed. Blank
// cells become null and numeric cells become float64, as a spreadsheet
// import would. Short rows are padded with nulls; long rows are an error.
func Read(r io.Reader, comma rune) (*table.Table, error) {
	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty file: no header row")
	}
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = cleanCell(h)
	}
	t := table.New(cols...)

	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) > len(cols) {
			return nil, fmt.Errorf("line %d: %d fields, header has %d", line, len(rec), len(cols))
		}
		if len(rec) == 1 && cleanCell(rec[0]) == "" && len(cols) > 1 {
			continue
		}
		cells := make([]any, len(cols))
		for i, v := range rec {
			cells[i] = parseCell(v)
		}
		if err := t.AppendRow(cells...); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	return t, nil
}

func cleanCell(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "\ufeff")
	return v
}

func parseCell(raw string) any {
	v := cleanCell(raw)
	if v == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		if math.IsNaN(f) {
			return nil
		}
		if !math.IsInf(f, 0) {
			return f
		}
	}
	return v
}

// WriteFile writes t to path, creating parent directories. The delimiter
// follows the file extension.
func WriteFile(path string, t *table.Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if err := Write(f, t, Delimiter(path)); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Write encodes t as delimited text with a header row. Null cells are empty.
func Write(w io.Writer, t *table.Table, comma rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = comma

	cols := t.Columns()
	if err := cw.Write(cols); err != nil {
		return err
	}
	rec := make([]string, len(cols))
	for i := range t.Len() {
		for j, c := range cols {
			v, _ := t.Value(i, c)
			rec[j] = table.FormatCell(v)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteOutputs writes the three partitions, the scored master copy of Clean
// and the workbook into dir. It returns the paths written.
func WriteOutputs(dir string, clean, dirty, outOfScope *table.Table) ([]string, error) {
	files := []struct {
		name string
		t    *table.Table
	}{
		{CleanFile, clean},
		{DirtyFile, dirty},
		{OutOfScopeFile, outOfScope},
		{MasterFile, clean},
	}

	var written []string
	for _, f := range files {
		p := filepath.Join(dir, f.name)
		if err := WriteFile(p, f.t); err != nil {
			return written, err
		}
		written = append(written, p)
	}

	wb := filepath.Join(dir, WorkbookFile)
	err := WriteWorkbook(wb, []Sheet{
		{Name: "Clean", Table: clean},
		{Name: "Dirty", Table: dirty},
		{Name: "OutOfScope", Table: outOfScope},
	})
	if err != nil {
		return written, err
	}
	return append(written, wb), nil
}

// WriteRaw writes an unscored table to dir/GrantsRaw.csv and returns the path.
func WriteRaw(dir string, t *table.Table) (string, error) {
	p := filepath.Join(dir, RawFile)
	return p, WriteFile(p, t)
}
