package tablefile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/linnemanlabs/grantscout/internal/table"
)

// Sheet is one named worksheet.
type Sheet struct {
	Name  string
	Table *table.Table
}

// WriteWorkbook writes one worksheet per sheet, in order, to an xlsx file.
func WriteWorkbook(path string, sheets []Sheet) (err error) {
	if len(sheets) == 0 {
		return errors.New("workbook needs at least one sheet")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}

	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	// a new file starts with one default sheet; rename it to the first name.
	if err := f.SetSheetName(f.GetSheetName(0), sheets[0].Name); err != nil {
		return fmt.Errorf("sheet %s: %w", sheets[0].Name, err)
	}
	for i, s := range sheets {
		if i > 0 {
			if _, err := f.NewSheet(s.Name); err != nil {
				return fmt.Errorf("sheet %s: %w", s.Name, err)
			}
		}
		if err := writeSheet(f, s); err != nil {
			return fmt.Errorf("sheet %s: %w", s.Name, err)
		}
	}
	f.SetActiveSheet(0)

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeSheet(f *excelize.File, s Sheet) error {
	if s.Table == nil {
		return nil
	}
	cols := s.Table.Columns()
	header := make([]any, len(cols))
	for i, c := range cols {
		header[i] = c
	}
	if err := f.SetSheetRow(s.Name, "A1", &header); err != nil {
		return err
	}

	for r := range s.Table.Len() {
		row := make([]any, len(cols))
		for j, c := range cols {
			v, _ := s.Table.Value(r, c)
			if table.IsNull(v) {
				continue
			}
			row[j] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(s.Name, cell, &row); err != nil {
			return err
		}
	}
	return nil
}
