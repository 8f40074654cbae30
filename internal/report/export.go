package report

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

const (
	maxSheetName = 31
	WorkbookMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var sheetNameReplacer = strings.NewReplacer(
	":", " ", "\\", " ", "/", " ", "?", " ", "*", " ", "[", "(", "]", ")",
)

// SheetNames maps table names to valid, distinct worksheet names: forbidden
// characters replaced, truncated to 31 characters, duplicates suffixed.
func SheetNames(tables []Table) []string {
	used := make(map[string]bool, len(tables))
	out := make([]string, len(tables))
	for i, t := range tables {
		base := strings.TrimSpace(sheetNameReplacer.Replace(t.Name))
		base = strings.Trim(base, "'")
		if base == "" {
			base = fmt.Sprintf("Hoja %d", i+1)
		}
		name := truncateRunes(base, maxSheetName)
		for n := 2; used[strings.ToLower(name)]; n++ {
			suffix := fmt.Sprintf(" (%d)", n)
			name = truncateRunes(base, maxSheetName-utf8.RuneCountInString(suffix)) + suffix
		}
		used[strings.ToLower(name)] = true
		out[i] = name
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// WriteWorkbook writes one worksheet per table, header row first.
func WriteWorkbook(w io.Writer, tables []Table) error {
	f := excelize.NewFile()
	defer f.Close()

	if len(tables) == 0 {
		tables = []Table{{Name: "Sin datos"}}
	}
	names := SheetNames(tables)
	for i, t := range tables {
		sheet := names[i]
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
				return fmt.Errorf("rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("add sheet %q: %w", sheet, err)
		}
		if err := writeTable(f, sheet, t); err != nil {
			return err
		}
	}
	f.SetActiveSheet(0)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeTable(f *excelize.File, sheet string, t Table) error {
	if len(t.Columns) > 0 {
		header := make([]any, len(t.Columns))
		for i, c := range t.Columns {
			header[i] = c
		}
		if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
			return fmt.Errorf("write header of %q: %w", sheet, err)
		}
	}
	for i, row := range t.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		r := row
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			return fmt.Errorf("write row %d of %q: %w", i+1, sheet, err)
		}
	}
	return nil
}
