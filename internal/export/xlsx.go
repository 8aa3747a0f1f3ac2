// Package export writes tables to XLSX workbooks using the read path, so
// static columns appear exactly as they are displayed.
package export

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/rendis/gridflow/internal/engine"
	"github.com/rendis/gridflow/internal/expressions"
	"github.com/rendis/gridflow/pkg/schema"
)

const (
	maxSheetName     = 31
	defaultColWidth  = 18.0
	pixelsPerCharCol = 7.0
)

// SnapshotSource loads a table for export. A workspace session satisfies
// it, so a sandbox export shows overlay values.
type SnapshotSource interface {
	Snapshot(ctx context.Context, tableID string) (*engine.Snapshot, error)
}

// Options controls how cell values are written.
type Options struct {
	// Raw writes unformatted values instead of display values.
	Raw bool `mapstructure:"raw"`
	// Errors writes failed cells as "#ERROR: <message>" instead of leaving
	// them blank.
	Errors bool `mapstructure:"errors"`
}

// Workbook builds a workbook with one sheet per table, in the given order.
// The caller closes the returned file.
func Workbook(ctx context.Context, src SnapshotSource, tables []*schema.Table, opts Options) (*excelize.File, error) {
	if len(tables) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "nothing to export")
	}
	f := excelize.NewFile()
	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create header style: %w", err)
	}

	used := make(map[string]bool, len(tables))
	for i, t := range tables {
		snap, err := src.Snapshot(ctx, t.ID)
		if err != nil {
			f.Close()
			return nil, err
		}
		sheet := sheetName(t.Name, used)
		if i == 0 {
			err = f.SetSheetName(f.GetSheetName(0), sheet)
		} else {
			_, err = f.NewSheet(sheet)
		}
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("add sheet %q: %w", sheet, err)
		}
		if err := writeSheet(f, sheet, snap, header, opts); err != nil {
			f.Close()
			return nil, err
		}
	}
	f.SetActiveSheet(0)
	return f, nil
}

// Write builds the workbook and writes it to w.
func Write(ctx context.Context, w io.Writer, src SnapshotSource, tables []*schema.Table, opts Options) error {
	f, err := Workbook(ctx, src, tables, opts)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, snap *engine.Snapshot, headerStyle int, opts Options) error {
	names := make([]any, len(snap.Columns))
	for i, c := range snap.Columns {
		names[i] = c.Name
	}
	if err := f.SetSheetRow(sheet, "A1", &names); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(snap.Columns) > 0 {
		if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
			return fmt.Errorf("style header: %w", err)
		}
	}

	cells := snap.Grid.Cells()
	for r, row := range snap.Rows {
		values := make([]any, len(snap.Columns))
		for i, col := range snap.Columns {
			if col.Executable() && opts.Errors {
				if c, ok := cells.Cell(row.ID, col.ID); ok && c.Status == schema.CellStatusError {
					values[i] = expressions.ErrorPrefix + c.ErrorMessage
					continue
				}
			}
			if opts.Raw {
				values[i] = snap.Grid.RawValue(row, col.ID)
			} else {
				values[i] = snap.Grid.DisplayValue(row, col.ID)
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", r+1, err)
		}
	}

	for i, col := range snap.Columns {
		name, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		width := defaultColWidth
		if col.Width > 0 {
			width = float64(col.Width) / pixelsPerCharCol
		}
		if err := f.SetColWidth(sheet, name, name, width); err != nil {
			return fmt.Errorf("set width of %s: %w", col.Name, err)
		}
	}

	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

// sheetName makes a table name usable as a unique sheet name: forbidden
// characters become "_" and the result fits Excel's 31-character limit.
func sheetName(name string, used map[string]bool) string {
	clean := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\`, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	clean = strings.Trim(clean, "'")
	if clean == "" {
		clean = "Table"
	}
	clean = truncate(clean, maxSheetName)

	candidate := clean
	for n := 2; used[strings.ToLower(candidate)]; n++ {
		suffix := fmt.Sprintf(" (%d)", n)
		candidate = truncate(clean, maxSheetName-len(suffix)) + suffix
	}
	used[strings.ToLower(candidate)] = true
	return candidate
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
