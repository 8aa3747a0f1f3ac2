package export

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/rendis/gridflow/pkg/schema"
)

// TableBuilder creates a table with its columns and rows. A workspace
// session satisfies it.
type TableBuilder interface {
	CreateTable(ctx context.Context, name string) (*schema.Table, error)
	AddColumn(ctx context.Context, tableID string, col *schema.Column) (*schema.Column, error)
	AddRows(ctx context.Context, tableID string, data []map[string]string) ([]*schema.Row, error)
}

// ImportResult describes an imported sheet.
type ImportResult struct {
	Table   *schema.Table    `json:"table"`
	Columns []*schema.Column `json:"columns"`
	Rows    int              `json:"rows"`
}

// Import reads one sheet of a workbook into a new table. The first row
// names the columns; each becomes a field column whose source field is the
// header text. An empty sheet name selects the first sheet.
func Import(ctx context.Context, b TableBuilder, r io.Reader, sheet string) (*ImportResult, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "not a readable workbook").WithCause(err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	lines, err := f.GetRows(sheet)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "sheet %q not found", sheet).WithCause(err)
	}
	if len(lines) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "sheet %q has no header row", sheet)
	}

	headers := uniqueHeaders(lines[0])
	table, err := b.CreateTable(ctx, sheet)
	if err != nil {
		return nil, err
	}
	res := &ImportResult{Table: table}
	for _, h := range headers {
		col, err := b.AddColumn(ctx, table.ID, &schema.Column{
			Name:   h,
			Type:   schema.ColumnTypeField,
			Config: &schema.FieldConfig{SourceField: h},
		})
		if err != nil {
			return nil, fmt.Errorf("add column %q: %w", h, err)
		}
		res.Columns = append(res.Columns, col)
	}

	data := make([]map[string]string, 0, len(lines)-1)
	for _, line := range lines[1:] {
		rec := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(line) && line[i] != "" {
				rec[h] = line[i]
			}
		}
		if len(rec) > 0 {
			data = append(data, rec)
		}
	}
	if len(data) > 0 {
		rows, err := b.AddRows(ctx, table.ID, data)
		if err != nil {
			return nil, err
		}
		res.Rows = len(rows)
	}
	return res, nil
}

// uniqueHeaders trims header cells, names blank ones after their position
// and suffixes repeats, so every column gets a distinct name.
func uniqueHeaders(raw []string) []string {
	seen := make(map[string]int, len(raw))
	out := make([]string, len(raw))
	for i, h := range raw {
		h = strings.TrimSpace(h)
		if h == "" {
			name, _ := excelize.ColumnNumberToName(i + 1)
			h = "Column " + name
		}
		key := strings.ToLower(h)
		seen[key]++
		if n := seen[key]; n > 1 {
			h = fmt.Sprintf("%s %d", h, n)
			seen[strings.ToLower(h)]++
		}
		out[i] = h
	}
	return out
}
