package engine

import (
	"context"

	"github.com/rendis/gridflow/internal/columns"
	"github.com/rendis/gridflow/internal/store"
	"github.com/rendis/gridflow/pkg/schema"
)

// Snapshot is one table read from the store at a point in time: columns and
// rows in table order, the stored cells, and a read-path Grid over them.
type Snapshot struct {
	Table   *schema.Table
	Columns []*schema.Column
	Rows    []*schema.Row
	Cells   columns.CellMap
	Grid    *columns.Grid
}

// LoadSnapshot reads a table. When overlay is non-nil its cells shadow the
// stored ones on the read path; Cells always holds only stored cells.
func LoadSnapshot(ctx context.Context, s store.Store, tableID string, overlay columns.CellSource) (*Snapshot, error) {
	tbl, err := s.GetTable(ctx, tableID)
	if err != nil {
		return nil, err
	}
	cols, err := s.ListColumns(ctx, tableID)
	if err != nil {
		return nil, err
	}
	rows, err := store.AllRows(ctx, s, tableID)
	if err != nil {
		return nil, err
	}
	stored, err := store.AllCells(ctx, s, tableID)
	if err != nil {
		return nil, err
	}

	cells := make(columns.CellMap, len(stored))
	for _, c := range stored {
		cells.Put(c)
	}
	var source columns.CellSource = cells
	if overlay != nil {
		source = columns.Layered{Top: overlay, Base: cells}
	}

	return &Snapshot{
		Table:   tbl,
		Columns: cols,
		Rows:    rows,
		Cells:   cells,
		Grid:    columns.NewGrid(cols, source, nil),
	}, nil
}

// SelectRows returns the rows whose IDs are in ids, in table order. A nil
// ids selects every row. Unknown IDs are ignored.
func (s *Snapshot) SelectRows(ids []string) []*schema.Row {
	if ids == nil {
		return s.Rows
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]*schema.Row, 0, len(ids))
	for _, r := range s.Rows {
		if _, ok := want[r.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// ExecutableColumns returns the executable columns in table order.
func (s *Snapshot) ExecutableColumns() []*schema.Column {
	var out []*schema.Column
	for _, c := range s.Columns {
		if c.Executable() {
			out = append(out, c)
		}
	}
	return out
}

// IncompleteRows lists the IDs of rows whose cell in col still needs a run,
// in table order.
func (s *Snapshot) IncompleteRows(col *schema.Column) []string {
	var ids []string
	for _, r := range s.Rows {
		if s.Grid.Incomplete(r, col) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
