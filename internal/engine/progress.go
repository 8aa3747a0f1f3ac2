package engine

import (
	"context"

	"github.com/rendis/gridflow/pkg/schema"
)

// Progress counts the cells of one executable column by status. Cells that
// were never written count as empty.
type Progress struct {
	Total    int `json:"total"`
	Complete int `json:"complete"`
	Pending  int `json:"pending"`
	Error    int `json:"error"`
	Empty    int `json:"empty"`
}

// Add accumulates other into p.
func (p *Progress) Add(other Progress) {
	p.Total += other.Total
	p.Complete += other.Complete
	p.Pending += other.Pending
	p.Error += other.Error
	p.Empty += other.Empty
}

// Done reports whether no cell is pending.
func (p Progress) Done() bool { return p.Pending == 0 }

// ColumnProgress is the progress of one column.
type ColumnProgress struct {
	ColumnID string `json:"column_id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Progress
}

// TableProgress aggregates column progress for a table.
type TableProgress struct {
	TableID string           `json:"table_id"`
	Rows    int              `json:"rows"`
	Columns []ColumnProgress `json:"columns"`
	Totals  Progress         `json:"totals"`
}

func (e *executorImpl) Progress(ctx context.Context, tableID string) (*TableProgress, error) {
	snap, err := LoadSnapshot(ctx, e.store, tableID, nil)
	if err != nil {
		return nil, err
	}
	return SnapshotProgress(snap), nil
}

// SnapshotProgress computes progress from a loaded snapshot. The counts use
// the snapshot's read path, so a sandbox overlay is reflected when present.
func SnapshotProgress(snap *Snapshot) *TableProgress {
	tp := &TableProgress{TableID: snap.Table.ID, Rows: len(snap.Rows)}
	cells := snap.Grid.Cells()
	for _, col := range snap.ExecutableColumns() {
		cp := ColumnProgress{ColumnID: col.ID, Name: col.Name, Type: string(col.Type)}
		for _, row := range snap.Rows {
			cp.Total++
			cell, ok := cells.Cell(row.ID, col.ID)
			if !ok {
				cp.Empty++
				continue
			}
			switch cell.Status {
			case schema.CellStatusComplete:
				cp.Complete++
			case schema.CellStatusPending:
				cp.Pending++
			case schema.CellStatusError:
				cp.Error++
			default:
				cp.Empty++
			}
		}
		tp.Columns = append(tp.Columns, cp)
		tp.Totals.Add(cp.Progress)
	}
	return tp
}

// WorkspaceProgress sums table progress across a workspace.
func WorkspaceProgress(ctx context.Context, ex Executor, tableIDs []string) (Progress, []*TableProgress, error) {
	var (
		total  Progress
		tables []*TableProgress
	)
	for _, id := range tableIDs {
		tp, err := ex.Progress(ctx, id)
		if err != nil {
			return Progress{}, nil, err
		}
		total.Add(tp.Totals)
		tables = append(tables, tp)
	}
	return total, tables, nil
}
