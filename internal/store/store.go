package store

import (
	"context"

	"github.com/rendis/gridflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workspaces
	CreateWorkspace(ctx context.Context, ws *schema.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*schema.Workspace, error)
	UpdateWorkspace(ctx context.Context, id string, update WorkspaceUpdate) error
	ListWorkspaces(ctx context.Context) ([]*schema.Workspace, error)

	// Tables
	CreateTable(ctx context.Context, t *schema.Table) error
	GetTable(ctx context.Context, id string) (*schema.Table, error)
	ListTables(ctx context.Context, workspaceID string) ([]*schema.Table, error)
	DeleteTable(ctx context.Context, id string) error

	// Columns
	CreateColumn(ctx context.Context, col *schema.Column) error
	GetColumn(ctx context.Context, id string) (*schema.Column, error)
	UpdateColumn(ctx context.Context, col *schema.Column) error
	ListColumns(ctx context.Context, tableID string) ([]*schema.Column, error)
	DeleteColumn(ctx context.Context, id string) error

	// Rows (source data is immutable once created)
	CreateRows(ctx context.Context, rows []*schema.Row) error
	GetRow(ctx context.Context, id string) (*schema.Row, error)
	ListRows(ctx context.Context, tableID string, page Page) ([]*schema.Row, error)
	CountRows(ctx context.Context, tableID string) (int, error)
	DeleteRow(ctx context.Context, id string) error

	// Cells (upsert keyed by row and column)
	UpsertCell(ctx context.Context, cell *schema.Cell) error
	GetCell(ctx context.Context, rowID, columnID string) (*schema.Cell, error)
	ListCells(ctx context.Context, tableID string, page Page) ([]*schema.Cell, error)
	DeleteCell(ctx context.Context, rowID, columnID string) error

	// Run history
	CreateRun(ctx context.Context, run *schema.Run) error
	CompleteRun(ctx context.Context, id string, counts schema.RunCounts) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *schema.GridEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*schema.GridEvent, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
