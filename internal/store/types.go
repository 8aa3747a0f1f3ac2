package store

import (
	"context"
	"encoding/json"

	"github.com/rendis/gridflow/pkg/schema"
)

// DefaultPageSize is the page size used by the bulk readers.
const DefaultPageSize = 500

// Page selects a window of an ordered listing. A zero Limit means no limit.
type Page struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// WorkspaceUpdate specifies mutable fields of a workspace.
type WorkspaceUpdate struct {
	Name         *string         `json:"name,omitempty"`
	AutoRun      *bool           `json:"auto_run,omitempty"`
	Conversation json.RawMessage `json:"conversation,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
	TableID     string `json:"table_id,omitempty"`
	ColumnID    string `json:"column_id,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	WorkspaceID string `json:"workspace_id"`
	TableID     string `json:"table_id,omitempty"`
	Type        string `json:"type,omitempty"`
	Since       int64  `json:"since,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// AllRows reads every row of a table page by page, in position order.
func AllRows(ctx context.Context, s Store, tableID string) ([]*schema.Row, error) {
	var out []*schema.Row
	for offset := 0; ; offset += DefaultPageSize {
		page, err := s.ListRows(ctx, tableID, Page{Limit: DefaultPageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < DefaultPageSize {
			return out, nil
		}
	}
}

// AllCells reads every stored cell of a table page by page.
func AllCells(ctx context.Context, s Store, tableID string) ([]*schema.Cell, error) {
	var out []*schema.Cell
	for offset := 0; ; offset += DefaultPageSize {
		page, err := s.ListCells(ctx, tableID, Page{Limit: DefaultPageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < DefaultPageSize {
			return out, nil
		}
	}
}
