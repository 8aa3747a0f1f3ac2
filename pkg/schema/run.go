package schema

import (
	"encoding/json"
	"time"
)

// RunCounts aggregates per-cell outcomes of one run.
type RunCounts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Empty     int `json:"empty"`
	Skipped   int `json:"skipped"`
}

// Add accumulates other into c.
func (c *RunCounts) Add(other RunCounts) {
	c.Total += other.Total
	c.Succeeded += other.Succeeded
	c.Failed += other.Failed
	c.Empty += other.Empty
	c.Skipped += other.Skipped
}

// Run is one recorded execution pass over a column.
type Run struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	TableID     string     `json:"table_id"`
	ColumnID    string     `json:"column_id"`
	Trigger     RunTrigger `json:"trigger"`
	Counts      RunCounts  `json:"counts"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GridEvent is one entry of a workspace's append-only event log. Sequence is
// assigned by the store and increases per workspace.
type GridEvent struct {
	Sequence    int64           `json:"sequence"`
	WorkspaceID string          `json:"workspace_id"`
	TableID     string          `json:"table_id,omitempty"`
	ColumnID    string          `json:"column_id,omitempty"`
	RowID       string          `json:"row_id,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
