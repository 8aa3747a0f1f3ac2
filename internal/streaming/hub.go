package streaming

import (
	"context"

	"github.com/rendis/gridflow/pkg/schema"
)

// Filter specifies which grid events a subscriber wants to receive. Empty
// fields match everything.
type Filter struct {
	WorkspaceID string   `json:"workspace_id,omitempty"`
	TableID     string   `json:"table_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e *schema.GridEvent) bool {
	if f.WorkspaceID != "" && f.WorkspaceID != e.WorkspaceID {
		return false
	}
	if f.TableID != "" && f.TableID != e.TableID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// Hub provides pub/sub for cell, run and sweep events.
type Hub interface {
	Publish(ctx context.Context, event *schema.GridEvent) error
	Subscribe(ctx context.Context, filter Filter) (<-chan *schema.GridEvent, func(), error)
}
