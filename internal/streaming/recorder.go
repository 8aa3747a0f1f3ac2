package streaming

import (
	"context"
	"log/slog"

	"github.com/rendis/gridflow/internal/logging"
	"github.com/rendis/gridflow/internal/store"
	"github.com/rendis/gridflow/pkg/schema"
)

// EventLog is the persistent side of the recorder.
type EventLog interface {
	AppendEvent(ctx context.Context, event *schema.GridEvent) error
	ListEvents(ctx context.Context, filter store.EventFilter) ([]*schema.GridEvent, error)
}

// Recorder appends every event to the event log, which assigns its
// sequence number, then publishes it on the hub. It is the executor's and
// the auto-run scheduler's event sink.
type Recorder struct {
	log    EventLog
	hub    Hub
	logger *slog.Logger
}

// NewRecorder creates a recorder. A nil log only publishes; a nil hub only
// records.
func NewRecorder(log EventLog, hub Hub, logger *slog.Logger) *Recorder {
	return &Recorder{log: log, hub: hub, logger: logging.OrDefault(logger)}
}

// Emit records and publishes event. Failures are logged, never returned,
// so a broken log cannot stall a run.
func (r *Recorder) Emit(ctx context.Context, event *schema.GridEvent) {
	ctx = context.WithoutCancel(ctx)
	if r.log != nil {
		if err := r.log.AppendEvent(ctx, event); err != nil {
			r.logger.WarnContext(ctx, "failed to record event", "type", event.Type, "error", err)
		}
	}
	if r.hub != nil {
		if err := r.hub.Publish(ctx, event); err != nil {
			r.logger.WarnContext(ctx, "failed to publish event", "type", event.Type, "error", err)
		}
	}
}

// Since returns the recorded events of a workspace after sequence since,
// so a reconnecting subscriber can catch up before it subscribes again.
func (r *Recorder) Since(ctx context.Context, workspaceID string, since int64, limit int) ([]*schema.GridEvent, error) {
	if r.log == nil {
		return nil, nil
	}
	return r.log.ListEvents(ctx, store.EventFilter{WorkspaceID: workspaceID, Since: since, Limit: limit})
}
