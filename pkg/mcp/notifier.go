package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/gridflow/internal/logging"
	"github.com/rendis/gridflow/internal/streaming"
	"github.com/rendis/gridflow/pkg/schema"
)

const notificationMethod = "notifications/message"

// EventNotifier pushes grid events to connected clients.
type EventNotifier interface {
	Notify(ctx context.Context, event *schema.GridEvent) error
}

// MCPNotifier implements EventNotifier with MCP log notifications sent to
// every session watching the event's workspace.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewMCPNotifier creates a notifier that pushes over MCP.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions, logger: logging.OrDefault(logger)}
}

// Notify sends event to its workspace's watchers. Best-effort: sessions
// that have gone away are dropped from the registry.
func (n *MCPNotifier) Notify(_ context.Context, event *schema.GridEvent) error {
	payload := map[string]any{
		"level":  "info",
		"logger": "gridflow",
		"data":   event,
	}
	var errs []error
	for _, sid := range n.sessions.SessionsFor(event.WorkspaceID) {
		err := n.mcpServer.SendNotificationToSpecificClient(sid, notificationMethod, payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			n.sessions.Remove(sid)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forward subscribes to hub and notifies watchers of every event until ctx
// is done or the subscription closes.
func (n *MCPNotifier) Forward(ctx context.Context, hub streaming.Hub) error {
	events, cancel, err := hub.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := n.Notify(ctx, ev); err != nil {
				n.logger.DebugContext(ctx, "event notification failed", "type", ev.Type, "error", err)
			}
		}
	}
}
