package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type ctxKey int

const (
	workspaceIDKey ctxKey = iota
	tableIDKey
	columnIDKey
	rowIDKey
)

// WithWorkspaceID returns a context with the workspace ID set.
func WithWorkspaceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workspaceIDKey, id)
}

// WithTableID returns a context with the table ID set.
func WithTableID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tableIDKey, id)
}

// WithColumnID returns a context with the column ID set.
func WithColumnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, columnIDKey, id)
}

// WithRowID returns a context with the row ID set.
func WithRowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, rowIDKey, id)
}

// WorkspaceID extracts the workspace ID from the context, or "" if absent.
func WorkspaceID(ctx context.Context) string {
	v, _ := ctx.Value(workspaceIDKey).(string)
	return v
}

// TableID extracts the table ID from the context, or "" if absent.
func TableID(ctx context.Context) string {
	v, _ := ctx.Value(tableIDKey).(string)
	return v
}

// ColumnID extracts the column ID from the context, or "" if absent.
func ColumnID(ctx context.Context) string {
	v, _ := ctx.Value(columnIDKey).(string)
	return v
}

// RowID extracts the row ID from the context, or "" if absent.
func RowID(ctx context.Context) string {
	v, _ := ctx.Value(rowIDKey).(string)
	return v
}

// WithCell sets table, column and row IDs on the context at once.
func WithCell(ctx context.Context, tableID, columnID, rowID string) context.Context {
	ctx = WithTableID(ctx, tableID)
	ctx = WithColumnID(ctx, columnID)
	ctx = WithRowID(ctx, rowID)
	return ctx
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := WorkspaceID(ctx); v != "" {
		attrs = append(attrs, slog.String("workspace_id", v))
	}
	if v := TableID(ctx); v != "" {
		attrs = append(attrs, slog.String("table_id", v))
	}
	if v := ColumnID(ctx); v != "" {
		attrs = append(attrs, slog.String("column_id", v))
	}
	if v := RowID(ctx); v != "" {
		attrs = append(attrs, slog.String("row_id", v))
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config string to a slog level. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger: a stderr text handler wrapped in a
// CorrelationHandler.
func New(level string) *slog.Logger {
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(NewCorrelationHandler(inner))
}

// OrDefault returns logger, or an info-level stderr logger when nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
