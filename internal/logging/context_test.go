package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", WorkspaceID(ctx))
	assert.Equal(t, "", TableID(ctx))
	assert.Equal(t, "", ColumnID(ctx))
	assert.Equal(t, "", RowID(ctx))

	ctx = WithWorkspaceID(ctx, "ws-1")
	ctx = WithCell(ctx, "tbl-1", "col-1", "row-1")

	assert.Equal(t, "ws-1", WorkspaceID(ctx))
	assert.Equal(t, "tbl-1", TableID(ctx))
	assert.Equal(t, "col-1", ColumnID(ctx))
	assert.Equal(t, "row-1", RowID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithCell(WithWorkspaceID(context.Background(), "ws-abc"), "tbl-x", "col-y", "row-z")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "workspace_id=ws-abc")
	assert.Contains(t, output, "table_id=tbl-x")
	assert.Contains(t, output, "column_id=col-y")
	assert.Contains(t, output, "row_id=row-z")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithColumnID(context.Background(), "col-only")
	LogWith(ctx, logger).Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "column_id=col-only")
	assert.NotContains(t, output, "row_id")
	assert.NotContains(t, output, "workspace_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithCell(context.Background(), "tbl-auto", "col-auto", "row-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"table_id":"tbl-auto"`)
	assert.Contains(t, output, `"column_id":"col-auto"`)
	assert.Contains(t, output, `"row_id":"row-auto"`)
	assert.Contains(t, output, "auto inject")
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "table_id")
	assert.NotContains(t, output, "column_id")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}))

	ctx := WithTableID(context.Background(), "tbl-attr")
	logger.InfoContext(ctx, "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"table_id":"tbl-attr"`)
	assert.Contains(t, output, `"component":"engine"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
