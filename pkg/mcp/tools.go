package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/gridflow/internal/autorun"
	"github.com/rendis/gridflow/internal/engine"
	"github.com/rendis/gridflow/internal/store"
	"github.com/rendis/gridflow/internal/workspace"
	"github.com/rendis/gridflow/pkg/schema"
)

const defaultQueryLimit = 100

// handleRun runs one column, or every executable column of a table.
func (s *GridServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.openSession(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	tableID, err := req.RequireString("table_id")
	if err != nil {
		return mcp.NewToolResultError("table_id is required"), nil
	}
	columnID := req.GetString("column_id", "")

	if columnID == "" {
		runs, runErr := sess.RunAll(ctx, tableID)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
		}
		return marshalResult(map[string]any{
			"table_id": tableID,
			"sandbox":  sess.Sandbox(),
			"runs":     runs,
		})
	}

	run, runErr := sess.RunColumn(ctx, engine.RunRequest{
		TableID:  tableID,
		ColumnID: columnID,
		RowIDs:   stringList(req.GetArguments(), "row_ids"),
		Trigger:  schema.RunTriggerManual,
	})
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}
	return marshalResult(map[string]any{
		"table_id": tableID,
		"sandbox":  sess.Sandbox(),
		"runs":     []*schema.Run{run},
	})
}

// handleStatus returns cell progress and the auto-run state.
func (s *GridServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.openSession(ctx, req)
	if errResult != nil {
		return errResult, nil
	}

	out := map[string]any{
		"workspace_id": sess.ID(),
		"sandbox":      sess.Sandbox(),
		"auto_run":     sess.AutoRun(),
	}
	if tableID := req.GetString("table_id", ""); tableID != "" {
		tp, err := sess.Progress(ctx, tableID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
		}
		out["totals"] = tp.Totals
		out["tables"] = []*engine.TableProgress{tp}
		return marshalResult(out)
	}

	totals, tables, err := sess.WorkspaceProgress(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	out["totals"] = totals
	out["tables"] = tables
	return marshalResult(out)
}

// handleSetCell edits a field cell.
func (s *GridServer) handleSetCell(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.openSession(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	rowID, err := req.RequireString("row_id")
	if err != nil {
		return mcp.NewToolResultError("row_id is required"), nil
	}
	columnID, err := req.RequireString("column_id")
	if err != nil {
		return mcp.NewToolResultError("column_id is required"), nil
	}

	cell, setErr := sess.SetCell(ctx, rowID, columnID, req.GetString("value", ""))
	if setErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("set cell failed: %v", setErr)), nil
	}
	return marshalResult(cell)
}

// handleSandbox switches sandbox mode or goes live.
func (s *GridServer) handleSandbox(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.openSession(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "on", "off":
		sess.SetSandbox(action == "on")
		return marshalResult(map[string]any{
			"ok":      true,
			"sandbox": sess.Sandbox(),
		})
	case "go_live":
		runs, liveErr := sess.GoLive(ctx)
		if liveErr != nil && len(runs) == 0 {
			return mcp.NewToolResultError(fmt.Sprintf("go live failed: %v", liveErr)), nil
		}
		out := map[string]any{
			"ok":      liveErr == nil,
			"sandbox": sess.Sandbox(),
			"runs":    runs,
		}
		if liveErr != nil {
			out["error"] = liveErr.Error()
		}
		return marshalResult(out)
	default:
		return mcp.NewToolResultError("action must be on, off, or go_live"), nil
	}
}

// handleAutoRun toggles auto-run or sweeps now.
func (s *GridServer) handleAutoRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.openSession(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "enable", "disable":
		if setErr := sess.SetAutoRun(ctx, action == "enable"); setErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("auto-run update failed: %v", setErr)), nil
		}
		return marshalResult(sess.AutoRun())
	case "sweep":
		result, sweepErr := sess.SweepNow(ctx)
		if sweepErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("sweep failed: %v", sweepErr)), nil
		}
		return marshalResult(struct {
			Sweep  *autorun.SweepResult `json:"sweep"`
			Status autorun.Status       `json:"status"`
		}{result, sess.AutoRun()})
	default:
		return mcp.NewToolResultError("action must be enable, disable, or sweep"), nil
	}
}

// handleQuery lists stored resources. Results are wrapped in an object
// keyed by the resource name.
func (s *GridServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("no store configured"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workspaces":
		wss, qErr := s.store.ListWorkspaces(ctx)
		if qErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", qErr)), nil
		}
		return marshalResult(map[string]any{"workspaces": wss})
	case "tables":
		wsID := extractString(filter, "workspace_id")
		if wsID == "" {
			return mcp.NewToolResultError("filter.workspace_id is required"), nil
		}
		tables, qErr := s.store.ListTables(ctx, wsID)
		if qErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", qErr)), nil
		}
		return marshalResult(map[string]any{"tables": tables})
	case "runs":
		runs, qErr := s.store.ListRuns(ctx, store.RunFilter{
			WorkspaceID: extractString(filter, "workspace_id"),
			TableID:     extractString(filter, "table_id"),
			ColumnID:    extractString(filter, "column_id"),
			Limit:       extractInt(filter, "limit", defaultQueryLimit),
		})
		if qErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", qErr)), nil
		}
		return marshalResult(map[string]any{"runs": runs})
	case "events":
		wsID := extractString(filter, "workspace_id")
		if wsID == "" {
			return mcp.NewToolResultError("filter.workspace_id is required"), nil
		}
		s.captureSession(ctx, wsID)
		events, qErr := s.store.ListEvents(ctx, store.EventFilter{
			WorkspaceID: wsID,
			TableID:     extractString(filter, "table_id"),
			Type:        extractString(filter, "type"),
			Since:       int64(extractInt(filter, "since", 0)),
			Limit:       extractInt(filter, "limit", defaultQueryLimit),
		})
		if qErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", qErr)), nil
		}
		return marshalResult(map[string]any{"events": events})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource: %s", resource)), nil
	}
}

// --- Helpers ---

// openSession resolves the workspace_id argument to an open session and
// registers the caller as a watcher of that workspace. A non-nil result is
// the tool error to return.
func (s *GridServer) openSession(ctx context.Context, req mcp.CallToolRequest) (*workspace.Session, *mcp.CallToolResult) {
	wsID, err := req.RequireString("workspace_id")
	if err != nil {
		return nil, mcp.NewToolResultError("workspace_id is required")
	}
	if s.service == nil {
		return nil, mcp.NewToolResultError("no workspace service configured")
	}
	sess, err := s.service.Open(ctx, wsID)
	if err != nil {
		var ge *schema.GridError
		if errors.As(err, &ge) && ge.Code == schema.ErrCodeNotFound {
			return nil, mcp.NewToolResultError(fmt.Sprintf("workspace not found: %s", wsID))
		}
		return nil, mcp.NewToolResultError(fmt.Sprintf("failed to open workspace: %v", err))
	}
	s.captureSession(ctx, wsID)
	return sess, nil
}

// captureSession records that the current MCP session watches a workspace.
func (s *GridServer) captureSession(ctx context.Context, workspaceID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(workspaceID, session.SessionID())
	}
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case int64:
		return int(val)
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func extractString(filter map[string]any, key string) string {
	if s, ok := filter[key].(string); ok {
		return s
	}
	return ""
}

// stringList reads a string array argument, skipping non-string items.
func stringList(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
