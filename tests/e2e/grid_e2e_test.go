package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rendis/gridflow/internal/adapters"
	"github.com/rendis/gridflow/internal/autorun"
	"github.com/rendis/gridflow/internal/engine"
	"github.com/rendis/gridflow/internal/export"
	"github.com/rendis/gridflow/internal/expressions"
	"github.com/rendis/gridflow/internal/store"
	"github.com/rendis/gridflow/internal/streaming"
	"github.com/rendis/gridflow/internal/validation"
	"github.com/rendis/gridflow/internal/workspace"
	gridmcp "github.com/rendis/gridflow/pkg/mcp"
	"github.com/rendis/gridflow/pkg/schema"
)

// --- Test infrastructure ---

// testEnv holds all real dependencies: a libSQL database, an HTTP-backed
// enrichment provider and the MCP server.
type testEnv struct {
	store   *store.LibSQLStore
	hub     *streaming.MemoryHub
	service *workspace.Service
	server  *gridmcp.GridServer
	lookups atomic.Int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	env := &testEnv{store: s, hub: streaming.NewMemoryHub(0)}

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.lookups.Add(1)
		domain := r.URL.Query().Get("domain")
		w.Header().Set("Content-Type", "application/json")
		switch domain {
		case "down.io":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"upstream unavailable"}`))
			return
		case "nobody.org":
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"company": map[string]any{"name": strings.ToUpper(strings.TrimSuffix(domain, ".com"))},
		})
	}))
	t.Cleanup(api.Close)

	httpClient := adapters.NewHTTPClient(adapters.HTTPConfig{Timeout: 5 * time.Second})
	providers := adapters.NewRegistry()
	require.NoError(t, adapters.RegisterHTTPProviders(providers, []adapters.ProviderConfig{
		{Name: "company_lookup", URL: api.URL + "/lookup", Param: "domain"},
	}, httpClient))

	recorder := streaming.NewRecorder(s, env.hub, logger)
	exec, err := engine.NewExecutor(engine.ExecutorDeps{
		Store: s, Providers: providers, HTTP: httpClient, Events: recorder, Logger: logger,
	}, engine.DefaultExecutorConfig())
	require.NoError(t, err)
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	validator, err := validation.NewColumnValidator(providers, cel)
	require.NoError(t, err)

	env.service, err = workspace.NewService(workspace.Deps{
		Store: s, Executor: exec, Validator: validator, Events: recorder, Logger: logger,
	}, workspace.Config{AutoRun: autorun.Config{Debounce: 10 * time.Millisecond}})
	require.NoError(t, err)
	t.Cleanup(env.service.Shutdown)

	env.server = gridmcp.NewGridServer(gridmcp.GridServerDeps{
		Service: env.service, Store: s, Hub: env.hub, Logger: logger,
	})
	return env
}

type leads struct {
	sess    *workspace.Session
	table   *schema.Table
	domain  *schema.Column
	company *schema.Column
	label   *schema.Column
	rows    []*schema.Row
}

// seedLeads builds Domain → Company (enrichment) → Label (formula) over
// three rows, one of which the provider fails on.
func (e *testEnv) seedLeads(t *testing.T) *leads {
	t.Helper()
	ctx := context.Background()
	sess, err := e.service.Create(ctx, "Leads", false)
	require.NoError(t, err)
	tbl, err := sess.CreateTable(ctx, "Accounts")
	require.NoError(t, err)

	domain, err := sess.AddColumn(ctx, tbl.ID, &schema.Column{Name: "Domain", Type: schema.ColumnTypeField,
		Config: &schema.FieldConfig{SourceField: "domain"}})
	require.NoError(t, err)
	company, err := sess.AddColumn(ctx, tbl.ID, &schema.Column{Name: "Company", Type: schema.ColumnTypeEnrichment,
		Config: &schema.EnrichmentConfig{Function: "company_lookup", InputColumnID: domain.ID, OutputField: "company.name"}})
	require.NoError(t, err)
	label, err := sess.AddColumn(ctx, tbl.ID, &schema.Column{Name: "Label", Type: schema.ColumnTypeFormula,
		Config: &schema.FormulaConfig{Expression: `CONCAT(/Company, " @ ", /Domain)`}})
	require.NoError(t, err)
	rows, err := sess.AddRows(ctx, tbl.ID, []map[string]string{
		{"domain": "acme.com"}, {"domain": "down.io"}, {"domain": "globex.com"},
	})
	require.NoError(t, err)

	return &leads{sess: sess, table: tbl, domain: domain, company: company, label: label, rows: rows}
}

// callTool invokes a tool through the MCP server's HandleMessage (full JSON-RPC round-trip).
func (e *testEnv) callTool(t *testing.T, toolName string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	mcpSrv := e.server.MCPServer()

	rawInit, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      0,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "e2e-test", "version": "1.0.0"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, mcpSrv.HandleMessage(ctx, rawInit))

	rawReq, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": toolName, "arguments": args},
	})
	require.NoError(t, err)
	resp := mcpSrv.HandleMessage(ctx, rawReq)
	require.NotNil(t, resp)

	respBytes, err := json.Marshal(resp)
	require.NoError(t, err)
	var rpcResp struct {
		Result *mcp.CallToolResult `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpcResp))
	if rpcResp.Error != nil {
		t.Fatalf("JSON-RPC error: code=%d, msg=%s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	require.NotNil(t, rpcResp.Result)
	return rpcResp.Result
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func extractJSON(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.False(t, result.IsError, extractText(t, result))
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

func (e *testEnv) cell(t *testing.T, rowID, columnID string) *schema.Cell {
	t.Helper()
	c, err := e.store.GetCell(context.Background(), rowID, columnID)
	require.NoError(t, err)
	return c
}

// --- Tests ---

func TestE2E_RunStatusAndEvents(t *testing.T) {
	env := newTestEnv(t)
	l := env.seedLeads(t)

	var run struct {
		Runs []*schema.Run `json:"runs"`
	}
	extractJSON(t, env.callTool(t, "grid.run", map[string]any{
		"workspace_id": l.sess.ID(),
		"table_id":     l.table.ID,
	}), &run)
	require.Len(t, run.Runs, 1)
	assert.Equal(t, schema.RunCounts{Total: 3, Succeeded: 2, Failed: 1}, run.Runs[0].Counts)
	assert.Equal(t, int64(3), env.lookups.Load())

	assert.Equal(t, "ACME", env.cell(t, l.rows[0].ID, l.company.ID).Value.Text)
	failed := env.cell(t, l.rows[1].ID, l.company.ID)
	assert.Equal(t, schema.CellStatusError, failed.Status)
	assert.NotEmpty(t, failed.ErrorMessage)

	snap, err := l.sess.Snapshot(context.Background(), l.table.ID)
	require.NoError(t, err)
	assert.Equal(t, "GLOBEX @ globex.com", snap.Grid.DisplayValue(l.rows[2], l.label.ID))

	var status struct {
		Totals engine.Progress `json:"totals"`
	}
	extractJSON(t, env.callTool(t, "grid.status", map[string]any{"workspace_id": l.sess.ID()}), &status)
	assert.Equal(t, engine.Progress{Total: 3, Complete: 2, Error: 1}, status.Totals)

	var events struct {
		Events []*schema.GridEvent `json:"events"`
	}
	extractJSON(t, env.callTool(t, "grid.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"workspace_id": l.sess.ID()},
	}), &events)
	var types []string
	for i, ev := range events.Events {
		assert.Equal(t, int64(i+1), ev.Sequence, "sequences are dense per workspace")
		types = append(types, ev.Type)
	}
	assert.Equal(t, schema.EventRunStarted, types[0])
	assert.Equal(t, schema.EventRunCompleted, types[len(types)-1])
	assert.Contains(t, types, schema.EventCellUpdated)
}

func TestE2E_ProviderMissIsEmpty(t *testing.T) {
	env := newTestEnv(t)
	l := env.seedLeads(t)
	ctx := context.Background()

	rows, err := l.sess.AddRows(ctx, l.table.ID, []map[string]string{{"domain": "nobody.org"}})
	require.NoError(t, err)
	run, err := l.sess.RunColumn(ctx, engine.RunRequest{TableID: l.table.ID, ColumnID: l.company.ID, RowIDs: []string{rows[0].ID}})
	require.NoError(t, err)

	assert.Equal(t, schema.RunCounts{Total: 1, Empty: 1}, run.Counts)
	assert.Equal(t, schema.CellStatusEmpty, env.cell(t, rows[0].ID, l.company.ID).Status)
}

func TestE2E_AutoRunRetriesOnlyIncomplete(t *testing.T) {
	env := newTestEnv(t)
	l := env.seedLeads(t)
	ctx := context.Background()

	_, err := l.sess.RunAll(ctx, l.table.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), env.lookups.Load())

	var sweep struct {
		Sweep *autorun.SweepResult `json:"sweep"`
	}
	extractJSON(t, env.callTool(t, "grid.autorun", map[string]any{
		"workspace_id": l.sess.ID(),
		"action":       "sweep",
	}), &sweep)
	require.NotNil(t, sweep.Sweep)
	assert.Equal(t, 1, sweep.Sweep.Cells, "only the error cell is retried")
	assert.Equal(t, int64(4), env.lookups.Load())

	_, err = l.sess.RunColumn(ctx, engine.RunRequest{TableID: l.table.ID, ColumnID: l.company.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(7), env.lookups.Load(), "a manual run re-executes every row")
}

func TestE2E_SandboxNeverPersists(t *testing.T) {
	env := newTestEnv(t)
	l := env.seedLeads(t)
	ctx := context.Background()

	extractJSON(t, env.callTool(t, "grid.sandbox", map[string]any{
		"workspace_id": l.sess.ID(), "action": "on",
	}), &map[string]any{})
	var run struct {
		Sandbox bool          `json:"sandbox"`
		Runs    []*schema.Run `json:"runs"`
	}
	extractJSON(t, env.callTool(t, "grid.run", map[string]any{
		"workspace_id": l.sess.ID(),
		"table_id":     l.table.ID,
		"column_id":    l.company.ID,
	}), &run)
	assert.True(t, run.Sandbox)
	assert.Equal(t, int64(0), env.lookups.Load(), "sandbox runs never call providers")

	first, err := l.sess.Snapshot(ctx, l.table.ID)
	require.NoError(t, err)
	second, err := l.sess.Snapshot(ctx, l.table.ID)
	require.NoError(t, err)
	mock := first.Grid.RawValue(l.rows[0], l.company.ID)
	assert.NotEmpty(t, mock)
	assert.Equal(t, mock, second.Grid.RawValue(l.rows[0], l.company.ID))

	cells, err := env.store.ListCells(ctx, l.table.ID, store.Page{Limit: 100})
	require.NoError(t, err)
	assert.Empty(t, cells)

	extractJSON(t, env.callTool(t, "grid.sandbox", map[string]any{
		"workspace_id": l.sess.ID(), "action": "go_live",
	}), &map[string]any{})
	assert.Equal(t, int64(3), env.lookups.Load())
	assert.Equal(t, "ACME", env.cell(t, l.rows[0].ID, l.company.ID).Value.Text)
}

func TestE2E_ExportReadsBack(t *testing.T) {
	env := newTestEnv(t)
	l := env.seedLeads(t)
	ctx := context.Background()
	_, err := l.sess.RunAll(ctx, l.table.ID)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, export.Write(ctx, &buf, l.sess, []*schema.Table{l.table}, export.Options{Errors: true}))
	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Accounts")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"Domain", "Company", "Label"}, rows[0])
	assert.Equal(t, []string{"acme.com", "ACME", "ACME @ acme.com"}, rows[1])
	assert.True(t, strings.HasPrefix(rows[2][1], expressions.ErrorPrefix), rows[2][1])
}
