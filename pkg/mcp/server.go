package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/gridflow/internal/logging"
	"github.com/rendis/gridflow/internal/store"
	"github.com/rendis/gridflow/internal/streaming"
	"github.com/rendis/gridflow/internal/workspace"
)

// GridServerDeps holds the dependencies for creating a GridServer.
type GridServerDeps struct {
	Service *workspace.Service
	Store   store.Store
	Hub     streaming.Hub
	Logger  *slog.Logger
}

// GridServer wraps an MCP server with grid tool handlers.
type GridServer struct {
	service   *workspace.Service
	store     store.Store
	hub       streaming.Hub
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewGridServer creates a GridServer with all tools registered.
func NewGridServer(deps GridServerDeps) *GridServer {
	s := &GridServer{
		service:  deps.Service,
		store:    deps.Store,
		hub:      deps.Hub,
		sessions: NewSessionRegistry(),
		logger:   logging.OrDefault(deps.Logger),
	}

	mcpSrv := server.NewMCPServer(
		"gridflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Gridflow runs spreadsheet columns that compute, enrich or fetch values per row. Use grid.run to execute a column or a whole table, grid.status for cell progress and auto-run state, grid.set_cell to edit a field cell, grid.sandbox to preview runs with mock values, grid.autorun to control automatic re-runs, and grid.query to list workspaces, tables, runs or events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Grid events of watched workspaces are forwarded to the
// client while serving.
func (s *GridServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.hub != nil {
		notifier := NewMCPNotifier(s.mcpServer, s.sessions, s.logger)
		go func() {
			if err := notifier.Forward(ctx, s.hub); err != nil && ctx.Err() == nil {
				s.logger.Warn("event forwarding stopped", "error", err)
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *GridServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the registry of clients watching workspaces.
func (s *GridServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *GridServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: setCellTool(), Handler: s.handleSetCell},
		{Tool: sandboxTool(), Handler: s.handleSandbox},
		{Tool: autorunTool(), Handler: s.handleAutoRun},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("grid.run",
		mcp.WithDescription("Run one executable column, or every executable column of a table"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("ID of the workspace")),
		mcp.WithString("table_id", mcp.Required(), mcp.Description("ID of the table")),
		mcp.WithString("column_id", mcp.Description("Column to run (default: all executable columns in position order)")),
		mcp.WithArray("row_ids", mcp.Description("Restrict the run to these rows (default: every row)"), mcp.WithStringItems()),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("grid.status",
		mcp.WithDescription("Get cell progress and auto-run state of a workspace"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("ID of the workspace")),
		mcp.WithString("table_id", mcp.Description("Limit progress to one table")),
	)
}

func setCellTool() mcp.Tool {
	return mcp.NewTool("grid.set_cell",
		mcp.WithDescription("Edit the value of a field cell"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("ID of the workspace")),
		mcp.WithString("row_id", mcp.Required(), mcp.Description("ID of the row")),
		mcp.WithString("column_id", mcp.Required(), mcp.Description("ID of the column")),
		mcp.WithString("value", mcp.Description("New text (empty clears the edit)")),
	)
}

func sandboxTool() mcp.Tool {
	return mcp.NewTool("grid.sandbox",
		mcp.WithDescription("Turn sandbox mode on or off, or replay sandbox runs against real providers"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("ID of the workspace")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("on", "off", "go_live"),
			mcp.Description("on starts a sandbox, off discards it, go_live re-runs its columns for real"),
		),
	)
}

func autorunTool() mcp.Tool {
	return mcp.NewTool("grid.autorun",
		mcp.WithDescription("Enable or disable auto-run, or sweep incomplete cells now"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("ID of the workspace")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("enable", "disable", "sweep"),
			mcp.Description("Action to apply"),
		),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("grid.query",
		mcp.WithDescription("Query workspaces, tables, runs, or events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workspaces", "tables", "runs", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workspace_id, table_id, column_id, type, since, limit)")),
	)
}
