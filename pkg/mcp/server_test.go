package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGridServer(t *testing.T) {
	s := NewGridServer(GridServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Sessions())
}

func TestToolRegistration(t *testing.T) {
	s := NewGridServer(GridServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	expectedTools := []string{
		"grid.run",
		"grid.status",
		"grid.set_cell",
		"grid.sandbox",
		"grid.autorun",
		"grid.query",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"run", "grid.run", "Run one executable column, or every executable column of a table"},
		{"status", "grid.status", "Get cell progress and auto-run state of a workspace"},
		{"set_cell", "grid.set_cell", "Edit the value of a field cell"},
		{"sandbox", "grid.sandbox", "Turn sandbox mode on or off, or replay sandbox runs against real providers"},
		{"autorun", "grid.autorun", "Enable or disable auto-run, or sweep incomplete cells now"},
		{"query", "grid.query", "Query workspaces, tables, runs, or events"},
	}

	s := NewGridServer(GridServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

func TestRequiredParams(t *testing.T) {
	s := NewGridServer(GridServerDeps{})

	for name, params := range map[string][]string{
		"grid.run":      {"workspace_id", "table_id"},
		"grid.set_cell": {"workspace_id", "row_id", "column_id"},
		"grid.sandbox":  {"workspace_id", "action"},
		"grid.query":    {"resource"},
	} {
		tool := s.mcpServer.GetTool(name)
		require.NotNil(t, tool)
		assert.ElementsMatch(t, params, tool.Tool.InputSchema.Required, name)
	}
}
