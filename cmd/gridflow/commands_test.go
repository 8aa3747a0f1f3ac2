package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gridflow/pkg/schema"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		dbFlag, logLevel, configPath = "", "", ""
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestWorkspaceCreate_InMemory(t *testing.T) {
	out, err := execute(t, "--db", memoryDB, "--log-level", "error", "workspace", "create", "Leads")
	require.NoError(t, err)

	var ws schema.Workspace
	require.NoError(t, json.Unmarshal([]byte(out), &ws))
	assert.Equal(t, "Leads", ws.Name)
	assert.NotEmpty(t, ws.ID)
	assert.Equal(t, memoryDB, cfg.DBPath)
}

func TestRun_UnknownWorkspace(t *testing.T) {
	_, err := execute(t, "--db", memoryDB, "--log-level", "error", "run", "missing", "tbl")
	var ge *schema.GridError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, schema.ErrCodeNotFound, ge.Code)
}

func TestSelectTables(t *testing.T) {
	all := []*schema.Table{{ID: "a", Position: 0}, {ID: "b", Position: 1}}
	list := func(context.Context) ([]*schema.Table, error) { return all, nil }
	ctx := context.Background()

	got, err := selectTables(ctx, list, nil)
	require.NoError(t, err)
	assert.Equal(t, all, got)

	got, err = selectTables(ctx, list, []string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []*schema.Table{all[1], all[0]}, got)

	_, err = selectTables(ctx, list, []string{"c"})
	assert.Error(t, err)
}
