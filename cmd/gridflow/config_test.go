package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gridflow/internal/adapters"
	"github.com/rendis/gridflow/internal/autorun"
	"github.com/rendis/gridflow/internal/engine"
)

func TestLoadConfig_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	c, err := loadConfig(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".gridflow", "gridflow.db"), c.DBPath)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, engine.DefaultExecutorConfig(), c.Executor)
	assert.Equal(t, autorun.DefaultDebounce, c.AutoRun.Debounce)
	assert.Equal(t, adapters.DefaultHTTPTimeout, c.HTTP.Timeout)
	assert.Equal(t, adapters.DefaultAIModel, c.AI.Model)
	assert.Equal(t, 5*time.Second, c.Lock.Timeout)
	assert.Empty(t, c.Providers)
}

func TestLoadConfig_SettingsFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".gridflow")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte(`
log_level: debug
executor:
  default_batch_size: 8
auto_run:
  debounce: 250ms
  refresh_cron: "@every 10m"
providers:
  - name: company_lookup
    url: https://example.test/lookup
    shape: match
`), 0o600))

	c, err := loadConfig(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 8, c.Executor.DefaultBatchSize)
	assert.Equal(t, engine.MaxBatchSize, c.Executor.MaxBatchSize)
	assert.Equal(t, 250*time.Millisecond, c.AutoRun.Debounce)
	assert.Equal(t, "@every 10m", c.AutoRun.RefreshCron)
	require.Len(t, c.Providers, 1)
	assert.Equal(t, "company_lookup", c.Providers[0].Name)
	assert.Equal(t, adapters.ShapeMatch, c.Providers[0].Shape)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db_path: /tmp/from-file.db\nai:\n  model: file-model\n"), 0o600))
	t.Setenv("GRIDFLOW_DB_PATH", memoryDB)
	t.Setenv("GRIDFLOW_AI_API_KEY", "sk-test")
	t.Setenv("GRIDFLOW_EXECUTOR_SANDBOX_ROW_LIMIT", "3")

	c, err := loadConfig(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, memoryDB, c.DBPath)
	assert.Equal(t, "sk-test", c.AI.APIKey)
	assert.Equal(t, "file-model", c.AI.Model)
	assert.Equal(t, 3, c.Executor.SandboxRowLimit)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, err := loadConfig(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
