package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/gridflow/internal/adapters"
	"github.com/rendis/gridflow/internal/autorun"
	"github.com/rendis/gridflow/internal/engine"
)

// memoryDB selects the in-memory store instead of a database file.
const memoryDB = ":memory:"

// Config holds all gridflow configuration.
// Priority: GRIDFLOW_* env vars > settings.yaml > defaults.
type Config struct {
	DBPath    string                    `mapstructure:"db_path"`
	LogLevel  string                    `mapstructure:"log_level"`
	Executor  engine.ExecutorConfig     `mapstructure:"executor"`
	AutoRun   autorun.Config            `mapstructure:"auto_run"`
	HTTP      HTTPSettings              `mapstructure:"http"`
	AI        AISettings                `mapstructure:"ai"`
	Lock      LockSettings              `mapstructure:"lock"`
	Providers []adapters.ProviderConfig `mapstructure:"providers"`
}

// HTTPSettings configures HTTP columns and HTTP-backed providers.
type HTTPSettings struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxResponseBody int64         `mapstructure:"max_response_body"`
}

// AISettings configures the OpenAI-compatible chat client. AI columns fail
// when no API key is set.
type AISettings struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LockSettings bounds how long a command waits for the database lock.
type LockSettings struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

func gridflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gridflow"
	}
	return filepath.Join(home, ".gridflow")
}

func setDefaults(v *viper.Viper) {
	exec := engine.DefaultExecutorConfig()
	v.SetDefault("db_path", filepath.Join(gridflowDir(), "gridflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("executor.default_batch_size", exec.DefaultBatchSize)
	v.SetDefault("executor.max_batch_size", exec.MaxBatchSize)
	v.SetDefault("executor.max_ai_batch_size", exec.MaxAIBatchSize)
	v.SetDefault("executor.sandbox_row_limit", exec.SandboxRowLimit)
	v.SetDefault("executor.rate_limit.max_attempts", exec.RateLimit.MaxAttempts)
	v.SetDefault("executor.rate_limit.backoff", exec.RateLimit.Backoff)
	v.SetDefault("executor.rate_limit.delay", exec.RateLimit.Delay)
	v.SetDefault("executor.rate_limit.max_delay", exec.RateLimit.MaxDelay)
	v.SetDefault("executor.circuit_breaker.failure_threshold", exec.CircuitBreaker.FailureThreshold)
	v.SetDefault("executor.circuit_breaker.cooldown", exec.CircuitBreaker.Cooldown)
	v.SetDefault("executor.circuit_breaker.half_open_max", exec.CircuitBreaker.HalfOpenMax)
	v.SetDefault("executor.cell_write.max_attempts", exec.CellWrite.MaxAttempts)
	v.SetDefault("executor.cell_write.backoff", exec.CellWrite.Backoff)
	v.SetDefault("executor.cell_write.delay", exec.CellWrite.Delay)
	v.SetDefault("executor.cell_write.max_delay", exec.CellWrite.MaxDelay)
	v.SetDefault("auto_run.debounce", autorun.DefaultDebounce)
	v.SetDefault("auto_run.refresh_cron", "")
	v.SetDefault("http.timeout", adapters.DefaultHTTPTimeout)
	v.SetDefault("http.max_response_body", 0)
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", adapters.DefaultAIModel)
	v.SetDefault("ai.timeout", 0)
	v.SetDefault("lock.timeout", 5*time.Second)
}

// loadConfig layers defaults, the settings file and the environment.
// An empty path reads settings.yaml from the gridflow directory if it
// exists; an explicit path must exist.
func loadConfig(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("settings")
		v.SetConfigType("yaml")
		v.AddConfigPath(gridflowDir())
	}
	v.SetEnvPrefix("GRIDFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
