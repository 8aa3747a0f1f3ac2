package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/gridflow/internal/adapters"
	"github.com/rendis/gridflow/internal/columns"
	"github.com/rendis/gridflow/internal/expressions"
	"github.com/rendis/gridflow/internal/logging"
	"github.com/rendis/gridflow/internal/store"
	"github.com/rendis/gridflow/pkg/schema"
)

// Executor runs executable columns over rows of a table.
type Executor interface {
	// RunColumn executes one column over the requested rows (all rows when
	// RowIDs is nil), regardless of the cells' current status.
	RunColumn(ctx context.Context, req RunRequest) (*schema.Run, error)

	// RunAll runs every executable column of a table in table order, one
	// column completing before the next starts.
	RunAll(ctx context.Context, tableID string, trigger schema.RunTrigger) ([]*schema.Run, error)

	// RunSandbox writes mock values for the requested rows into overlay
	// instead of calling adapters. Nothing is persisted.
	RunSandbox(ctx context.Context, req RunRequest, overlay *Overlay) (*schema.Run, error)

	// Progress returns per-column status counts for a table.
	Progress(ctx context.Context, tableID string) (*TableProgress, error)
}

// RunRequest selects a column and the rows to execute it on.
type RunRequest struct {
	TableID  string            `json:"table_id"`
	ColumnID string            `json:"column_id"`
	RowIDs   []string          `json:"row_ids,omitempty"`
	Trigger  schema.RunTrigger `json:"trigger"`
}

// CellWriter persists cell transitions.
type CellWriter interface {
	UpsertCell(ctx context.Context, cell *schema.Cell) error
}

// EventSink receives cell and run events. Implementations must not block.
type EventSink interface {
	Emit(ctx context.Context, event *schema.GridEvent)
}

// Batch size bounds.
const (
	DefaultBatchSize = 5
	MaxBatchSize     = 10
	MaxAIBatchSize   = 20
)

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	DefaultBatchSize int                  `mapstructure:"default_batch_size"`
	MaxBatchSize     int                  `mapstructure:"max_batch_size"`
	MaxAIBatchSize   int                  `mapstructure:"max_ai_batch_size"`
	SandboxRowLimit  int                  `mapstructure:"sandbox_row_limit"`
	RateLimit        RetryPolicy          `mapstructure:"rate_limit"`
	CircuitBreaker   CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	// CellWrite bounds retries of a unit's final cell write.
	CellWrite RetryPolicy `mapstructure:"cell_write"`
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultBatchSize: DefaultBatchSize,
		MaxBatchSize:     MaxBatchSize,
		MaxAIBatchSize:   MaxAIBatchSize,
		SandboxRowLimit:  SandboxRowLimit,
		RateLimit:        DefaultRateLimitPolicy(),
		CircuitBreaker:   DefaultCircuitBreakerConfig(),
		CellWrite: RetryPolicy{
			MaxAttempts: 3,
			Backoff:     BackoffLinear,
			Delay:       50 * time.Millisecond,
			MaxDelay:    500 * time.Millisecond,
		},
	}
}

// ExecutorDeps are the collaborators of an executor. Store and Providers
// are required; a nil Chat fails AI cells, a nil HTTP uses a default client.
type ExecutorDeps struct {
	Store     store.Store
	Providers adapters.ProviderRegistry
	Chat      adapters.ChatCompleter
	HTTP      *adapters.HTTPClient
	Events    EventSink
	Mocks     *MockGenerator
	Logger    *slog.Logger
}

type executorImpl struct {
	store     store.Store
	providers adapters.ProviderRegistry
	chat      adapters.ChatCompleter
	http      *adapters.HTTPClient
	events    EventSink
	mocks     *MockGenerator
	logger    *slog.Logger
	config    ExecutorConfig
	cel       *expressions.CELEngine
	jq        *expressions.GoJQEngine

	breakerMu sync.Mutex
	breakers  map[string]*CircuitBreakerRegistry // by workspace
}

// NewExecutor creates an Executor.
func NewExecutor(deps ExecutorDeps, cfg ExecutorConfig) (Executor, error) {
	if deps.Store == nil || deps.Providers == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires a store and a provider registry")
	}
	def := DefaultExecutorConfig()
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = def.DefaultBatchSize
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MaxAIBatchSize <= 0 {
		cfg.MaxAIBatchSize = def.MaxAIBatchSize
	}
	if cfg.SandboxRowLimit <= 0 {
		cfg.SandboxRowLimit = def.SandboxRowLimit
	}
	if cfg.RateLimit.MaxAttempts <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.CellWrite.MaxAttempts <= 0 {
		cfg.CellWrite = def.CellWrite
	}
	if cfg.CircuitBreaker.Cooldown <= 0 {
		cfg.CircuitBreaker.Cooldown = def.CircuitBreaker.Cooldown
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("init cel: %w", err)
	}
	httpClient := deps.HTTP
	if httpClient == nil {
		httpClient = adapters.NewHTTPClient(adapters.HTTPConfig{})
	}
	mocks := deps.Mocks
	if mocks == nil {
		mocks = NewMockGenerator()
	}

	return &executorImpl{
		store:     deps.Store,
		providers: deps.Providers,
		chat:      deps.Chat,
		http:      httpClient,
		events:    deps.Events,
		mocks:     mocks,
		logger:    logging.OrDefault(deps.Logger),
		config:    cfg,
		breakers:  make(map[string]*CircuitBreakerRegistry),
		cel:       celEngine,
		jq:        expressions.NewGoJQEngine(),
	}, nil
}

// BatchSize returns the effective batch size of a column: its configured
// size, or the default, capped per column type.
func (e *executorImpl) BatchSize(col *schema.Column) int {
	size := schema.ExecOptionsOf(col.Config).BatchSize
	if size <= 0 {
		size = e.config.DefaultBatchSize
	}
	limit := e.config.MaxBatchSize
	if col.Type == schema.ColumnTypeAI {
		limit = e.config.MaxAIBatchSize
	}
	return min(size, limit)
}

func (e *executorImpl) RunColumn(ctx context.Context, req RunRequest) (*schema.Run, error) {
	snap, err := LoadSnapshot(ctx, e.store, req.TableID, nil)
	if err != nil {
		return nil, err
	}
	return e.runColumn(ctx, snap, req)
}

func (e *executorImpl) RunAll(ctx context.Context, tableID string, trigger schema.RunTrigger) ([]*schema.Run, error) {
	snap, err := LoadSnapshot(ctx, e.store, tableID, nil)
	if err != nil {
		return nil, err
	}
	var runs []*schema.Run
	for i, col := range snap.ExecutableColumns() {
		if err := ctx.Err(); err != nil {
			return runs, err
		}
		// Later columns may read earlier columns' results.
		if i > 0 {
			if snap, err = LoadSnapshot(ctx, e.store, tableID, nil); err != nil {
				return runs, err
			}
		}
		run, err := e.runColumn(ctx, snap, RunRequest{TableID: tableID, ColumnID: col.ID, Trigger: trigger})
		if err != nil {
			return runs, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (e *executorImpl) runColumn(ctx context.Context, snap *Snapshot, req RunRequest) (*schema.Run, error) {
	col, err := executableColumn(snap, req.ColumnID)
	if err != nil {
		return nil, err
	}
	if req.Trigger == "" {
		req.Trigger = schema.RunTriggerManual
	}
	rows := snap.SelectRows(req.RowIDs)

	ctx = logging.WithColumnID(logging.WithTableID(logging.WithWorkspaceID(ctx, snap.Table.WorkspaceID), snap.Table.ID), col.ID)
	run := &schema.Run{
		ID:          uuid.New().String(),
		WorkspaceID: snap.Table.WorkspaceID,
		TableID:     snap.Table.ID,
		ColumnID:    col.ID,
		Trigger:     req.Trigger,
		StartedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	e.emitRun(ctx, schema.EventRunStarted, run)

	batch := e.BatchSize(col)
	e.logger.InfoContext(ctx, "column run started",
		"column", col.Name, "type", col.Type, "rows", len(rows), "batch_size", batch, "trigger", req.Trigger)

	counts, runErr := e.executeRows(ctx, snap, col, rows, batch, e.store, func(ctx context.Context, row *schema.Row) (cellOutcome, *schema.Cell) {
		return e.evaluateCell(ctx, snap.Grid, col, row)
	})

	now := time.Now().UTC()
	run.Counts = counts
	run.CompletedAt = &now
	if err := e.store.CompleteRun(context.WithoutCancel(ctx), run.ID, counts); err != nil {
		e.logger.ErrorContext(ctx, "failed to record run completion", "run_id", run.ID, "error", err)
	}
	e.emitRun(ctx, schema.EventRunCompleted, run)
	e.logger.InfoContext(ctx, "column run completed",
		"column", col.Name, "succeeded", counts.Succeeded, "failed", counts.Failed,
		"empty", counts.Empty, "skipped", counts.Skipped, "duration", now.Sub(run.StartedAt))

	return run, runErr
}

func executableColumn(snap *Snapshot, columnID string) (*schema.Column, error) {
	col, ok := snap.Grid.Column(columnID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "column %q not found in table %s", columnID, snap.Table.ID)
	}
	if !col.Executable() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "column %q is a %s column and is not executable", col.Name, col.Type).
			WithColumn(col.ID)
	}
	return col, nil
}

// cellOutcome classifies how one unit of work ended.
type cellOutcome int

const (
	outcomeComplete cellOutcome = iota
	outcomeEmpty
	outcomeSkipped
	outcomeError
)

type cellFunc func(ctx context.Context, row *schema.Row) (cellOutcome, *schema.Cell)

// executeRows runs fn for every row with at most batch units in flight. Each
// unit marks its cell pending, then writes the final cell. A panicking unit
// still ends with an error cell, and a unit whose final write cannot be
// stored counts as failed.
func (e *executorImpl) executeRows(ctx context.Context, snap *Snapshot, col *schema.Column, rows []*schema.Row,
	batch int, w CellWriter, fn cellFunc) (schema.RunCounts, error) {

	var (
		mu     sync.Mutex
		counts = schema.RunCounts{Total: len(rows)}
	)
	record := func(o cellOutcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeComplete:
			counts.Succeeded++
		case outcomeEmpty:
			counts.Empty++
		case outcomeSkipped:
			counts.Skipped++
		default:
			counts.Failed++
		}
	}

	pool := NewWorkerPool(batch)
	defer pool.Shutdown()

	err := pool.ForEach(ctx, len(rows), func(ctx context.Context, i int) error {
		row := rows[i]
		ctx = logging.WithRowID(ctx, row.ID)
		// In-flight units finish even when the run's context is cancelled.
		writeCtx := context.WithoutCancel(ctx)

		outcome := outcomeError
		defer func() {
			if r := recover(); r != nil {
				e.logger.ErrorContext(ctx, "cell unit panicked", "panic", r)
				outcome = e.finishCell(writeCtx, snap, w, outcomeError,
					errorCell(row.ID, col.ID, fmt.Sprintf("internal error: %v", r)))
			}
			record(outcome)
		}()

		if err := e.writeCell(writeCtx, snap, w, &schema.Cell{RowID: row.ID, ColumnID: col.ID, Status: schema.CellStatusPending}); err != nil {
			e.logger.WarnContext(ctx, "failed to mark cell pending", "error", err)
		}
		o, cell := fn(ctx, row)
		outcome = e.finishCell(writeCtx, snap, w, o, cell)
		if outcome == outcomeError {
			return fmt.Errorf("row %s failed", row.ID)
		}
		return nil
	})
	if err != nil {
		// Rows never submitted keep their previous status.
		e.logger.WarnContext(ctx, "column run interrupted", "error", err)
		mu.Lock()
		counts.Total = counts.Succeeded + counts.Failed + counts.Empty + counts.Skipped
		mu.Unlock()
	}
	return counts, err
}

// cellDeleter is implemented by writers that can drop a cell.
type cellDeleter interface {
	DeleteCell(ctx context.Context, rowID, columnID string) error
}

// finishCell stores a unit's final cell and returns the outcome to count.
// When the cell cannot be stored it tries an error cell, then clears the
// pending mark so the row reads as empty and a later sweep picks it up.
func (e *executorImpl) finishCell(ctx context.Context, snap *Snapshot, w CellWriter, o cellOutcome, cell *schema.Cell) cellOutcome {
	err := e.persistCell(ctx, snap, w, cell)
	if err == nil {
		return o
	}
	e.logger.ErrorContext(ctx, "failed to persist cell", "status", cell.Status, "error", err)

	if cell.Status != schema.CellStatusError {
		fallback := errorCell(cell.RowID, cell.ColumnID, "failed to store result: "+schema.CellMessage(err))
		if e.persistCell(ctx, snap, w, fallback) == nil {
			return outcomeError
		}
	}
	if d, ok := w.(cellDeleter); ok {
		if derr := d.DeleteCell(ctx, cell.RowID, cell.ColumnID); derr != nil {
			e.logger.ErrorContext(ctx, "cell left pending", "error", derr)
		}
	}
	return outcomeError
}

// persistCell writes cell, retrying per the CellWrite policy.
func (e *executorImpl) persistCell(ctx context.Context, snap *Snapshot, w CellWriter, cell *schema.Cell) error {
	policy := e.config.CellWrite
	var err error
	for attempt := 0; attempt < max(policy.MaxAttempts, 1); attempt++ {
		if attempt > 0 {
			if werr := WaitForBackoff(ctx, ComputeBackoff(policy, attempt-1)); werr != nil {
				return err
			}
		}
		if err = e.writeCell(ctx, snap, w, cell); err == nil {
			return nil
		}
	}
	return err
}

func (e *executorImpl) writeCell(ctx context.Context, snap *Snapshot, w CellWriter, cell *schema.Cell) error {
	if err := w.UpsertCell(ctx, cell); err != nil {
		return err
	}
	payload, _ := json.Marshal(cell)
	e.emit(ctx, &schema.GridEvent{
		WorkspaceID: snap.Table.WorkspaceID,
		TableID:     snap.Table.ID,
		ColumnID:    cell.ColumnID,
		RowID:       cell.RowID,
		Type:        schema.EventCellUpdated,
		Payload:     payload,
	})
	return nil
}

// evaluateCell computes one executable cell. It never returns a pending cell.
func (e *executorImpl) evaluateCell(ctx context.Context, grid *columns.Grid, col *schema.Column, row *schema.Row) (cellOutcome, *schema.Cell) {
	if skip, err := e.skipRow(ctx, grid, col, row); err != nil {
		return outcomeError, errorCell(row.ID, col.ID, schema.CellMessage(err))
	} else if skip {
		return outcomeSkipped, emptyCell(row.ID, col.ID)
	}

	var (
		value *schema.Value
		err   error
	)
	switch cfg := col.Config.(type) {
	case *schema.EnrichmentConfig:
		value, err = e.runEnrichment(ctx, grid, row, cfg)
	case *schema.AIConfig:
		value, err = e.runAI(ctx, grid, row, cfg)
	case *schema.HTTPConfig:
		value, err = e.runHTTP(ctx, grid, row, cfg)
	case *schema.WaterfallConfig:
		value, err = e.runWaterfall(ctx, grid, row, cfg)
	default:
		err = schema.NewErrorf(schema.ErrCodeValidation, "column type %s has no adapter", col.Type)
	}

	switch {
	case err != nil:
		e.logger.DebugContext(ctx, "cell failed", "error", err)
		return outcomeError, errorCell(row.ID, col.ID, schema.CellMessage(err))
	case value == nil:
		return outcomeEmpty, emptyCell(row.ID, col.ID)
	default:
		return outcomeComplete, &schema.Cell{RowID: row.ID, ColumnID: col.ID, Value: value, Status: schema.CellStatusComplete}
	}
}

// skipRow evaluates the column's optional runIf condition.
func (e *executorImpl) skipRow(ctx context.Context, grid *columns.Grid, col *schema.Column, row *schema.Row) (bool, error) {
	cond := schema.ExecOptionsOf(col.Config).RunIf
	if strings.TrimSpace(cond) == "" {
		return false, nil
	}
	ok, err := e.cel.Matches(ctx, cond, grid.RowValues(row), row.SourceData)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (e *executorImpl) runEnrichment(ctx context.Context, grid *columns.Grid, row *schema.Row, cfg *schema.EnrichmentConfig) (*schema.Value, error) {
	input := strings.TrimSpace(grid.RawValue(row, cfg.InputColumnID))
	if input == "" {
		return nil, nil
	}
	out, err := e.lookup(ctx, cfg.Function, input, cfg.OutputField)
	if err != nil || out == "" {
		return nil, err
	}
	return schema.TextValue(out), nil
}

// lookup calls a provider through its circuit breaker and extracts the
// output field. "" means the provider found nothing.
func (e *executorImpl) lookup(ctx context.Context, providerName, input, outputField string) (string, error) {
	provider, err := e.providers.Get(providerName)
	if err != nil {
		return "", err
	}
	result, err := e.breakersFor(logging.WorkspaceID(ctx)).Call(providerName, func() (any, error) {
		return provider.Lookup(ctx, input)
	})
	if err != nil {
		return "", wrapAdapterError(err)
	}
	if result == nil {
		return "", nil
	}
	return adapters.ExtractOutput(ctx, e.jq, result, outputField), nil
}

// breakersFor returns the breaker registry of one workspace, so a provider
// failing in one workspace never fails fast in another.
func (e *executorImpl) breakersFor(workspaceID string) *CircuitBreakerRegistry {
	e.breakerMu.Lock()
	defer e.breakerMu.Unlock()
	r, ok := e.breakers[workspaceID]
	if !ok {
		r = NewCircuitBreakerRegistry(e.config.CircuitBreaker)
		e.breakers[workspaceID] = r
	}
	return r
}

func (e *executorImpl) runAI(ctx context.Context, grid *columns.Grid, row *schema.Row, cfg *schema.AIConfig) (*schema.Value, error) {
	prompt := strings.TrimSpace(grid.Resolve(row, cfg.Prompt))
	if prompt == "" {
		return nil, nil
	}
	if e.chat == nil {
		return nil, schema.NewError(schema.ErrCodeUnavailable, "no AI client configured")
	}
	system := adapters.DefaultSystemPrompt
	if strings.TrimSpace(cfg.SystemPrompt) != "" {
		system = grid.Resolve(row, cfg.SystemPrompt)
	}
	req := adapters.ChatRequest{
		Messages:    adapters.BuildMessages(system, prompt),
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Stream:      cfg.Stream,
	}

	raw, err := Retry(ctx, e.config.RateLimit, func(ctx context.Context) (string, error) {
		return e.chat.Complete(ctx, req)
	})
	if err != nil {
		return nil, wrapAdapterError(err)
	}
	out, err := adapters.ParseAIOutput(ctx, e.jq, raw, cfg)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	return schema.TextValue(out), nil
}

func (e *executorImpl) runHTTP(ctx context.Context, grid *columns.Grid, row *schema.Row, cfg *schema.HTTPConfig) (*schema.Value, error) {
	url := strings.TrimSpace(grid.Resolve(row, cfg.URL))
	if url == "" {
		return nil, nil
	}
	req := adapters.HTTPRequest{
		Method: cfg.Method,
		URL:    url,
		Body:   grid.Resolve(row, cfg.Body),
	}
	if len(cfg.Headers) > 0 {
		req.Headers = make(map[string]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			req.Headers[k] = grid.Resolve(row, v)
		}
	}
	if cfg.Auth != nil {
		req.Auth = &schema.HTTPAuth{
			Type:     cfg.Auth.Type,
			Token:    grid.Resolve(row, cfg.Auth.Token),
			Username: grid.Resolve(row, cfg.Auth.Username),
			Password: grid.Resolve(row, cfg.Auth.Password),
		}
	}

	resp, err := e.http.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	out := adapters.ExtractOutput(ctx, e.jq, resp.Body, cfg.OutputField)
	if out == "" {
		return nil, nil
	}
	return schema.TextValue(out), nil
}

func (e *executorImpl) emitRun(ctx context.Context, typ string, run *schema.Run) {
	payload, _ := json.Marshal(run)
	e.emit(ctx, &schema.GridEvent{
		WorkspaceID: run.WorkspaceID,
		TableID:     run.TableID,
		ColumnID:    run.ColumnID,
		Type:        typ,
		Payload:     payload,
	})
}

func (e *executorImpl) emit(ctx context.Context, event *schema.GridEvent) {
	if e.events == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	e.events.Emit(ctx, event)
}

// wrapAdapterError keeps GridErrors and turns anything else a provider
// raised into an ADAPTER_ERROR with the message verbatim.
func wrapAdapterError(err error) error {
	if err == nil {
		return nil
	}
	var ge *schema.GridError
	if errors.As(err, &ge) {
		return err
	}
	return schema.NewError(schema.ErrCodeAdapter, err.Error()).WithCause(err)
}

func errorCell(rowID, columnID, msg string) *schema.Cell {
	return &schema.Cell{RowID: rowID, ColumnID: columnID, Status: schema.CellStatusError, ErrorMessage: msg}
}

func emptyCell(rowID, columnID string) *schema.Cell {
	return &schema.Cell{RowID: rowID, ColumnID: columnID, Status: schema.CellStatusEmpty}
}
