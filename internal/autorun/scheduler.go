package autorun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/gridflow/internal/engine"
	"github.com/rendis/gridflow/internal/logging"
	"github.com/rendis/gridflow/internal/store"
	"github.com/rendis/gridflow/pkg/schema"
)

// DefaultDebounce is how long the scheduler waits after the last trigger
// before it sweeps.
const DefaultDebounce = 500 * time.Millisecond

// Trigger reasons.
const (
	ReasonRowsAdded    = "rows_added"
	ReasonColumnsAdded = "columns_added"
	ReasonInputEdited  = "input_edited"
	ReasonSchedule     = "schedule"
	ReasonEnabled      = "enabled"
	ReasonManual       = "manual"
)

// ErrSweeping is returned by SweepNow while another sweep is in flight.
var ErrSweeping = schema.NewError(schema.ErrCodeConflict, "an auto-run sweep is already in progress")

// ErrStopped is returned by SweepNow before Start or after Stop.
var ErrStopped = schema.NewError(schema.ErrCodeConflict, "auto-run is not running")

// Runner runs one column over specific rows. The workspace session
// satisfies it, so sandbox mode redirects sweeps to the overlay.
type Runner interface {
	RunColumn(ctx context.Context, req engine.RunRequest) (*schema.Run, error)
}

// SnapshotSource is implemented by runners that read cells through their
// own layer, such as the session's sandbox overlay. Sweeps pick incomplete
// rows from that view.
type SnapshotSource interface {
	Snapshot(ctx context.Context, tableID string) (*engine.Snapshot, error)
}

// State is the scheduler's sweep state.
type State int

const (
	StateIdle State = iota
	StateSweeping
)

func (s State) String() string {
	if s == StateSweeping {
		return "sweeping"
	}
	return "idle"
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Config configures a workspace scheduler.
type Config struct {
	Debounce time.Duration `mapstructure:"debounce"`
	// RefreshCron optionally schedules periodic sweeps so error cells get
	// retried, e.g. "*/15 * * * *" or "@every 10m".
	RefreshCron string `mapstructure:"refresh_cron"`
}

// Deps are the scheduler's collaborators. Store and Runner are required.
type Deps struct {
	Store  store.Store
	Runner Runner
	Events engine.EventSink
	Logger *slog.Logger
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Reason     string        `json:"reason"`
	Columns    int           `json:"columns"`
	Cells      int           `json:"cells"`
	Runs       []*schema.Run `json:"runs,omitempty"`
	Errors     []string      `json:"errors,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	WorkspaceID string       `json:"workspace_id"`
	Enabled     bool         `json:"enabled"`
	State       State        `json:"state"`
	Scheduled   bool         `json:"scheduled"`
	Sweeps      int          `json:"sweeps"`
	Dropped     int          `json:"dropped"`
	NextRefresh *time.Time   `json:"next_refresh,omitempty"`
	LastSweep   *SweepResult `json:"last_sweep,omitempty"`
}

type baseline struct {
	rows       int
	executable int
}

// Scheduler re-runs incomplete cells of one workspace after structural or
// data changes. It moves idle → sweeping → idle, coalesces triggers that
// arrive within the debounce window, and drops triggers that arrive while
// a sweep is running.
type Scheduler struct {
	workspaceID string
	store       store.Store
	runner      Runner
	events      engine.EventSink
	logger      *slog.Logger
	config      Config
	parser      cron.Parser
	cron        *cron.Cron

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	enabled   bool
	state     State
	timer     *time.Timer
	gen       uint64 // invalidates timers that fired after being replaced
	reason    string
	baselines map[string]baseline
	sweeps    int
	dropped   int
	last      *SweepResult
	wg        sync.WaitGroup
}

// New creates a scheduler for one workspace. It does nothing until Start.
func New(workspaceID string, deps Deps, cfg Config) (*Scheduler, error) {
	if deps.Store == nil || deps.Runner == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "auto-run requires a store and a runner")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	s := &Scheduler{
		workspaceID: workspaceID,
		store:       deps.Store,
		runner:      deps.Runner,
		events:      deps.Events,
		logger:      logging.OrDefault(deps.Logger).With(slog.String("workspace_id", workspaceID)),
		config:      cfg,
		parser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		baselines:   make(map[string]baseline),
	}
	if cfg.RefreshCron != "" {
		if _, err := s.parser.Parse(cfg.RefreshCron); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse refresh cron %q: %s", cfg.RefreshCron, err.Error()).WithCause(err)
		}
	}
	return s, nil
}

// Start reads the workspace's autoRun flag, captures the row and column
// baselines of every table, and starts the refresh schedule if one is
// configured.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("auto-run for workspace %s already started", s.workspaceID)
	}
	s.mu.Unlock()

	ws, err := s.store.GetWorkspace(ctx, s.workspaceID)
	if err != nil {
		return err
	}
	baselines, err := s.captureBaselines(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(logging.WithWorkspaceID(context.WithoutCancel(ctx), s.workspaceID))
	s.mu.Lock()
	s.ctx = runCtx
	s.cancel = cancel
	s.enabled = ws.AutoRun
	s.baselines = baselines
	s.mu.Unlock()

	if s.config.RefreshCron != "" {
		c := cron.New(cron.WithParser(s.parser))
		if _, err := c.AddFunc(s.config.RefreshCron, func() { s.Trigger(ReasonSchedule) }); err != nil {
			cancel()
			return fmt.Errorf("schedule refresh: %w", err)
		}
		c.Start()
		s.mu.Lock()
		s.cron = c
		s.mu.Unlock()
	}

	s.logger.Info("auto-run started", slog.Bool("enabled", ws.AutoRun), slog.Int("tables", len(baselines)))
	return nil
}

// Stop cancels any scheduled sweep, stops the refresh schedule and waits
// for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	c := s.cron
	s.cron = nil
	s.cancel()
	s.cancel = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.wg.Wait()
	s.logger.Info("auto-run stopped")
}

// SetEnabled turns auto-run on or off. Turning it on schedules a sweep;
// turning it off cancels a scheduled one. In-flight sweeps finish.
func (s *Scheduler) SetEnabled(on bool) {
	s.mu.Lock()
	was := s.enabled
	s.enabled = on
	if !on {
		s.stopTimerLocked()
	}
	s.mu.Unlock()

	if on && !was {
		s.Trigger(ReasonEnabled)
	}
}

// Enabled reports whether auto-run is on.
func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Trigger schedules a sweep after the debounce delay. A trigger inside the
// window of an earlier one restarts the window instead of adding a sweep.
// It reports whether the trigger was accepted: triggers are dropped while
// auto-run is off, stopped, or sweeping.
func (s *Scheduler) Trigger(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.cancel == nil {
		return false
	}
	if s.state == StateSweeping {
		s.dropped++
		s.logger.Debug("trigger dropped while sweeping", slog.String("reason", reason))
		return false
	}
	s.reason = reason
	if s.timer != nil {
		// A timer that already fired is about to sweep; let it.
		if s.timer.Stop() {
			s.timer.Reset(s.config.Debounce)
		}
		return true
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(s.config.Debounce, func() { s.fire(gen) })
	return true
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

// ObserveTable compares a table's row and executable-column counts with
// its baseline and triggers a sweep when either grew. The baseline then
// moves to the current counts.
func (s *Scheduler) ObserveTable(ctx context.Context, tableID string) (bool, error) {
	current, err := s.countTable(ctx, tableID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	prev := s.baselines[tableID]
	s.baselines[tableID] = current
	s.mu.Unlock()

	switch {
	case current.rows > prev.rows:
		return s.Trigger(ReasonRowsAdded), nil
	case current.executable > prev.executable:
		return s.Trigger(ReasonColumnsAdded), nil
	default:
		return false, nil
	}
}

// NoteEdit triggers a sweep when the edited column feeds an executable
// column of the same table.
func (s *Scheduler) NoteEdit(ctx context.Context, tableID, columnID string) (bool, error) {
	cols, err := s.store.ListColumns(ctx, tableID)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if !c.Executable() {
			continue
		}
		for _, in := range c.InputColumnIDs() {
			if in == columnID {
				return s.Trigger(ReasonInputEdited), nil
			}
		}
	}
	return false, nil
}

// SweepNow runs a sweep immediately, bypassing the debounce. It returns
// ErrSweeping when a sweep is already running and ErrStopped when the
// scheduler is not running. It runs even while auto-run is disabled.
func (s *Scheduler) SweepNow(ctx context.Context, reason string) (*SweepResult, error) {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if s.state == StateSweeping {
		s.dropped++
		s.mu.Unlock()
		return nil, ErrSweeping
	}
	s.state = StateSweeping
	s.stopTimerLocked()
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	return s.sweep(logging.WithWorkspaceID(ctx, s.workspaceID), reason), nil
}

// Status returns the scheduler's current state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		WorkspaceID: s.workspaceID,
		Enabled:     s.enabled,
		State:       s.state,
		Scheduled:   s.timer != nil,
		Sweeps:      s.sweeps,
		Dropped:     s.dropped,
	}
	if s.last != nil {
		last := *s.last
		st.LastSweep = &last
	}
	if s.config.RefreshCron != "" {
		if next, err := s.NextRefresh(time.Now()); err == nil {
			st.NextRefresh = &next
		}
	}
	return st
}

// NextRefresh computes the next scheduled refresh after from.
func (s *Scheduler) NextRefresh(from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(s.config.RefreshCron)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", s.config.RefreshCron, err)
	}
	return schedule.Next(from), nil
}

// fire runs on the debounce timer's goroutine.
func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if !s.enabled || s.cancel == nil || s.state == StateSweeping {
		s.mu.Unlock()
		return
	}
	s.state = StateSweeping
	ctx, reason := s.ctx, s.reason
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.sweep(ctx, reason)
}

// sweep runs every executable column over its incomplete rows, table by
// table in position order. The caller must have set StateSweeping.
func (s *Scheduler) sweep(ctx context.Context, reason string) *SweepResult {
	res := &SweepResult{Reason: reason, StartedAt: time.Now().UTC()}
	s.emit(ctx, schema.EventSweepStarted, "", res)
	s.logger.InfoContext(ctx, "auto-run sweep started", slog.String("reason", reason))

	defer func() {
		res.FinishedAt = time.Now().UTC()
		s.mu.Lock()
		s.state = StateIdle
		s.sweeps++
		s.last = res
		s.mu.Unlock()
		s.emit(ctx, schema.EventSweepFinished, "", res)
		s.logger.InfoContext(ctx, "auto-run sweep finished",
			slog.Int("columns", res.Columns), slog.Int("cells", res.Cells),
			slog.Int("errors", len(res.Errors)), slog.Duration("duration", res.FinishedAt.Sub(res.StartedAt)))
	}()

	tables, err := s.store.ListTables(ctx, s.workspaceID)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	for _, tbl := range tables {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, ctx.Err().Error())
			return res
		}
		s.sweepTable(ctx, tbl.ID, res)
	}
	return res
}

func (s *Scheduler) sweepTable(ctx context.Context, tableID string, res *SweepResult) {
	snap, err := s.loadSnapshot(ctx, tableID)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return
	}
	for i, col := range snap.ExecutableColumns() {
		// Earlier columns may have filled inputs of later ones.
		if i > 0 {
			if snap, err = s.loadSnapshot(ctx, tableID); err != nil {
				res.Errors = append(res.Errors, err.Error())
				return
			}
		}
		rows := snap.IncompleteRows(col)
		if len(rows) == 0 {
			continue
		}
		run, err := s.runner.RunColumn(ctx, engine.RunRequest{
			TableID:  tableID,
			ColumnID: col.ID,
			RowIDs:   rows,
			Trigger:  schema.RunTriggerAuto,
		})
		res.Columns++
		res.Cells += len(rows)
		if run != nil {
			res.Runs = append(res.Runs, run)
		}
		if err != nil {
			s.logger.WarnContext(ctx, "auto-run column failed", slog.String("column_id", col.ID), slog.String("error", err.Error()))
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", col.Name, err.Error()))
		}
	}
}

func (s *Scheduler) loadSnapshot(ctx context.Context, tableID string) (*engine.Snapshot, error) {
	if src, ok := s.runner.(SnapshotSource); ok {
		return src.Snapshot(ctx, tableID)
	}
	return engine.LoadSnapshot(ctx, s.store, tableID, nil)
}

func (s *Scheduler) captureBaselines(ctx context.Context) (map[string]baseline, error) {
	tables, err := s.store.ListTables(ctx, s.workspaceID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]baseline, len(tables))
	for _, t := range tables {
		b, err := s.countTable(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		out[t.ID] = b
	}
	return out, nil
}

func (s *Scheduler) countTable(ctx context.Context, tableID string) (baseline, error) {
	rows, err := s.store.CountRows(ctx, tableID)
	if err != nil {
		return baseline{}, err
	}
	cols, err := s.store.ListColumns(ctx, tableID)
	if err != nil {
		return baseline{}, err
	}
	b := baseline{rows: rows}
	for _, c := range cols {
		if c.Executable() {
			b.executable++
		}
	}
	return b, nil
}

func (s *Scheduler) emit(ctx context.Context, typ, tableID string, res *SweepResult) {
	if s.events == nil {
		return
	}
	payload, _ := json.Marshal(res)
	s.events.Emit(ctx, &schema.GridEvent{
		WorkspaceID: s.workspaceID,
		TableID:     tableID,
		Type:        typ,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	})
}
