package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/gridflow/internal/autorun"
	"github.com/rendis/gridflow/internal/engine"
	"github.com/rendis/gridflow/internal/logging"
	"github.com/rendis/gridflow/internal/store"
	"github.com/rendis/gridflow/internal/validation"
	"github.com/rendis/gridflow/pkg/schema"
)

// Session is an open workspace. It owns the workspace's sandbox mode and
// auto-run scheduler, and routes every run through one place so both see
// the same requests. Safe for concurrent use.
type Session struct {
	id        string
	store     store.Store
	executor  engine.Executor
	validator validation.Validator
	events    engine.EventSink
	logger    *slog.Logger
	scheduler *autorun.Scheduler

	mu       sync.Mutex
	sandbox  bool
	overlay  *engine.Overlay
	recorded []engine.RunRequest
}

// ID returns the workspace ID.
func (s *Session) ID() string { return s.id }

// Workspace reads the workspace record.
func (s *Session) Workspace(ctx context.Context) (*schema.Workspace, error) {
	return s.store.GetWorkspace(ctx, s.id)
}

// Tables lists the workspace's tables in position order.
func (s *Session) Tables(ctx context.Context) ([]*schema.Table, error) {
	return s.store.ListTables(ctx, s.id)
}

// --- Runs ---

// RunColumn executes one column. In sandbox mode the request is recorded
// for go-live and answered from the mock generator into the overlay.
// It also serves as the auto-run scheduler's runner.
func (s *Session) RunColumn(ctx context.Context, req engine.RunRequest) (*schema.Run, error) {
	if _, err := s.table(ctx, req.TableID); err != nil {
		return nil, err
	}
	ctx = logging.WithWorkspaceID(ctx, s.id)

	s.mu.Lock()
	sandbox, overlay := s.sandbox, s.overlay
	if sandbox {
		s.record(req)
	}
	s.mu.Unlock()

	if sandbox {
		return s.executor.RunSandbox(ctx, req, overlay)
	}
	if req.Trigger == "" {
		req.Trigger = schema.RunTriggerManual
	}
	return s.executor.RunColumn(ctx, req)
}

// RunAll runs every executable column of a table in table order.
func (s *Session) RunAll(ctx context.Context, tableID string) ([]*schema.Run, error) {
	if _, err := s.table(ctx, tableID); err != nil {
		return nil, err
	}
	if !s.Sandbox() {
		return s.executor.RunAll(logging.WithWorkspaceID(ctx, s.id), tableID, schema.RunTriggerManual)
	}

	cols, err := s.store.ListColumns(ctx, tableID)
	if err != nil {
		return nil, err
	}
	var runs []*schema.Run
	for _, col := range cols {
		if !col.Executable() {
			continue
		}
		run, err := s.RunColumn(ctx, engine.RunRequest{TableID: tableID, ColumnID: col.ID})
		if err != nil {
			return runs, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// record keeps a sandbox request for replay, replacing an earlier request
// for the same column and rows. Callers hold s.mu.
func (s *Session) record(req engine.RunRequest) {
	req.Trigger = ""
	for i, prev := range s.recorded {
		if prev.TableID == req.TableID && prev.ColumnID == req.ColumnID && slices.Equal(prev.RowIDs, req.RowIDs) {
			s.recorded[i] = req
			return
		}
	}
	s.recorded = append(s.recorded, req)
}

// --- Sandbox ---

// Sandbox reports whether sandbox mode is on.
func (s *Session) Sandbox() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sandbox
}

// SetSandbox turns sandbox mode on or off. Turning it off without going
// live discards the overlay and the recorded runs.
func (s *Session) SetSandbox(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on == s.sandbox {
		return
	}
	s.sandbox = on
	if on {
		s.overlay = engine.NewOverlay()
		s.recorded = nil
	} else {
		s.overlay = nil
		s.recorded = nil
	}
	s.logger.Info("sandbox mode changed", slog.Bool("on", on))
}

// SandboxRuns returns the requests recorded in sandbox mode, in order.
func (s *Session) SandboxRuns() []engine.RunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.recorded)
}

// GoLive clears the overlay, leaves sandbox mode and replays every
// recorded run against the real adapters. Replay failures do not stop the
// remaining runs; they are joined into the returned error.
func (s *Session) GoLive(ctx context.Context) ([]*schema.Run, error) {
	s.mu.Lock()
	if !s.sandbox {
		s.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeConflict, "sandbox mode is not active")
	}
	recorded := s.recorded
	s.overlay.Clear()
	s.overlay = nil
	s.recorded = nil
	s.sandbox = false
	s.mu.Unlock()

	ctx = logging.WithWorkspaceID(ctx, s.id)
	payload, _ := json.Marshal(map[string]any{"runs": len(recorded)})
	s.emit(ctx, &schema.GridEvent{WorkspaceID: s.id, Type: schema.EventSandboxLive, Payload: payload})
	s.logger.InfoContext(ctx, "sandbox going live", slog.Int("runs", len(recorded)))

	var (
		runs []*schema.Run
		errs []error
	)
	for _, req := range recorded {
		req.Trigger = schema.RunTriggerLive
		run, err := s.executor.RunColumn(ctx, req)
		if run != nil {
			runs = append(runs, run)
		}
		if err != nil {
			s.logger.WarnContext(ctx, "go-live replay failed", slog.String("column_id", req.ColumnID), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return runs, errors.Join(errs...)
}

// --- Reads ---

// Snapshot loads a table as the session sees it: overlay cells shadow
// stored ones while sandbox mode is on.
func (s *Session) Snapshot(ctx context.Context, tableID string) (*engine.Snapshot, error) {
	if _, err := s.table(ctx, tableID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	overlay := s.overlay
	s.mu.Unlock()
	if overlay == nil {
		return engine.LoadSnapshot(ctx, s.store, tableID, nil)
	}
	return engine.LoadSnapshot(ctx, s.store, tableID, overlay)
}

// Progress returns per-column status counts for one table.
func (s *Session) Progress(ctx context.Context, tableID string) (*engine.TableProgress, error) {
	snap, err := s.Snapshot(ctx, tableID)
	if err != nil {
		return nil, err
	}
	return engine.SnapshotProgress(snap), nil
}

// WorkspaceProgress sums progress across every table of the workspace.
func (s *Session) WorkspaceProgress(ctx context.Context) (engine.Progress, []*engine.TableProgress, error) {
	tables, err := s.Tables(ctx)
	if err != nil {
		return engine.Progress{}, nil, err
	}
	var (
		total engine.Progress
		out   []*engine.TableProgress
	)
	for _, t := range tables {
		tp, err := s.Progress(ctx, t.ID)
		if err != nil {
			return engine.Progress{}, nil, err
		}
		total.Add(tp.Totals)
		out = append(out, tp)
	}
	return total, out, nil
}

// --- Structure ---

// CreateTable adds a table after the existing ones.
func (s *Session) CreateTable(ctx context.Context, name string) (*schema.Table, error) {
	if strings.TrimSpace(name) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "table name is required")
	}
	tables, err := s.Tables(ctx)
	if err != nil {
		return nil, err
	}
	t := &schema.Table{
		ID:          uuid.New().String(),
		WorkspaceID: s.id,
		Name:        name,
		Position:    len(tables),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateTable(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteTable removes a table with its columns, rows and cells.
func (s *Session) DeleteTable(ctx context.Context, tableID string) error {
	if _, err := s.table(ctx, tableID); err != nil {
		return err
	}
	return s.store.DeleteTable(ctx, tableID)
}

// AddColumn validates col against the table and appends it. A new
// executable column schedules an auto-run sweep.
func (s *Session) AddColumn(ctx context.Context, tableID string, col *schema.Column) (*schema.Column, error) {
	if _, err := s.table(ctx, tableID); err != nil {
		return nil, err
	}
	cols, err := s.store.ListColumns(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if col.ID == "" {
		col.ID = uuid.New().String()
	}
	col.TableID = tableID
	col.Position = nextPosition(cols)
	if err := s.validator.ValidateColumn(col, cols); err != nil {
		return nil, err
	}
	if err := s.store.CreateColumn(ctx, col); err != nil {
		return nil, err
	}
	s.observe(ctx, tableID)
	return col, nil
}

// UpdateColumn replaces a column's name, width, type and config. Stored
// cells are kept; a manual run recomputes them.
func (s *Session) UpdateColumn(ctx context.Context, col *schema.Column) (*schema.Column, error) {
	existing, err := s.column(ctx, col.ID)
	if err != nil {
		return nil, err
	}
	cols, err := s.store.ListColumns(ctx, existing.TableID)
	if err != nil {
		return nil, err
	}
	col.TableID = existing.TableID
	col.Position = existing.Position
	if err := s.validator.ValidateColumn(col, cols); err != nil {
		return nil, err
	}
	if err := s.store.UpdateColumn(ctx, col); err != nil {
		return nil, err
	}
	s.observe(ctx, col.TableID)
	return col, nil
}

// DeleteColumn removes a column and its cells. References to it resolve
// to "" afterwards.
func (s *Session) DeleteColumn(ctx context.Context, columnID string) error {
	if _, err := s.column(ctx, columnID); err != nil {
		return err
	}
	return s.store.DeleteColumn(ctx, columnID)
}

// AddRows appends rows built from source data. Source data is never
// changed afterwards. New rows schedule an auto-run sweep.
func (s *Session) AddRows(ctx context.Context, tableID string, data []map[string]string) ([]*schema.Row, error) {
	if _, err := s.table(ctx, tableID); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	n, err := s.store.CountRows(ctx, tableID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rows := make([]*schema.Row, len(data))
	for i, src := range data {
		rows[i] = &schema.Row{
			ID:         uuid.New().String(),
			TableID:    tableID,
			Position:   n + i,
			SourceData: src,
			CreatedAt:  now,
		}
	}
	if err := s.store.CreateRows(ctx, rows); err != nil {
		return nil, err
	}
	s.observe(ctx, tableID)
	return rows, nil
}

// SetCell records a manual edit. Static computed columns cannot be edited;
// an empty value clears the cell. Editing a column that feeds an executable
// column schedules an auto-run sweep.
func (s *Session) SetCell(ctx context.Context, rowID, columnID, text string) (*schema.Cell, error) {
	col, err := s.column(ctx, columnID)
	if err != nil {
		return nil, err
	}
	if col.Type == schema.ColumnTypeFormula || col.Type == schema.ColumnTypeMerge {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s column %q is computed and cannot be edited", col.Type, col.Name).
			WithColumn(col.ID)
	}
	row, err := s.store.GetRow(ctx, rowID)
	if err != nil {
		return nil, err
	}
	if row.TableID != col.TableID {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "row %s is not in the column's table", rowID).WithRow(rowID)
	}

	ctx = logging.WithCell(logging.WithWorkspaceID(ctx, s.id), col.TableID, col.ID, row.ID)
	cell := &schema.Cell{RowID: row.ID, ColumnID: col.ID, Status: schema.CellStatusEmpty, UpdatedAt: time.Now().UTC()}
	if text == "" {
		if err := s.store.DeleteCell(ctx, row.ID, col.ID); err != nil && !isNotFound(err) {
			return nil, err
		}
	} else {
		cell.Value = schema.TextValue(text)
		cell.Status = schema.CellStatusComplete
		if err := s.store.UpsertCell(ctx, cell); err != nil {
			return nil, err
		}
	}

	payload, _ := json.Marshal(cell)
	s.emit(ctx, &schema.GridEvent{
		WorkspaceID: s.id, TableID: col.TableID, ColumnID: col.ID, RowID: row.ID,
		Type: schema.EventCellUpdated, Payload: payload,
	})
	if _, err := s.scheduler.NoteEdit(ctx, col.TableID, col.ID); err != nil {
		s.logger.WarnContext(ctx, "auto-run edit check failed", slog.Any("error", err))
	}
	return cell, nil
}

// --- Settings ---

// SetAutoRun persists the workspace's autoRun flag and applies it to the
// scheduler. Turning it on schedules a sweep.
func (s *Session) SetAutoRun(ctx context.Context, on bool) error {
	if err := s.store.UpdateWorkspace(ctx, s.id, store.WorkspaceUpdate{AutoRun: &on}); err != nil {
		return err
	}
	s.scheduler.SetEnabled(on)
	return nil
}

// AutoRun returns the scheduler's status.
func (s *Session) AutoRun() autorun.Status {
	return s.scheduler.Status()
}

// SweepNow runs an auto-run sweep immediately.
func (s *Session) SweepNow(ctx context.Context) (*autorun.SweepResult, error) {
	return s.scheduler.SweepNow(ctx, autorun.ReasonManual)
}

// SaveConversation stores the assistant conversation log.
func (s *Session) SaveConversation(ctx context.Context, conversation json.RawMessage) error {
	if len(conversation) > 0 && !json.Valid(conversation) {
		return schema.NewError(schema.ErrCodeValidation, "conversation is not valid JSON")
	}
	return s.store.UpdateWorkspace(ctx, s.id, store.WorkspaceUpdate{Conversation: conversation})
}

// Close stops the session's scheduler.
func (s *Session) Close() {
	s.scheduler.Stop()
}

// --- helpers ---

// table loads a table and checks it belongs to this workspace.
func (s *Session) table(ctx context.Context, tableID string) (*schema.Table, error) {
	t, err := s.store.GetTable(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if t.WorkspaceID != s.id {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "table %s not found in workspace %s", tableID, s.id)
	}
	return t, nil
}

func (s *Session) column(ctx context.Context, columnID string) (*schema.Column, error) {
	col, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		return nil, err
	}
	if _, err := s.table(ctx, col.TableID); err != nil {
		return nil, err
	}
	return col, nil
}

func (s *Session) observe(ctx context.Context, tableID string) {
	if _, err := s.scheduler.ObserveTable(ctx, tableID); err != nil {
		s.logger.WarnContext(ctx, "auto-run observe failed", slog.String("table_id", tableID), slog.Any("error", err))
	}
}

func (s *Session) emit(ctx context.Context, event *schema.GridEvent) {
	if s.events == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	s.events.Emit(ctx, event)
}

func nextPosition(cols []*schema.Column) int {
	next := 0
	for _, c := range cols {
		if c.Position >= next {
			next = c.Position + 1
		}
	}
	return next
}

func isNotFound(err error) bool {
	var ge *schema.GridError
	return errors.As(err, &ge) && ge.Code == schema.ErrCodeNotFound
}

var (
	_ autorun.Runner         = (*Session)(nil)
	_ autorun.SnapshotSource = (*Session)(nil)
)
