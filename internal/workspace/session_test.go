package workspace

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gridflow/internal/adapters"
	"github.com/rendis/gridflow/internal/autorun"
	"github.com/rendis/gridflow/internal/engine"
	"github.com/rendis/gridflow/internal/expressions"
	"github.com/rendis/gridflow/internal/store"
	"github.com/rendis/gridflow/internal/validation"
	"github.com/rendis/gridflow/pkg/schema"
)

type eventLog struct {
	mu     sync.Mutex
	events []*schema.GridEvent
}

func (l *eventLog) Emit(_ context.Context, e *schema.GridEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// lookups counts provider calls per input.
type lookups struct {
	mu    sync.Mutex
	calls map[string]int
}

func (l *lookups) fn(_ context.Context, input string) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[input]++
	return map[string]any{"name": strings.ToUpper(strings.TrimSuffix(input, ".com"))}, nil
}

func (l *lookups) total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		n += c
	}
	return n
}

func (l *lookups) of(input string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[input]
}

type harness struct {
	store   *store.MemoryStore
	service *Service
	events  *eventLog
	lookups *lookups
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewMemoryStore()
	events := &eventLog{}
	calls := &lookups{calls: make(map[string]int)}

	providers := adapters.NewRegistry()
	require.NoError(t, providers.Register(&adapters.ProviderFunc{ProviderName: "company_lookup", Fn: calls.fn}))

	exec, err := engine.NewExecutor(engine.ExecutorDeps{
		Store: s, Providers: providers, Events: events, Logger: logger,
	}, engine.DefaultExecutorConfig())
	require.NoError(t, err)

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	validator, err := validation.NewColumnValidator(providers, cel)
	require.NoError(t, err)

	svc, err := NewService(Deps{
		Store: s, Executor: exec, Validator: validator, Events: events, Logger: logger,
	}, Config{AutoRun: autorun.Config{Debounce: 10 * time.Millisecond}})
	require.NoError(t, err)
	t.Cleanup(svc.Shutdown)

	return &harness{store: s, service: svc, events: events, lookups: calls}
}

type leadsTable struct {
	sess    *Session
	table   *schema.Table
	domain  *schema.Column
	company *schema.Column
}

// leads creates a workspace with a Domain field feeding a Company enrichment.
func (h *harness) leads(t *testing.T, autoRun bool) *leadsTable {
	t.Helper()
	ctx := context.Background()
	sess, err := h.service.Create(ctx, "Leads", autoRun)
	require.NoError(t, err)
	tbl, err := sess.CreateTable(ctx, "Accounts")
	require.NoError(t, err)

	domain, err := sess.AddColumn(ctx, tbl.ID, &schema.Column{Name: "Domain", Type: schema.ColumnTypeField,
		Config: &schema.FieldConfig{SourceField: "domain"}})
	require.NoError(t, err)
	company, err := sess.AddColumn(ctx, tbl.ID, &schema.Column{Name: "Company", Type: schema.ColumnTypeEnrichment,
		Config: &schema.EnrichmentConfig{Function: "company_lookup", InputColumnID: domain.ID, OutputField: "name"}})
	require.NoError(t, err)

	// The new executable column schedules an (empty) sweep; let it settle.
	require.Eventually(t, func() bool {
		st := sess.AutoRun()
		return !st.Scheduled && st.State == autorun.StateIdle
	}, 2*time.Second, 5*time.Millisecond)
	return &leadsTable{sess: sess, table: tbl, domain: domain, company: company}
}

func domainRows(domains ...string) []map[string]string {
	out := make([]map[string]string, len(domains))
	for i, d := range domains {
		out[i] = map[string]string{"domain": d}
	}
	return out
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var ge *schema.GridError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, code, ge.Code)
}

func TestService_OpenAndClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.Create(ctx, " ", false)
	requireCode(t, err, schema.ErrCodeValidation)

	sess, err := h.service.Create(ctx, "Leads", false)
	require.NoError(t, err)
	again, err := h.service.Open(ctx, sess.ID())
	require.NoError(t, err)
	assert.Same(t, sess, again)
	assert.Equal(t, []string{sess.ID()}, h.service.OpenIDs())

	list, err := h.service.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Leads", list[0].Name)

	_, err = h.service.Open(ctx, "missing")
	requireCode(t, err, schema.ErrCodeNotFound)

	h.service.Close(sess.ID())
	h.service.Close(sess.ID())
	assert.Empty(t, h.service.OpenIDs())

	_, err = NewService(Deps{Store: h.store}, Config{})
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestSession_Structure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lt := h.leads(t, false)

	assert.Equal(t, 0, lt.domain.Position)
	assert.Equal(t, 1, lt.company.Position)
	assert.NotEmpty(t, lt.company.ID)

	_, err := lt.sess.AddColumn(ctx, lt.table.ID, &schema.Column{Name: "Email", Type: schema.ColumnTypeEnrichment,
		Config: &schema.EnrichmentConfig{Function: "company_lookup", InputColumnID: "nope"}})
	requireCode(t, err, schema.ErrCodeValidation)

	rows, err := lt.sess.AddRows(ctx, lt.table.ID, domainRows("a.com", "b.com"))
	require.NoError(t, err)
	more, err := lt.sess.AddRows(ctx, lt.table.ID, domainRows("c.com"))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, []int{rows[0].Position, rows[1].Position})
	assert.Equal(t, 2, more[0].Position)

	renamed := *lt.company
	renamed.Name = "Company Name"
	updated, err := lt.sess.UpdateColumn(ctx, &renamed)
	require.NoError(t, err)
	assert.Equal(t, lt.table.ID, updated.TableID)
	assert.Equal(t, 1, updated.Position)

	other, err := h.service.Create(ctx, "Other", false)
	require.NoError(t, err)
	_, err = other.AddRows(ctx, lt.table.ID, domainRows("x.com"))
	requireCode(t, err, schema.ErrCodeNotFound)

	require.NoError(t, lt.sess.DeleteColumn(ctx, lt.company.ID))
	cols, err := h.store.ListColumns(ctx, lt.table.ID)
	require.NoError(t, err)
	assert.Len(t, cols, 1)
}

func TestSession_SetCell(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lt := h.leads(t, false)
	rows, err := lt.sess.AddRows(ctx, lt.table.ID, domainRows("a.com"))
	require.NoError(t, err)

	upper, err := lt.sess.AddColumn(ctx, lt.table.ID, &schema.Column{Name: "Upper", Type: schema.ColumnTypeFormula,
		Config: &schema.FormulaConfig{Expression: "UPPER(/Domain)"}})
	require.NoError(t, err)
	_, err = lt.sess.SetCell(ctx, rows[0].ID, upper.ID, "X")
	requireCode(t, err, schema.ErrCodeValidation)

	cell, err := lt.sess.SetCell(ctx, rows[0].ID, lt.domain.ID, "edited.com")
	require.NoError(t, err)
	assert.Equal(t, schema.CellStatusComplete, cell.Status)
	assert.Equal(t, 1, h.events.count(schema.EventCellUpdated))

	snap, err := lt.sess.Snapshot(ctx, lt.table.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited.com", snap.Grid.RawValue(snap.Rows[0], lt.domain.ID))
	assert.Equal(t, "EDITED.COM", snap.Grid.RawValue(snap.Rows[0], upper.ID), "formulas read the edit")
	assert.Equal(t, "a.com", snap.Rows[0].SourceData["domain"], "source data is never changed")

	_, err = lt.sess.SetCell(ctx, rows[0].ID, lt.domain.ID, "")
	require.NoError(t, err)
	snap, err = lt.sess.Snapshot(ctx, lt.table.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.com", snap.Grid.RawValue(snap.Rows[0], lt.domain.ID), "clearing falls back to source data")

	// Clearing a cell that was never written is fine.
	_, err = lt.sess.SetCell(ctx, rows[0].ID, lt.company.ID, "")
	require.NoError(t, err)
}

func TestSession_ManualRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lt := h.leads(t, false)
	_, err := lt.sess.AddRows(ctx, lt.table.ID, domainRows("acme.com", "globex.com"))
	require.NoError(t, err)

	runs, err := lt.sess.RunAll(ctx, lt.table.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, schema.RunTriggerManual, runs[0].Trigger)
	assert.Equal(t, 2, runs[0].Counts.Succeeded)

	total, tables, err := lt.sess.WorkspaceProgress(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, 2, total.Complete)
	assert.True(t, total.Done())
}

func TestSession_SandboxAndGoLive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lt := h.leads(t, false)
	rows, err := lt.sess.AddRows(ctx, lt.table.ID, domainRows("acme.com", "globex.com", ""))
	require.NoError(t, err)

	_, err = lt.sess.GoLive(ctx)
	requireCode(t, err, schema.ErrCodeConflict)

	lt.sess.SetSandbox(true)
	require.True(t, lt.sess.Sandbox())

	req := engine.RunRequest{TableID: lt.table.ID, ColumnID: lt.company.ID}
	run, err := lt.sess.RunColumn(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, schema.RunTriggerSandbox, run.Trigger)
	_, err = lt.sess.RunColumn(ctx, req)
	require.NoError(t, err)

	assert.Zero(t, h.lookups.total(), "sandbox never calls providers")
	assert.Len(t, lt.sess.SandboxRuns(), 1, "repeated requests are recorded once")

	_, err = h.store.GetCell(ctx, rows[0].ID, lt.company.ID)
	requireCode(t, err, schema.ErrCodeNotFound)

	snap, err := lt.sess.Snapshot(ctx, lt.table.ID)
	require.NoError(t, err)
	mock := snap.Grid.RawValue(snap.Rows[0], lt.company.ID)
	assert.NotEmpty(t, mock)
	progress, err := lt.sess.Progress(ctx, lt.table.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Totals.Complete)
	assert.Equal(t, 1, progress.Totals.Empty)

	live, err := lt.sess.GoLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, schema.RunTriggerLive, live[0].Trigger)
	assert.False(t, lt.sess.Sandbox())
	assert.Empty(t, lt.sess.SandboxRuns())
	assert.Equal(t, 1, h.events.count(schema.EventSandboxLive))

	assert.Equal(t, 1, h.lookups.of("acme.com"))
	assert.Equal(t, 1, h.lookups.of("globex.com"))
	cell, err := h.store.GetCell(ctx, rows[0].ID, lt.company.ID)
	require.NoError(t, err)
	assert.Equal(t, "ACME", cell.Text())
}

func TestSession_SandboxOffDiscards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lt := h.leads(t, false)
	_, err := lt.sess.AddRows(ctx, lt.table.ID, domainRows("acme.com"))
	require.NoError(t, err)

	lt.sess.SetSandbox(true)
	_, err = lt.sess.RunAll(ctx, lt.table.ID)
	require.NoError(t, err)
	require.Len(t, lt.sess.SandboxRuns(), 1)

	lt.sess.SetSandbox(false)
	assert.Empty(t, lt.sess.SandboxRuns())
	progress, err := lt.sess.Progress(ctx, lt.table.ID)
	require.NoError(t, err)
	assert.Zero(t, progress.Totals.Complete)
	assert.Zero(t, h.lookups.total())
}

func TestSession_AutoRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lt := h.leads(t, true)
	require.True(t, lt.sess.AutoRun().Enabled)

	rows, err := lt.sess.AddRows(ctx, lt.table.ID, domainRows("acme.com", "globex.com", ""))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.lookups.total() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return lt.sess.AutoRun().State == autorun.StateIdle }, time.Second, 5*time.Millisecond)

	// Filling the empty input schedules a sweep for just that row.
	_, err = lt.sess.SetCell(ctx, rows[2].ID, lt.domain.ID, "initech.com")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.lookups.of("initech.com") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.lookups.of("acme.com"), "complete cells are not re-run")

	require.NoError(t, lt.sess.SetAutoRun(ctx, false))
	ws, err := lt.sess.Workspace(ctx)
	require.NoError(t, err)
	assert.False(t, ws.AutoRun)
	assert.False(t, lt.sess.AutoRun().Enabled)
}

func TestSession_AutoRunInSandbox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lt := h.leads(t, true)
	lt.sess.SetSandbox(true)

	rows, err := lt.sess.AddRows(ctx, lt.table.ID, domainRows("acme.com"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(lt.sess.SandboxRuns()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Zero(t, h.lookups.total())
	_, err = h.store.GetCell(ctx, rows[0].ID, lt.company.ID)
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestSession_SweepNow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lt := h.leads(t, false)
	_, err := lt.sess.AddRows(ctx, lt.table.ID, domainRows("acme.com"))
	require.NoError(t, err)

	res, err := lt.sess.SweepNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, autorun.ReasonManual, res.Reason)
	assert.Equal(t, 1, res.Cells)
	assert.Equal(t, 1, h.lookups.total())
}

func TestSession_SaveConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, err := h.service.Create(ctx, "Leads", false)
	require.NoError(t, err)

	err = sess.SaveConversation(ctx, json.RawMessage(`{"broken`))
	requireCode(t, err, schema.ErrCodeValidation)

	require.NoError(t, sess.SaveConversation(ctx, json.RawMessage(`[{"role":"user","content":"add emails"}]`)))
	ws, err := sess.Workspace(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"role":"user","content":"add emails"}]`, string(ws.Conversation))
}
