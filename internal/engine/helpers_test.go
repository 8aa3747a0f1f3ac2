package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/gridflow/internal/adapters"
	"github.com/rendis/gridflow/internal/store"
	"github.com/rendis/gridflow/pkg/schema"
)

type recordedEvents struct {
	mu     sync.Mutex
	events []*schema.GridEvent
}

func (r *recordedEvents) Emit(_ context.Context, e *schema.GridEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordedEvents) ofType(typ string) []*schema.GridEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*schema.GridEvent
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	store     *store.MemoryStore
	providers *adapters.Registry
	events    *recordedEvents
	table     *schema.Table
	nextPos   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateWorkspace(ctx, &schema.Workspace{ID: "ws-1", Name: "Leads"}))
	tbl := &schema.Table{ID: "tbl-1", WorkspaceID: "ws-1", Name: "Accounts"}
	require.NoError(t, s.CreateTable(ctx, tbl))
	return &fixture{store: s, providers: adapters.NewRegistry(), events: &recordedEvents{}, table: tbl}
}

func (f *fixture) addColumn(t *testing.T, id, name string, cfg schema.ColumnConfig) *schema.Column {
	t.Helper()
	col := &schema.Column{ID: id, TableID: f.table.ID, Name: name, Position: f.nextPos, Type: cfg.ColumnType(), Config: cfg}
	f.nextPos++
	require.NoError(t, f.store.CreateColumn(context.Background(), col))
	return col
}

// addRows creates n rows whose source data comes from data(i).
func (f *fixture) addRows(t *testing.T, n int, data func(i int) map[string]string) []*schema.Row {
	t.Helper()
	rows := make([]*schema.Row, n)
	for i := range rows {
		rows[i] = &schema.Row{ID: fmt.Sprintf("row-%02d", i), TableID: f.table.ID, Position: i, SourceData: data(i)}
	}
	require.NoError(t, f.store.CreateRows(context.Background(), rows))
	return rows
}

func (f *fixture) provide(t *testing.T, name string, fn func(ctx context.Context, input string) (any, error)) {
	t.Helper()
	require.NoError(t, f.providers.Register(&adapters.ProviderFunc{ProviderName: name, Fn: fn}))
}

func (f *fixture) executor(t *testing.T, deps ExecutorDeps) *executorImpl {
	t.Helper()
	deps.Store = f.store
	deps.Providers = f.providers
	deps.Events = f.events
	deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := DefaultExecutorConfig()
	cfg.RateLimit = RetryPolicy{MaxAttempts: 3, Backoff: BackoffConstant, Delay: time.Millisecond}
	ex, err := NewExecutor(deps, cfg)
	require.NoError(t, err)
	return ex.(*executorImpl)
}

func (f *fixture) cell(t *testing.T, rowID, columnID string) *schema.Cell {
	t.Helper()
	c, err := f.store.GetCell(context.Background(), rowID, columnID)
	require.NoError(t, err)
	return c
}

func domains(i int) map[string]string {
	return map[string]string{"domain": fmt.Sprintf("d%02d.com", i)}
}
