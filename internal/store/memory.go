package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/gridflow/pkg/schema"
)

// MemoryStore is a Store kept in process memory. It enforces the same keys,
// parent references and cascades as the libSQL schema. Values are copied on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	workspaces map[string]*schema.Workspace
	tables     map[string]*schema.Table
	columns    map[string]*memColumn
	rows       map[string]*schema.Row
	cells      map[schema.CellKey]*schema.Cell
	runs       map[string]*schema.Run
	events     []*schema.GridEvent
	seq        map[string]int64
	created    int64
}

type memColumn struct {
	col     *schema.Column
	created int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces: make(map[string]*schema.Workspace),
		tables:     make(map[string]*schema.Table),
		columns:    make(map[string]*memColumn),
		rows:       make(map[string]*schema.Row),
		cells:      make(map[schema.CellKey]*schema.Cell),
		runs:       make(map[string]*schema.Run),
		seq:        make(map[string]int64),
	}
}

func conflict(resource, id, why string) error {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q: %s", resource, id, why)
}

// --- Workspaces ---

func (m *MemoryStore) CreateWorkspace(_ context.Context, ws *schema.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workspaces[ws.ID]; ok {
		return conflict("workspace", ws.ID, "already exists")
	}
	ws.CreatedAt = timeOrNow(ws.CreatedAt)
	ws.UpdatedAt = time.Now().UTC()
	cp := *ws
	cp.Conversation = cloneRaw(ws.Conversation)
	m.workspaces[ws.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkspace(_ context.Context, id string) (*schema.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return nil, storeNotFound("workspace", id)
	}
	cp := *ws
	cp.Conversation = cloneRaw(ws.Conversation)
	return &cp, nil
}

func (m *MemoryStore) UpdateWorkspace(_ context.Context, id string, update WorkspaceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return storeNotFound("workspace", id)
	}
	if update.Name != nil {
		ws.Name = *update.Name
	}
	if update.AutoRun != nil {
		ws.AutoRun = *update.AutoRun
	}
	if update.Conversation != nil {
		ws.Conversation = cloneRaw(update.Conversation)
	}
	ws.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListWorkspaces(_ context.Context) ([]*schema.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schema.Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		cp := *ws
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- Tables ---

func (m *MemoryStore) CreateTable(_ context.Context, t *schema.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[t.ID]; ok {
		return conflict("table", t.ID, "already exists")
	}
	if _, ok := m.workspaces[t.WorkspaceID]; !ok {
		return conflict("table", t.ID, "unknown workspace "+t.WorkspaceID)
	}
	t.CreatedAt = timeOrNow(t.CreatedAt)
	cp := *t
	m.tables[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTable(_ context.Context, id string) (*schema.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[id]
	if !ok {
		return nil, storeNotFound("table", id)
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTables(_ context.Context, workspaceID string) ([]*schema.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.Table
	for _, t := range m.tables {
		if t.WorkspaceID == workspaceID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) DeleteTable(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[id]; !ok {
		return storeNotFound("table", id)
	}
	delete(m.tables, id)
	for cid, c := range m.columns {
		if c.col.TableID == id {
			m.deleteColumnLocked(cid)
		}
	}
	for rid, r := range m.rows {
		if r.TableID == id {
			m.deleteRowLocked(rid)
		}
	}
	for rid, r := range m.runs {
		if r.TableID == id {
			delete(m.runs, rid)
		}
	}
	return nil
}

// --- Columns ---

func (m *MemoryStore) CreateColumn(_ context.Context, col *schema.Column) error {
	cp, err := cloneColumn(col)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.columns[col.ID]; ok {
		return conflict("column", col.ID, "already exists")
	}
	if _, ok := m.tables[col.TableID]; !ok {
		return conflict("column", col.ID, "unknown table "+col.TableID)
	}
	m.created++
	m.columns[col.ID] = &memColumn{col: cp, created: m.created}
	return nil
}

func (m *MemoryStore) GetColumn(_ context.Context, id string) (*schema.Column, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.columns[id]
	if !ok {
		return nil, storeNotFound("column", id)
	}
	return cloneColumn(c.col)
}

func (m *MemoryStore) UpdateColumn(_ context.Context, col *schema.Column) error {
	cp, err := cloneColumn(col)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.columns[col.ID]
	if !ok {
		return storeNotFound("column", col.ID)
	}
	cp.TableID = c.col.TableID
	c.col = cp
	return nil
}

func (m *MemoryStore) ListColumns(_ context.Context, tableID string) ([]*schema.Column, error) {
	m.mu.RLock()
	var entries []*memColumn
	for _, c := range m.columns {
		if c.col.TableID == tableID {
			entries = append(entries, c)
		}
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].col.Position != entries[j].col.Position {
			return entries[i].col.Position < entries[j].col.Position
		}
		return entries[i].created < entries[j].created
	})
	out := make([]*schema.Column, 0, len(entries))
	for _, e := range entries {
		cp, err := cloneColumn(e.col)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (m *MemoryStore) DeleteColumn(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.columns[id]; !ok {
		return storeNotFound("column", id)
	}
	m.deleteColumnLocked(id)
	return nil
}

func (m *MemoryStore) deleteColumnLocked(id string) {
	delete(m.columns, id)
	for k := range m.cells {
		if k.ColumnID == id {
			delete(m.cells, k)
		}
	}
}

// cloneColumn deep-copies a column through its JSON form so configs are
// never shared.
func cloneColumn(col *schema.Column) (*schema.Column, error) {
	b, err := json.Marshal(col)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "encode column %s", col.ID).WithCause(err)
	}
	var out schema.Column
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode column %s", col.ID).WithCause(err)
	}
	return &out, nil
}

// --- Rows ---

func (m *MemoryStore) CreateRows(_ context.Context, rows []*schema.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		if _, ok := m.rows[r.ID]; ok {
			return conflict("row", r.ID, "already exists")
		}
		if _, ok := seen[r.ID]; ok {
			return conflict("row", r.ID, "duplicated in batch")
		}
		if _, ok := m.tables[r.TableID]; !ok {
			return conflict("row", r.ID, "unknown table "+r.TableID)
		}
		seen[r.ID] = struct{}{}
	}
	for _, r := range rows {
		r.CreatedAt = timeOrNow(r.CreatedAt)
		m.rows[r.ID] = cloneRow(r)
	}
	return nil
}

func (m *MemoryStore) GetRow(_ context.Context, id string) (*schema.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, storeNotFound("row", id)
	}
	return cloneRow(r), nil
}

func (m *MemoryStore) ListRows(_ context.Context, tableID string, page Page) ([]*schema.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.tableRowsLocked(tableID)
	rows = paginate(rows, page)
	out := make([]*schema.Row, len(rows))
	for i, r := range rows {
		out[i] = cloneRow(r)
	}
	return out, nil
}

func (m *MemoryStore) CountRows(_ context.Context, tableID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.rows {
		if r.TableID == tableID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteRow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return storeNotFound("row", id)
	}
	m.deleteRowLocked(id)
	return nil
}

func (m *MemoryStore) deleteRowLocked(id string) {
	delete(m.rows, id)
	for k := range m.cells {
		if k.RowID == id {
			delete(m.cells, k)
		}
	}
}

func (m *MemoryStore) tableRowsLocked(tableID string) []*schema.Row {
	var rows []*schema.Row
	for _, r := range m.rows {
		if r.TableID == tableID {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Position != rows[j].Position {
			return rows[i].Position < rows[j].Position
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}

func cloneRow(r *schema.Row) *schema.Row {
	cp := *r
	cp.SourceData = make(map[string]string, len(r.SourceData))
	for k, v := range r.SourceData {
		cp.SourceData[k] = v
	}
	return &cp
}

// --- Cells ---

func (m *MemoryStore) UpsertCell(_ context.Context, cell *schema.Cell) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[cell.RowID]; !ok {
		return conflict("cell", cell.RowID+"/"+cell.ColumnID, "unknown row")
	}
	if _, ok := m.columns[cell.ColumnID]; !ok {
		return conflict("cell", cell.RowID+"/"+cell.ColumnID, "unknown column")
	}
	if cell.Status == "" {
		cell.Status = schema.CellStatusEmpty
	}
	cell.UpdatedAt = time.Now().UTC()
	m.cells[cell.Key()] = cloneCell(cell)
	return nil
}

func (m *MemoryStore) GetCell(_ context.Context, rowID, columnID string) (*schema.Cell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cells[schema.CellKey{RowID: rowID, ColumnID: columnID}]
	if !ok {
		return nil, storeNotFound("cell", rowID+"/"+columnID)
	}
	return cloneCell(c), nil
}

func (m *MemoryStore) ListCells(_ context.Context, tableID string, page Page) ([]*schema.Cell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.Cell
	for _, r := range m.tableRowsLocked(tableID) {
		var rowCells []*schema.Cell
		for k, c := range m.cells {
			if k.RowID == r.ID {
				rowCells = append(rowCells, c)
			}
		}
		sort.Slice(rowCells, func(i, j int) bool { return rowCells[i].ColumnID < rowCells[j].ColumnID })
		out = append(out, rowCells...)
	}
	out = paginate(out, page)
	for i, c := range out {
		out[i] = cloneCell(c)
	}
	return out, nil
}

func (m *MemoryStore) DeleteCell(_ context.Context, rowID, columnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := schema.CellKey{RowID: rowID, ColumnID: columnID}
	if _, ok := m.cells[k]; !ok {
		return storeNotFound("cell", rowID+"/"+columnID)
	}
	delete(m.cells, k)
	return nil
}

func cloneCell(c *schema.Cell) *schema.Cell {
	cp := *c
	if c.Value != nil {
		v := *c.Value
		if c.Value.Provenance != nil {
			p := *c.Value.Provenance
			v.Provenance = &p
		}
		cp.Value = &v
	}
	return &cp
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *schema.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return conflict("run", run.ID, "already exists")
	}
	if _, ok := m.tables[run.TableID]; !ok {
		return conflict("run", run.ID, "unknown table "+run.TableID)
	}
	run.StartedAt = timeOrNow(run.StartedAt)
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) CompleteRun(_ context.Context, id string, counts schema.RunCounts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	now := time.Now().UTC()
	r.Counts = counts
	r.CompletedAt = &now
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*schema.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.Run
	for _, r := range m.runs {
		if (filter.WorkspaceID != "" && r.WorkspaceID != filter.WorkspaceID) ||
			(filter.TableID != "" && r.TableID != filter.TableID) ||
			(filter.ColumnID != "" && r.ColumnID != filter.ColumnID) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *schema.GridEvent) error {
	if event.WorkspaceID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event requires a workspace id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[event.WorkspaceID]++
	event.Sequence = m.seq[event.WorkspaceID]
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	cp.Payload = cloneRaw(event.Payload)
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]*schema.GridEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.GridEvent
	for _, e := range m.events {
		if e.WorkspaceID != filter.WorkspaceID || e.Sequence <= filter.Since ||
			(filter.TableID != "" && e.TableID != filter.TableID) ||
			(filter.Type != "" && e.Type != filter.Type) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// --- Maintenance ---

// Migrate is a no-op; the in-memory store has no schema.
func (m *MemoryStore) Migrate(context.Context) error { return nil }

// Vacuum is a no-op.
func (m *MemoryStore) Vacuum(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func paginate[T any](items []T, p Page) []T {
	if p.Offset > 0 {
		if p.Offset >= len(items) {
			return nil
		}
		items = items[p.Offset:]
	}
	if p.Limit > 0 && len(items) > p.Limit {
		items = items[:p.Limit]
	}
	return items
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*LibSQLStore)(nil)
)
