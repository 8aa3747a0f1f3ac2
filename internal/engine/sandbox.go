package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/rendis/gridflow/internal/columns"
	"github.com/rendis/gridflow/internal/logging"
	"github.com/rendis/gridflow/pkg/schema"
)

// SandboxRowLimit caps how many rows one sandbox run touches.
const SandboxRowLimit = 10

// Overlay holds sandbox cells in memory. It is a CellSource for the read
// path and a CellWriter for sandbox runs. Safe for concurrent use.
type Overlay struct {
	mu    sync.RWMutex
	cells map[schema.CellKey]*schema.Cell
}

// NewOverlay creates an empty overlay.
func NewOverlay() *Overlay {
	return &Overlay{cells: make(map[schema.CellKey]*schema.Cell)}
}

// Cell implements columns.CellSource.
func (o *Overlay) Cell(rowID, columnID string) (*schema.Cell, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.cells[schema.CellKey{RowID: rowID, ColumnID: columnID}]
	return c, ok
}

// UpsertCell implements CellWriter.
func (o *Overlay) UpsertCell(_ context.Context, cell *schema.Cell) error {
	c := *cell
	c.UpdatedAt = time.Now().UTC()
	o.mu.Lock()
	o.cells[c.Key()] = &c
	o.mu.Unlock()
	return nil
}

// Cells returns a copy of every overlay cell.
func (o *Overlay) Cells() []*schema.Cell {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*schema.Cell, 0, len(o.cells))
	for _, c := range o.cells {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// Len returns the number of overlay cells.
func (o *Overlay) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.cells)
}

// Clear drops every overlay cell.
func (o *Overlay) Clear() {
	o.mu.Lock()
	o.cells = make(map[schema.CellKey]*schema.Cell)
	o.mu.Unlock()
}

var _ columns.CellSource = (*Overlay)(nil)

type hintSet struct {
	keywords []string
	values   []string
}

// MockGenerator produces stable sample values for sandbox runs. The value
// for a (row, column) pair depends only on their IDs and the column's hints.
type MockGenerator struct {
	sets     []hintSet
	fallback []string
}

// NewMockGenerator creates a generator with the built-in value sets.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{
		sets: []hintSet{
			{[]string{"email", "e-mail"}, []string{"jane.doe@acme.io", "m.chen@globex.com", "sam@initech.co", "priya.k@umbrella.dev", "alex@hooli.xyz"}},
			{[]string{"phone", "mobile", "telephone"}, []string{"+1 415 555 0142", "+1 212 555 0199", "+44 20 7946 0321", "+1 646 555 0117", "+49 30 901820"}},
			{[]string{"linkedin"}, []string{"linkedin.com/in/janedoe", "linkedin.com/in/mchen", "linkedin.com/in/sam-b", "linkedin.com/in/priyak"}},
			{[]string{"website", "domain", "url", "site"}, []string{"acme.io", "globex.com", "initech.co", "umbrella.dev", "hooli.xyz"}},
			{[]string{"company", "organization", "employer", "account"}, []string{"Acme Corp", "Globex", "Initech", "Umbrella Labs", "Hooli"}},
			{[]string{"title", "role", "position", "job"}, []string{"VP of Sales", "Head of Growth", "CTO", "Marketing Manager", "Founder & CEO"}},
			{[]string{"industry", "sector", "vertical"}, []string{"SaaS", "Fintech", "Healthcare", "E-commerce", "Logistics"}},
			{[]string{"employee", "headcount", "size"}, []string{"11-50", "51-200", "201-500", "501-1000", "1000+"}},
			{[]string{"revenue", "funding"}, []string{"$2.5M", "$12M", "$48M", "$150M", "$1.2B"}},
			{[]string{"city", "location", "hq", "address"}, []string{"San Francisco", "New York", "London", "Berlin", "Austin"}},
			{[]string{"country"}, []string{"United States", "United Kingdom", "Germany", "Canada", "France"}},
			{[]string{"score", "rating"}, []string{"92", "78", "65", "88", "71"}},
			{[]string{"summary", "description", "about", "bio"}, []string{
				"Builds workflow software for mid-market finance teams.",
				"Series B company expanding into Europe this year.",
				"Recently launched a self-serve tier and is hiring SDRs.",
			}},
			{[]string{"name", "contact", "person", "founder"}, []string{"Jane Doe", "Michael Chen", "Sam Bolton", "Priya Kapoor", "Alex Rivera"}},
		},
		fallback: []string{"Sample A", "Sample B", "Sample C", "Sample D", "Sample E"},
	}
}

// Value returns the mock value for rowID in col.
func (g *MockGenerator) Value(rowID string, col *schema.Column) string {
	values := g.valuesFor(hintText(col))
	h := xxhash.Sum64String(rowID + "\x00" + col.ID)
	return values[h%uint64(len(values))]
}

func (g *MockGenerator) valuesFor(hints string) []string {
	for _, set := range g.sets {
		for _, kw := range set.keywords {
			if strings.Contains(hints, kw) {
				return set.values
			}
		}
	}
	return g.fallback
}

// hintText is the lowercased column name plus any configured output fields.
func hintText(col *schema.Column) string {
	parts := []string{col.Name}
	switch cfg := col.Config.(type) {
	case *schema.EnrichmentConfig:
		parts = append(parts, cfg.OutputField)
	case *schema.HTTPConfig:
		parts = append(parts, cfg.OutputField)
	case *schema.AIConfig:
		parts = append(parts, cfg.JSONPath)
	case *schema.WaterfallConfig:
		for _, s := range cfg.Sources {
			parts = append(parts, s.OutputField)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func (e *executorImpl) RunSandbox(ctx context.Context, req RunRequest, overlay *Overlay) (*schema.Run, error) {
	if overlay == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "sandbox run requires an overlay")
	}
	snap, err := LoadSnapshot(ctx, e.store, req.TableID, overlay)
	if err != nil {
		return nil, err
	}
	col, err := executableColumn(snap, req.ColumnID)
	if err != nil {
		return nil, err
	}
	rows := snap.SelectRows(req.RowIDs)
	if len(rows) > e.config.SandboxRowLimit {
		rows = rows[:e.config.SandboxRowLimit]
	}

	ctx = logging.WithColumnID(logging.WithTableID(logging.WithWorkspaceID(ctx, snap.Table.WorkspaceID), snap.Table.ID), col.ID)
	run := &schema.Run{
		ID:          uuid.New().String(),
		WorkspaceID: snap.Table.WorkspaceID,
		TableID:     snap.Table.ID,
		ColumnID:    col.ID,
		Trigger:     schema.RunTriggerSandbox,
		StartedAt:   time.Now().UTC(),
	}
	e.emitRun(ctx, schema.EventRunStarted, run)

	counts, runErr := e.executeRows(ctx, snap, col, rows, e.BatchSize(col), overlay, func(ctx context.Context, row *schema.Row) (cellOutcome, *schema.Cell) {
		return e.mockCell(ctx, snap.Grid, col, row)
	})

	now := time.Now().UTC()
	run.Counts = counts
	run.CompletedAt = &now
	e.emitRun(ctx, schema.EventRunCompleted, run)
	e.logger.InfoContext(ctx, "sandbox run completed", "column", col.Name, "rows", len(rows), "succeeded", counts.Succeeded)
	return run, runErr
}

// mockCell mirrors evaluateCell's input handling so empty inputs stay empty,
// then fills the cell from the mock generator.
func (e *executorImpl) mockCell(ctx context.Context, grid *columns.Grid, col *schema.Column, row *schema.Row) (cellOutcome, *schema.Cell) {
	if skip, err := e.skipRow(ctx, grid, col, row); err != nil {
		return outcomeError, errorCell(row.ID, col.ID, schema.CellMessage(err))
	} else if skip {
		return outcomeSkipped, emptyCell(row.ID, col.ID)
	}

	value := &schema.Value{Text: e.mocks.Value(row.ID, col)}
	switch cfg := col.Config.(type) {
	case *schema.EnrichmentConfig:
		if strings.TrimSpace(grid.RawValue(row, cfg.InputColumnID)) == "" {
			return outcomeEmpty, emptyCell(row.ID, col.ID)
		}
	case *schema.AIConfig:
		if strings.TrimSpace(grid.Resolve(row, cfg.Prompt)) == "" {
			return outcomeEmpty, emptyCell(row.ID, col.ID)
		}
	case *schema.HTTPConfig:
		if strings.TrimSpace(grid.Resolve(row, cfg.URL)) == "" {
			return outcomeEmpty, emptyCell(row.ID, col.ID)
		}
	case *schema.WaterfallConfig:
		source := ""
		for _, s := range cfg.Sources {
			if strings.TrimSpace(grid.RawValue(row, s.InputColumnID)) != "" {
				source = s.Label()
				break
			}
		}
		if source == "" {
			return outcomeEmpty, emptyCell(row.ID, col.ID)
		}
		value.Provenance = &schema.Provenance{Source: source, Attempts: 1}
	}
	return outcomeComplete, &schema.Cell{RowID: row.ID, ColumnID: col.ID, Value: value, Status: schema.CellStatusComplete}
}
