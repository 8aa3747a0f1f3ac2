package columns

import (
	"strings"
	"sync"

	"github.com/rendis/gridflow/internal/expressions"
	"github.com/rendis/gridflow/pkg/schema"
)

// maxDepth bounds formula and merge references that point back at each
// other. Deeper lookups resolve to "".
const maxDepth = 8

// CellSource supplies stored cells to the read path.
type CellSource interface {
	Cell(rowID, columnID string) (*schema.Cell, bool)
}

// CellMap is an in-memory CellSource. Not safe for concurrent writes.
type CellMap map[schema.CellKey]*schema.Cell

// Cell returns the cell for (rowID, columnID).
func (m CellMap) Cell(rowID, columnID string) (*schema.Cell, bool) {
	c, ok := m[schema.CellKey{RowID: rowID, ColumnID: columnID}]
	return c, ok
}

// Put stores c under its key, replacing any previous cell.
func (m CellMap) Put(c *schema.Cell) {
	m[c.Key()] = c
}

// Layered reads Top first and falls back to Base. Sandbox reads use it to
// show overlay cells over persisted ones.
type Layered struct {
	Top  CellSource
	Base CellSource
}

// Cell implements CellSource.
func (l Layered) Cell(rowID, columnID string) (*schema.Cell, bool) {
	if l.Top != nil {
		if c, ok := l.Top.Cell(rowID, columnID); ok {
			return c, true
		}
	}
	if l.Base != nil {
		return l.Base.Cell(rowID, columnID)
	}
	return nil, false
}

// Grid is the read path of one table: column strategies applied to rows
// over a cell source. Static values are computed on every call and never
// cached, so they always reflect the current inputs.
type Grid struct {
	columns  []*schema.Column
	byID     map[string]*schema.Column
	byName   map[string]*schema.Column
	cells    CellSource
	resolver *expressions.TemplateResolver
	formulas *expressions.FormulaEvaluator
}

var (
	defaultFormulasOnce sync.Once
	defaultFormulas     *expressions.FormulaEvaluator
)

// NewGrid builds a read view over columns (in table order) and cells. A nil
// formula evaluator uses a shared default.
func NewGrid(columns []*schema.Column, cells CellSource, formulas *expressions.FormulaEvaluator) *Grid {
	if formulas == nil {
		defaultFormulasOnce.Do(func() { defaultFormulas = expressions.NewFormulaEvaluator() })
		formulas = defaultFormulas
	}
	if cells == nil {
		cells = CellMap{}
	}
	g := &Grid{
		columns:  columns,
		byID:     make(map[string]*schema.Column, len(columns)),
		byName:   make(map[string]*schema.Column, len(columns)),
		cells:    cells,
		formulas: formulas,
	}
	names := make([]string, 0, len(columns))
	for _, c := range columns {
		g.byID[c.ID] = c
		key := strings.ToLower(c.Name)
		if _, dup := g.byName[key]; !dup {
			g.byName[key] = c
		}
		names = append(names, c.Name)
	}
	g.resolver = expressions.NewTemplateResolver(names)
	return g
}

// Columns returns the columns in table order.
func (g *Grid) Columns() []*schema.Column { return g.columns }

// Column returns the column with the given ID.
func (g *Grid) Column(id string) (*schema.Column, bool) {
	c, ok := g.byID[id]
	return c, ok
}

// ColumnByName finds a column by name, case-insensitively.
func (g *Grid) ColumnByName(name string) (*schema.Column, bool) {
	c, ok := g.byName[strings.ToLower(name)]
	return c, ok
}

// Cells returns the grid's cell source.
func (g *Grid) Cells() CellSource { return g.cells }

// Resolver returns the template resolver over this grid's column names.
func (g *Grid) Resolver() *expressions.TemplateResolver { return g.resolver }

// RawValue is the unformatted value of a cell: what formulas, merges, sorts
// and adapter inputs see.
func (g *Grid) RawValue(row *schema.Row, columnID string) string {
	col, ok := g.byID[columnID]
	if !ok {
		return ""
	}
	return g.raw(row, col, 0)
}

// DisplayValue is the rendered value of a cell. Only field formats change
// the text; every other type displays its raw value.
func (g *Grid) DisplayValue(row *schema.Row, columnID string) string {
	col, ok := g.byID[columnID]
	if !ok {
		return ""
	}
	raw := g.raw(row, col, 0)
	if cfg, ok := col.Config.(*schema.FieldConfig); ok && cfg.Format != nil {
		return FormatField(raw, cfg.Format)
	}
	return raw
}

// Resolve substitutes column references in tmpl with the row's raw values.
func (g *Grid) Resolve(row *schema.Row, tmpl string) string {
	return g.resolve(row, tmpl, 0)
}

// RowValues returns every column's raw value keyed by column name.
func (g *Grid) RowValues(row *schema.Row) map[string]string {
	out := make(map[string]string, len(g.columns))
	for _, c := range g.columns {
		out[c.Name] = g.raw(row, c, 0)
	}
	return out
}

// Incomplete reports whether an executable cell still needs a run: it is
// neither complete nor pending, and enrichment and waterfall columns have at
// least one non-empty input.
func (g *Grid) Incomplete(row *schema.Row, col *schema.Column) bool {
	if !col.Executable() {
		return false
	}
	if cell, ok := g.cells.Cell(row.ID, col.ID); ok {
		if cell.Status == schema.CellStatusComplete || cell.Status == schema.CellStatusPending {
			return false
		}
	}
	inputs := col.InputColumnIDs()
	if col.Type != schema.ColumnTypeEnrichment && col.Type != schema.ColumnTypeWaterfall {
		return true
	}
	for _, id := range inputs {
		if strings.TrimSpace(g.RawValue(row, id)) != "" {
			return true
		}
	}
	return false
}

func (g *Grid) raw(row *schema.Row, col *schema.Column, depth int) string {
	if depth > maxDepth || row == nil {
		return ""
	}
	switch cfg := col.Config.(type) {
	case *schema.FieldConfig:
		if cell, ok := g.cells.Cell(row.ID, col.ID); ok && cell.Value != nil {
			return cell.Value.Text
		}
		key := cfg.SourceField
		if key == "" {
			key = col.Name
		}
		return sourceValue(row, key)
	case *schema.FormulaConfig:
		return g.formulas.Evaluate(g.resolve(row, cfg.Expression, depth+1))
	case *schema.MergeConfig:
		values := make([]string, 0, len(cfg.SourceColumns))
		for _, ref := range cfg.SourceColumns {
			src, ok := g.byID[ref]
			if !ok {
				src, ok = g.ColumnByName(ref)
			}
			if !ok {
				values = append(values, "")
				continue
			}
			values = append(values, g.raw(row, src, depth+1))
		}
		return Merge(values, cfg)
	default:
		if cell, ok := g.cells.Cell(row.ID, col.ID); ok {
			return cell.Text()
		}
		return ""
	}
}

func (g *Grid) resolve(row *schema.Row, tmpl string, depth int) string {
	return g.resolver.Resolve(tmpl, func(name string) string {
		if col, ok := g.ColumnByName(name); ok {
			if v := g.raw(row, col, depth); v != "" {
				return v
			}
		}
		return sourceValue(row, name)
	})
}

// sourceValue reads a source-data key, falling back to a case-insensitive match.
func sourceValue(row *schema.Row, key string) string {
	if row == nil || row.SourceData == nil {
		return ""
	}
	if v, ok := row.SourceData[key]; ok {
		return v
	}
	for k, v := range row.SourceData {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
