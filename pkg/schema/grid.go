package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// ColumnType enumerates the closed set of column kinds.
type ColumnType string

const (
	ColumnTypeField      ColumnType = "field"
	ColumnTypeFormula    ColumnType = "formula"
	ColumnTypeMerge      ColumnType = "merge"
	ColumnTypeEnrichment ColumnType = "enrichment"
	ColumnTypeAI         ColumnType = "ai"
	ColumnTypeWaterfall  ColumnType = "waterfall"
	ColumnTypeHTTP       ColumnType = "http"
)

// Executable reports whether cells of this type need an external call and
// persisted status. field, formula and merge are static.
func (t ColumnType) Executable() bool {
	switch t {
	case ColumnTypeEnrichment, ColumnTypeAI, ColumnTypeWaterfall, ColumnTypeHTTP:
		return true
	default:
		return false
	}
}

// Valid reports whether t is one of the known column types.
func (t ColumnType) Valid() bool {
	switch t {
	case ColumnTypeField, ColumnTypeFormula, ColumnTypeMerge,
		ColumnTypeEnrichment, ColumnTypeAI, ColumnTypeWaterfall, ColumnTypeHTTP:
		return true
	default:
		return false
	}
}

// CellStatus is the lifecycle state of an executable cell.
type CellStatus string

const (
	CellStatusEmpty    CellStatus = "empty"
	CellStatusPending  CellStatus = "pending"
	CellStatusComplete CellStatus = "complete"
	CellStatusError    CellStatus = "error"
)

// Workspace is the top-level container for one enrichment project.
type Workspace struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	AutoRun      bool            `json:"auto_run"`
	Conversation json.RawMessage `json:"conversation,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Table is an independent grid inside a workspace.
type Table struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Position    int       `json:"position"`
	CreatedAt   time.Time `json:"created_at"`
}

// Row is one record of imported data. SourceData is set once at creation.
type Row struct {
	ID         string            `json:"id"`
	TableID    string            `json:"table_id"`
	Position   int               `json:"position"`
	SourceData map[string]string `json:"source_data"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Provenance records where a waterfall value came from.
type Provenance struct {
	Source   string `json:"source"`
	Attempts int    `json:"attempts"`
}

// Value is the stored content of a cell.
type Value struct {
	Text       string      `json:"text"`
	Provenance *Provenance `json:"provenance,omitempty"`
}

// TextValue wraps a plain string as a Value.
func TextValue(s string) *Value {
	return &Value{Text: s}
}

// CellKey identifies a cell.
type CellKey struct {
	RowID    string
	ColumnID string
}

// Cell is the persisted (or overlaid) result of one column applied to one row.
type Cell struct {
	RowID        string     `json:"row_id"`
	ColumnID     string     `json:"column_id"`
	Value        *Value     `json:"value,omitempty"`
	Status       CellStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Key returns the cell's (row, column) key.
func (c *Cell) Key() CellKey {
	return CellKey{RowID: c.RowID, ColumnID: c.ColumnID}
}

// Text returns the cell's primary string or "" when it has no value.
func (c *Cell) Text() string {
	if c == nil || c.Value == nil {
		return ""
	}
	return c.Value.Text
}

// Column is a typed computation rule applied to every row of a table.
type Column struct {
	ID       string       `json:"id"`
	TableID  string       `json:"table_id"`
	Name     string       `json:"name"`
	Position int          `json:"position"`
	Width    int          `json:"width,omitempty"`
	Type     ColumnType   `json:"type"`
	Config   ColumnConfig `json:"config,omitempty"`
}

// Executable reports whether the column's cells are computed by the engine.
func (c *Column) Executable() bool {
	return c.Type.Executable()
}

// InputColumnIDs lists the columns whose values feed this column's adapter.
// Used by the auto-run scheduler to detect dependency edits.
func (c *Column) InputColumnIDs() []string {
	switch cfg := c.Config.(type) {
	case *EnrichmentConfig:
		if cfg.InputColumnID != "" {
			return []string{cfg.InputColumnID}
		}
	case *WaterfallConfig:
		var ids []string
		for _, s := range cfg.Sources {
			if s.InputColumnID != "" {
				ids = append(ids, s.InputColumnID)
			}
		}
		return ids
	}
	return nil
}

type columnJSON struct {
	ID       string          `json:"id"`
	TableID  string          `json:"table_id"`
	Name     string          `json:"name"`
	Position int             `json:"position"`
	Width    int             `json:"width,omitempty"`
	Type     ColumnType      `json:"type"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON decodes the config into the struct matching the column type.
func (c *Column) UnmarshalJSON(data []byte) error {
	var raw columnJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := DecodeColumnConfig(raw.Type, raw.Config)
	if err != nil {
		return err
	}
	*c = Column{
		ID:       raw.ID,
		TableID:  raw.TableID,
		Name:     raw.Name,
		Position: raw.Position,
		Width:    raw.Width,
		Type:     raw.Type,
		Config:   cfg,
	}
	return nil
}

// DecodeColumnConfig decodes raw JSON config for the given column type. An
// empty payload yields the zero config for that type.
func DecodeColumnConfig(t ColumnType, raw json.RawMessage) (ColumnConfig, error) {
	var cfg ColumnConfig
	switch t {
	case ColumnTypeField:
		cfg = &FieldConfig{}
	case ColumnTypeFormula:
		cfg = &FormulaConfig{}
	case ColumnTypeMerge:
		cfg = &MergeConfig{}
	case ColumnTypeEnrichment:
		cfg = &EnrichmentConfig{}
	case ColumnTypeAI:
		cfg = &AIConfig{}
	case ColumnTypeWaterfall:
		cfg = &WaterfallConfig{}
	case ColumnTypeHTTP:
		cfg = &HTTPConfig{}
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown column type %q", t)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode %s config: %s", t, err.Error()).WithCause(err)
	}
	return cfg, nil
}

// ColumnConfig is the type-specific configuration of a column. Each column
// type has exactly one config struct.
type ColumnConfig interface {
	ColumnType() ColumnType
}

// FieldConfig reads a key from the row's source data.
type FieldConfig struct {
	SourceField string       `json:"sourceField"`
	Format      *FieldFormat `json:"format,omitempty"`
}

// FieldFormat declares how a field value is displayed. Raw reads ignore it.
type FieldFormat struct {
	Type             string `json:"type"` // number | currency | date | checkbox | text
	Decimals         *int   `json:"decimals,omitempty"`
	ThousandsSep     bool   `json:"thousandsSeparator,omitempty"`
	CurrencySymbol   string `json:"currencySymbol,omitempty"`
	CurrencyPosition string `json:"currencyPosition,omitempty"` // before | after
	DatePattern      string `json:"datePattern,omitempty"`
}

// FormulaConfig holds a template expression evaluated per row.
type FormulaConfig struct {
	Expression string `json:"expression"`
}

// MergeConfig concatenates the raw values of several columns.
type MergeConfig struct {
	SourceColumns []string `json:"sourceColumns"`
	Separator     *string  `json:"separator,omitempty"`
	EmptyPolicy   string   `json:"emptyPolicy,omitempty"` // skip | include | placeholder
	Placeholder   string   `json:"placeholder,omitempty"`
	Output        string   `json:"output,omitempty"` // text | bullets
}

// ExecOptions are shared by all executable column configs.
type ExecOptions struct {
	BatchSize int    `json:"batchSize,omitempty"`
	RunIf     string `json:"runIf,omitempty"` // CEL condition over the row's values
}

// EnrichmentConfig calls one named provider.
type EnrichmentConfig struct {
	ExecOptions
	Function      string `json:"function"`
	InputColumnID string `json:"inputColumnId"`
	OutputField   string `json:"outputField,omitempty"`
}

// AIConfig builds a chat completion from templated prompts.
type AIConfig struct {
	ExecOptions
	Prompt       string   `json:"prompt"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    int      `json:"maxTokens,omitempty"`
	Stream       bool     `json:"stream,omitempty"`
	OutputFormat string   `json:"outputFormat,omitempty"` // text | json | list
	JSONPath     string   `json:"jsonPath,omitempty"`
	Delimiter    string   `json:"delimiter,omitempty"`
}

// WaterfallSource is one entry in a waterfall's priority list.
type WaterfallSource struct {
	ID            string `json:"id,omitempty"`
	Function      string `json:"function"`
	InputColumnID string `json:"inputColumnId"`
	OutputField   string `json:"outputField,omitempty"`
}

// Label is the identifier recorded in provenance.
func (s WaterfallSource) Label() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Function
}

// WaterfallConfig is an ordered fallback chain of providers.
type WaterfallConfig struct {
	ExecOptions
	Sources       []WaterfallSource `json:"sources"`
	StopOnSuccess *bool             `json:"stopOnSuccess,omitempty"`
}

// StopsOnSuccess returns the effective stopOnSuccess flag (default true).
func (c *WaterfallConfig) StopsOnSuccess() bool {
	return c.StopOnSuccess == nil || *c.StopOnSuccess
}

// HTTPAuth is optional request authentication.
type HTTPAuth struct {
	Type     string `json:"type"` // bearer | basic
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// HTTPConfig describes a templated HTTP call.
type HTTPConfig struct {
	ExecOptions
	URL         string            `json:"url"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
	Auth        *HTTPAuth         `json:"auth,omitempty"`
	OutputField string            `json:"outputField,omitempty"`
}

func (*FieldConfig) ColumnType() ColumnType      { return ColumnTypeField }
func (*FormulaConfig) ColumnType() ColumnType    { return ColumnTypeFormula }
func (*MergeConfig) ColumnType() ColumnType      { return ColumnTypeMerge }
func (*EnrichmentConfig) ColumnType() ColumnType { return ColumnTypeEnrichment }
func (*AIConfig) ColumnType() ColumnType         { return ColumnTypeAI }
func (*WaterfallConfig) ColumnType() ColumnType  { return ColumnTypeWaterfall }
func (*HTTPConfig) ColumnType() ColumnType       { return ColumnTypeHTTP }

// ExecOptionsOf returns the shared execution options of an executable config.
func ExecOptionsOf(cfg ColumnConfig) ExecOptions {
	switch c := cfg.(type) {
	case *EnrichmentConfig:
		return c.ExecOptions
	case *AIConfig:
		return c.ExecOptions
	case *WaterfallConfig:
		return c.ExecOptions
	case *HTTPConfig:
		return c.ExecOptions
	default:
		return ExecOptions{}
	}
}

// CheckConfig verifies that the column's config matches its type.
func (c *Column) CheckConfig() error {
	if !c.Type.Valid() {
		return NewErrorf(ErrCodeValidation, "unknown column type %q", c.Type)
	}
	if c.Config == nil {
		cfg, err := DecodeColumnConfig(c.Type, nil)
		if err != nil {
			return err
		}
		c.Config = cfg
		return nil
	}
	if c.Config.ColumnType() != c.Type {
		return NewError(ErrCodeValidation,
			fmt.Sprintf("column %q has type %s but %s config", c.Name, c.Type, c.Config.ColumnType()))
	}
	return nil
}
