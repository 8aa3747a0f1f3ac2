package validation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/gridflow/internal/columns"
	"github.com/rendis/gridflow/internal/expressions"
	"github.com/rendis/gridflow/pkg/schema"
)

// validateSemantic checks what the config schema cannot: names are unique
// within the table, referenced columns exist, providers are registered, and
// runIf conditions compile.
func validateSemantic(col *schema.Column, table []*schema.Column, providers ProviderLookup, conditions ConditionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if strings.TrimSpace(col.Name) == "" {
		result.AddError("name", schema.ErrCodeValidation, "column name is required")
	}

	byID := make(map[string]*schema.Column, len(table))
	byName := make(map[string]*schema.Column, len(table))
	for _, c := range table {
		if c.ID == col.ID {
			continue
		}
		byID[c.ID] = c
		byName[strings.ToLower(c.Name)] = c
		if col.Name != "" && strings.EqualFold(c.Name, col.Name) {
			result.AddError("name", schema.ErrCodeConflict,
				fmt.Sprintf("column %q already exists in this table", c.Name))
		}
	}

	inputRef := func(path, id string) {
		switch {
		case id == "":
		case id == col.ID:
			result.AddError(path, schema.ErrCodeValidation, "column cannot use itself as input")
		case byID[id] == nil:
			result.AddError(path, schema.ErrCodeNotFound, fmt.Sprintf("input column %q does not exist", id))
		}
	}
	provider := func(path, name string) {
		if providers != nil && name != "" && !providers.Has(name) {
			result.AddError(path, schema.ErrCodeUnavailable, fmt.Sprintf("provider %q is not registered", name))
		}
	}

	switch cfg := col.Config.(type) {
	case *schema.FieldConfig:
		if cfg.Format != nil && cfg.Format.Type == columns.FormatDate && cfg.Format.DatePattern != "" &&
			!slices.Contains(columns.DatePatterns(), cfg.Format.DatePattern) {
			result.AddError("config.format.datePattern", schema.ErrCodeValidation,
				fmt.Sprintf("unsupported date pattern %q", cfg.Format.DatePattern))
		}
	case *schema.FormulaConfig:
		checkTemplate("config.expression", cfg.Expression, table, result)
	case *schema.MergeConfig:
		for i, ref := range cfg.SourceColumns {
			path := fmt.Sprintf("config.sourceColumns[%d]", i)
			if ref == col.ID || strings.EqualFold(ref, col.Name) {
				result.AddError(path, schema.ErrCodeValidation, "merge column cannot include itself")
				continue
			}
			if byID[ref] == nil && byName[strings.ToLower(ref)] == nil {
				result.AddError(path, schema.ErrCodeNotFound, fmt.Sprintf("source column %q does not exist", ref))
			}
		}
	case *schema.EnrichmentConfig:
		inputRef("config.inputColumnId", cfg.InputColumnID)
		provider("config.function", cfg.Function)
	case *schema.AIConfig:
		checkTemplate("config.prompt", cfg.Prompt, table, result)
		checkTemplate("config.systemPrompt", cfg.SystemPrompt, table, result)
		if cfg.OutputFormat == "json" && cfg.JSONPath == "" {
			result.AddWarning("config.jsonPath", schema.ErrCodeValidation,
				"json output without a jsonPath stores the whole document")
		}
	case *schema.WaterfallConfig:
		labels := make(map[string]bool, len(cfg.Sources))
		for i, src := range cfg.Sources {
			path := fmt.Sprintf("config.sources[%d]", i)
			inputRef(path+".inputColumnId", src.InputColumnID)
			provider(path+".function", src.Function)
			if labels[src.Label()] {
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("source label %q is used more than once; provenance cannot tell them apart", src.Label()))
			}
			labels[src.Label()] = true
		}
	case *schema.HTTPConfig:
		checkTemplate("config.url", cfg.URL, table, result)
		checkTemplate("config.body", cfg.Body, table, result)
		if cfg.Auth != nil {
			switch cfg.Auth.Type {
			case "bearer":
				if cfg.Auth.Token == "" {
					result.AddError("config.auth.token", schema.ErrCodeValidation, "bearer auth requires a token")
				}
			case "basic":
				if cfg.Auth.Username == "" {
					result.AddError("config.auth.username", schema.ErrCodeValidation, "basic auth requires a username")
				}
			}
		}
	}

	if opts := schema.ExecOptionsOf(col.Config); opts.RunIf != "" && conditions != nil {
		if err := conditions.Check(opts.RunIf); err != nil {
			result.AddError("config.runIf", schema.ErrCodeValidation,
				fmt.Sprintf("runIf does not compile: %s", schema.CellMessage(err)))
		}
	}

	return result
}

// checkTemplate warns about references that match no column. They still
// resolve at read time, from source data or to "".
func checkTemplate(path, tmpl string, table []*schema.Column, result *schema.ValidationResult) {
	if tmpl == "" {
		return
	}
	for _, tok := range expressions.NewTemplateResolver(columnNames(table)).Tokenize(tmpl) {
		if tok.Kind == expressions.TokenReference && !tok.Mapped {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("reference %q matches no column and reads source data", tok.Text))
		}
	}
}

func columnNames(table []*schema.Column) []string {
	names := make([]string, 0, len(table))
	for _, c := range table {
		names = append(names, c.Name)
	}
	return names
}
