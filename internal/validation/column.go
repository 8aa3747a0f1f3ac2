package validation

import "github.com/rendis/gridflow/pkg/schema"

// ColumnValidator runs the column validation pipeline:
//  1. Structural (type and JSON Schema of the config)
//  2. Semantic (names, references, providers, runIf)
//  3. DAG (dependency cycles across the table)
type ColumnValidator struct {
	jsonSchema *JSONSchemaValidator
	providers  ProviderLookup
	conditions ConditionChecker
}

// NewColumnValidator creates a ColumnValidator. providers and conditions may
// be nil to skip provider existence and runIf compilation checks.
func NewColumnValidator(providers ProviderLookup, conditions ConditionChecker) (*ColumnValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &ColumnValidator{
		jsonSchema: jsv,
		providers:  providers,
		conditions: conditions,
	}, nil
}

// Validate returns every issue found for col within table. Structural errors
// short-circuit the later stages.
func (v *ColumnValidator) Validate(col *schema.Column, table []*schema.Column) *schema.ValidationResult {
	result := schema.NewValidationResult(col)
	if col == nil {
		result.AddError("/", schema.ErrCodeValidation, "column is nil")
		return result
	}

	if err := col.CheckConfig(); err != nil {
		result.AddError("type", schema.ErrCodeValidation, schema.CellMessage(err))
		return result
	}
	result.Merge(validateStructural(v.jsonSchema, col))
	if !result.Valid() {
		return result
	}

	merged := withColumn(table, col)
	result.Merge(validateSemantic(col, merged, v.providers, v.conditions))
	if result.Valid() {
		result.Merge(validateDAG(merged))
	}
	return result
}

// ValidateColumn satisfies the Validator interface.
func (v *ColumnValidator) ValidateColumn(col *schema.Column, table []*schema.Column) error {
	return v.Validate(col, table).ToError()
}

// withColumn returns table with col replacing the entry of the same ID, or
// appended when it is new.
func withColumn(table []*schema.Column, col *schema.Column) []*schema.Column {
	out := make([]*schema.Column, 0, len(table)+1)
	replaced := false
	for _, c := range table {
		if c.ID == col.ID {
			out = append(out, col)
			replaced = true
			continue
		}
		out = append(out, c)
	}
	if !replaced {
		out = append(out, col)
	}
	return out
}

// validateStructural turns the JSON Schema violations into result issues.
func validateStructural(v *JSONSchemaValidator, col *schema.Column) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateConfig(col)
	if err == nil {
		return result
	}
	ge, ok := err.(*schema.GridError)
	if !ok {
		result.AddError("config", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := ge.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("config", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("config", schema.ErrCodeValidation, ge.Message)
	return result
}

var _ Validator = (*ColumnValidator)(nil)
