package validation

import "github.com/rendis/gridflow/pkg/schema"

// Validator checks a column definition against the table it belongs to
// before it is stored. table holds the table's current columns; an entry with
// the same ID as col is treated as the version being replaced.
type Validator interface {
	ValidateColumn(col *schema.Column, table []*schema.Column) error
}

// ProviderLookup reports whether an enrichment provider is registered.
type ProviderLookup interface {
	Has(name string) bool
}

// ConditionChecker compiles a runIf condition without evaluating it.
type ConditionChecker interface {
	Check(expression string) error
}
