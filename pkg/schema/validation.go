package schema

import "fmt"

// ValidationSeverity separates issues that reject a column from advice.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem in a column definition. Path points into
// the column as written in JSON, e.g. "name" or "config.sources[1].function".
type ValidationIssue struct {
	ColumnID string             `json:"column_id,omitempty"`
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// String renders the issue as "path: message".
func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues found while checking one column
// against the other columns of its table.
type ValidationResult struct {
	ColumnID   string            `json:"column_id,omitempty"`
	ColumnName string            `json:"column_name,omitempty"`
	Errors     []ValidationIssue `json:"errors,omitempty"`
	Warnings   []ValidationIssue `json:"warnings,omitempty"`
}

// NewValidationResult starts an empty result for col, which may be nil.
func NewValidationResult(col *Column) *ValidationResult {
	r := &ValidationResult{}
	if col != nil {
		r.ColumnID, r.ColumnName = col.ID, col.Name
	}
	return r
}

// Valid reports whether the column can be saved. Warnings do not count.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, r.issue(path, code, message, SeverityError))
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, r.issue(path, code, message, SeverityWarning))
}

// Merge appends the issues of other. Issues without a column are
// attributed to r's column.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	for _, is := range other.Errors {
		r.Errors = append(r.Errors, r.own(is))
	}
	for _, is := range other.Warnings {
		r.Warnings = append(r.Warnings, r.own(is))
	}
}

// ToError reports the errors as one VALIDATION_ERROR naming the column and
// the first offending path, or nil when the column is valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].String()
	if extra := len(r.Errors) - 1; extra > 0 {
		msg = fmt.Sprintf("%s (and %d more)", msg, extra)
	}
	if r.ColumnName != "" {
		msg = fmt.Sprintf("column %q: %s", r.ColumnName, msg)
	}

	ge := NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
	if r.ColumnID != "" {
		ge = ge.WithColumn(r.ColumnID)
	}
	return ge
}

func (r *ValidationResult) issue(path, code, message string, sev ValidationSeverity) ValidationIssue {
	return ValidationIssue{ColumnID: r.ColumnID, Path: path, Code: code, Message: message, Severity: sev}
}

func (r *ValidationResult) own(is ValidationIssue) ValidationIssue {
	if is.ColumnID == "" {
		is.ColumnID = r.ColumnID
	}
	return is
}
