package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := NewValidationResult(nil)
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_IssuesCarryColumn(t *testing.T) {
	r := NewValidationResult(&Column{ID: "col-company", Name: "Company"})
	r.AddWarning("config.prompt", ErrCodeValidation, "reference matches no column")
	assert.True(t, r.Valid(), "warnings alone keep the result valid")

	r.AddError("config.inputColumnId", ErrCodeNotFound, "input column missing")
	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "col-company", r.Errors[0].ColumnID)
	assert.Equal(t, ErrCodeNotFound, r.Errors[0].Code)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
	assert.Equal(t, "config.inputColumnId: input column missing", r.Errors[0].String())
}

func TestValidationResult_MergeAttributesUnownedIssues(t *testing.T) {
	r1 := NewValidationResult(&Column{ID: "col-b", Name: "B"})
	r1.AddError("name", ErrCodeConflict, "duplicate name")

	r2 := &ValidationResult{}
	r2.AddError("config", ErrCodeValidation, "cycle")
	r2.AddWarning("config.url", ErrCodeValidation, "unmapped reference")
	other := NewValidationResult(&Column{ID: "col-a"})
	other.AddError("config.expression", ErrCodeValidation, "refers to B")

	r1.Merge(r2)
	r1.Merge(other)
	r1.Merge(nil)

	require.Len(t, r1.Errors, 3)
	assert.Len(t, r1.Warnings, 1)
	assert.Equal(t, "col-b", r1.Errors[1].ColumnID)
	assert.Equal(t, "col-b", r1.Warnings[0].ColumnID)
	assert.Equal(t, "col-a", r1.Errors[2].ColumnID, "owned issues keep their column")
}

func TestValidationResult_ToError(t *testing.T) {
	single := NewValidationResult(&Column{ID: "col-1", Name: "Company"})
	single.AddError("config.function", ErrCodeValidation, `provider "x" is not registered`)

	ge, ok := single.ToError().(*GridError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, ge.Code)
	assert.Equal(t, `column "Company": config.function: provider "x" is not registered`, ge.Message)
	assert.Equal(t, "col-1", ge.ColumnID)
	assert.Equal(t, 1, ge.Details["error_count"])

	multi := &ValidationResult{}
	multi.AddError("/", ErrCodeValidation, "err1")
	multi.AddError("name", ErrCodeValidation, "err2")
	multi.AddWarning("/", ErrCodeValidation, "warn1")

	ge, ok = multi.ToError().(*GridError)
	require.True(t, ok)
	assert.Equal(t, "err1 (and 1 more)", ge.Message)
	assert.Empty(t, ge.ColumnID)
	assert.Equal(t, 2, ge.Details["error_count"])
	assert.Equal(t, 1, ge.Details["warning_count"])
}
