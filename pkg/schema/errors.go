package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeStore        = "STORE_ERROR"
	ErrCodeMissingInput = "MISSING_INPUT"
	ErrCodeAdapter      = "ADAPTER_ERROR"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeFormula      = "FORMULA_ERROR"
	ErrCodeCircuitOpen  = "CIRCUIT_OPEN"
	ErrCodeUnavailable  = "PROVIDER_UNAVAILABLE"
)

// GridError is the structured error type used across the engine, adapters and store.
type GridError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	ColumnID string         `json:"column_id,omitempty"`
	RowID    string         `json:"row_id,omitempty"`
	Cause    error          `json:"-"`
}

func (e *GridError) Error() string {
	if e.ColumnID != "" && e.RowID != "" {
		return fmt.Sprintf("[%s] cell %s/%s: %s", e.Code, e.RowID, e.ColumnID, e.Message)
	}
	if e.ColumnID != "" {
		return fmt.Sprintf("[%s] column %s: %s", e.Code, e.ColumnID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GridError) Unwrap() error {
	return e.Cause
}

// NewError creates a new GridError.
func NewError(code, message string) *GridError {
	return &GridError{Code: code, Message: message}
}

// NewErrorf creates a new GridError with a formatted message.
func NewErrorf(code, format string, args ...any) *GridError {
	return &GridError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithColumn attaches a column ID to the error.
func (e *GridError) WithColumn(columnID string) *GridError {
	e.ColumnID = columnID
	return e
}

// WithRow attaches a row ID to the error.
func (e *GridError) WithRow(rowID string) *GridError {
	e.RowID = rowID
	return e
}

// WithCause attaches an underlying cause.
func (e *GridError) WithCause(err error) *GridError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *GridError) WithDetails(details map[string]any) *GridError {
	e.Details = details
	return e
}

// IsRetryable reports whether a fresh attempt could succeed. Only rate limiting
// is retried inside a run; everything else waits for the next run.
func (e *GridError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// CellMessage is the text persisted as a cell's errorMessage. It drops the
// code prefix so the stored message reads like the adapter reported it.
func CellMessage(err error) string {
	if err == nil {
		return ""
	}
	var ge *GridError
	if errors.As(err, &ge) {
		return ge.Message
	}
	return err.Error()
}
