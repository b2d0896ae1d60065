package pricing

import "fmt"

// ValidationError describes a malformed or out-of-range pricing report.
// Reports failing validation are discarded and logged, never stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid pricing report: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
