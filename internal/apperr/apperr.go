// Package apperr defines the error taxonomy shared by the processing,
// retrieval and evaluation paths. Callers classify with errors.As or the
// Is* helpers; wrapping with fmt.Errorf("...: %w") keeps the class intact.
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input that is rejected synchronously
// and never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// Validation builds a ValidationError with a formatted message.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// TransientError wraps an infrastructure failure (index or store briefly
// unavailable, timeouts) that is worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// PermanentError wraps a failure that no retry can fix, such as content
// that cannot be parsed or embedded.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not retryable. A nil err stays nil.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Op: op, Err: err}
}

// DegradedError records an optional feature that failed and was skipped.
// It is logged, never returned to end users.
type DegradedError struct {
	Feature string
	Err     error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("degraded: %s: %v", e.Feature, e.Err)
}

func (e *DegradedError) Unwrap() error { return e.Err }

// CaseError is the failure of a single evaluation case.
type CaseError struct {
	CaseID string
	Err    error
}

func (e *CaseError) Error() string {
	return fmt.Sprintf("case %s: %v", e.CaseID, e.Err)
}

func (e *CaseError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Class names the taxonomy bucket of err for diagnostics. Errors outside
// the taxonomy report their dynamic Go type.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation"
	case IsPermanent(err):
		return "permanent"
	case IsTransient(err):
		return "transient"
	}
	var d *DegradedError
	if errors.As(err, &d) {
		return "degraded"
	}
	return fmt.Sprintf("%T", err)
}
