package audit

import (
	"errors"
	"fmt"
)

// ErrViolationNotFound is returned when no violation has the requested ID.
var ErrViolationNotFound = errors.New("violation not found")

// StorageError reports a failed backend call. errors.Is and errors.As reach
// the driver error through it.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func NewStorageError(backend, op string, err error) *StorageError {
	return &StorageError{Backend: backend, Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("audit %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// QueryError rejects a violation query. Param is the filter's name in the
// HTTP API so clients can point at the bad input.
type QueryError struct {
	Param  string
	Reason string
}

func NewQueryError(param, format string, args ...any) *QueryError {
	return &QueryError{Param: param, Reason: fmt.Sprintf(format, args...)}
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Reason)
}

// ExportError is returned when an export stops part way. Written counts the
// violations already sent to the writer.
type ExportError struct {
	Format  string
	Written int
	Err     error
}

func NewExportError(format string, written int, err error) *ExportError {
	return &ExportError{Format: format, Written: written, Err: err}
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("%s export failed after %d violations: %v", e.Format, e.Written, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }
