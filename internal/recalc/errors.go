package recalc

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownField is returned when a call names a path that has no
	// recalculation field. Nothing is changed.
	ErrUnknownField = errors.New("unknown recalculation field")

	// ErrDisposed is returned by calls made after Dispose.
	ErrDisposed = errors.New("recalculation engine disposed")
)

// CascadeLimitError reports a cascade that ran more handlers than the
// configured limit allows. The run that tripped the limit is dropped, as is
// every later run in the same cascade.
type CascadeLimitError struct {
	Field string // field whose run tripped the limit
	Steps int    // runs counted, including the dropped one
	Limit int
}

// Error implements the error interface.
func (e *CascadeLimitError) Error() string {
	return fmt.Sprintf("recalculation cascade exceeded limit at field %q: %d runs > %d limit",
		e.Field, e.Steps, e.Limit)
}

// IsCascadeLimitError reports whether err is or wraps a CascadeLimitError.
func IsCascadeLimitError(err error) bool {
	var ce *CascadeLimitError
	return errors.As(err, &ce)
}

// HandlerError wraps a failure returned or raised by a field handler.
type HandlerError struct {
	Field string
	Err   error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("recalculation handler for %q failed: %v", e.Field, e.Err)
}

// Unwrap returns the handler's error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}
