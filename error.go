package runnerz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error provides rich context about a failure anywhere in the runner
// pipeline: where it happened, what update was being processed, and
// whether it was a timeout or a cancellation.
type Error[U any] struct {
	Timestamp time.Time
	InputData U
	Err       error
	Path      []Name
	Duration  time.Duration
	Timeout   bool
	Canceled  bool
}

// Error implements the error interface.
func (e *Error[U]) Error() string {
	if e == nil {
		return "<nil>"
	}
	path := strings.Join(e.Path, " -> ")
	if path == "" {
		path = "unknown"
	}
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s timed out after %v: %v", path, e.Duration, e.Err)
	case e.Canceled:
		return fmt.Sprintf("%s canceled after %v: %v", path, e.Duration, e.Err)
	default:
		return fmt.Sprintf("%s failed after %v: %v", path, e.Duration, e.Err)
	}
}

// Unwrap supports errors.Is / errors.As against the underlying error.
func (e *Error[U]) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTimeout reports whether the failure was a timeout, explicit or via
// context deadline.
func (e *Error[U]) IsTimeout() bool {
	if e == nil {
		return false
	}
	return e.Timeout || errors.Is(e.Err, context.DeadlineExceeded)
}

// IsCanceled reports whether the failure was a cancellation rather than a
// genuine error.
func (e *Error[U]) IsCanceled() bool {
	if e == nil {
		return false
	}
	return e.Canceled || errors.Is(e.Err, context.Canceled)
}

// wrapErr folds a plain error into an Error[U], preserving an existing
// Error[U]'s path by prepending name, or constructing a fresh one.
func wrapErr[U any](name Name, data U, err error, start time.Time) *Error[U] {
	var existing *Error[U]
	if errors.As(err, &existing) {
		existing.Path = append([]Name{name}, existing.Path...)
		return existing
	}
	return &Error[U]{
		Timestamp: time.Now(),
		InputData: data,
		Err:       err,
		Path:      []Name{name},
		Duration:  time.Since(start),
		Timeout:   errors.Is(err, context.DeadlineExceeded),
		Canceled:  errors.Is(err, context.Canceled),
	}
}
