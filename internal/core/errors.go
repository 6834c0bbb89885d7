package core

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Sentinel errors shared across packages. Compare with errors.Is.
var (
	// ErrInvalidInput marks caller mistakes such as an unknown source type.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPersistence marks any failure reported by the storage layer.
	ErrPersistence = errors.New("persistence failure")
)

// MarkPersistence wraps a storage error and marks it as ErrPersistence.
func MarkPersistence(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrPersistence)
}

// FailureDetail renders the full error chain with stack traces.
func FailureDetail(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%+v", err)
}

// PanicError converts a recovered panic value into an error with a stack.
func PanicError(r any) error {
	if err, ok := r.(error); ok {
		return errors.Wrap(err, "panic")
	}
	return errors.Newf("panic: %v", r)
}
