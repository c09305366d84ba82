package kfr

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is the error returned when no record exists for a path.
	ErrNotFound = errors.New("not found")

	// ErrClosed is the error returned when using a FatKfr, Reader, or Queue after Close.
	ErrClosed = errors.New("closed")

	// ErrAbsent is the error returned when reading the content of a tombstone.
	ErrAbsent = errors.New("record is absent")

	// ErrCorruptTransfer is the error returned when merged content
	// disagrees with the size or hash its record declares.
	ErrCorruptTransfer = errors.New("corrupt transfer")

	// ErrStale is the error returned when a change was superseded
	// between being announced and being processed.
	ErrStale = errors.New("stale event")
)

// InvariantError reports a programming error,
// such as a present FatKfr over a missing file.
// The operation that hit it cannot continue.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Msg
}

func invariant(format string, args ...interface{}) *InvariantError {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

// IsInvariant tells whether err is or wraps an *InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// Recover converts a panicking *InvariantError into an error stored in *errp.
// It must be called directly by a deferred statement.
// Other panics propagate.
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if ie, ok := r.(*InvariantError); ok {
		*errp = ie
		return
	}
	panic(r)
}
