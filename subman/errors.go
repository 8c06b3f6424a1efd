package subman

import (
	"errors"
	"fmt"
)

// ErrInternal reports a precondition violation: an unknown id, a
// contradictory spec, or a call made out of sequence.
var ErrInternal = errors.New("subman: internal error")

// ErrNdb wraps a local store failure.
var ErrNdb = errors.New("subman: local store error")

// internalErrorf wraps ErrInternal with a message, preserving errors.Is.
func internalErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}

// ndbErrorf wraps ErrNdb around an underlying store error.
func ndbErrorf(err error) error {
	return fmt.Errorf("%w: %w", ErrNdb, err)
}
