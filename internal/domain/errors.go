package domain

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrWarNotFound       = errors.New("war log not found")
	ErrWarFrozen         = errors.New("war log is frozen")
	ErrWarEnded          = errors.New("war has already ended")
	ErrInvalidTransition = errors.New("invalid war state transition")
	ErrStaleSnapshot     = errors.New("territory snapshot is older than the recorded state")
	ErrSnapshotRegressed = errors.New("guild snapshot regressed")
	ErrInvalidSortKey    = errors.New("invalid sort key")
	ErrInvalidRange      = errors.New("invalid time range")
	ErrDataIntegrity     = errors.New("data integrity violation")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInternalError     = errors.New("internal server error")
)

// TransientIOError reports a storage or cache failure the caller may retry.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientIOError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientIOError{Op: op, Err: err}
}

// IsTransient reports whether err is, or wraps, a TransientIOError.
func IsTransient(err error) bool {
	var te *TransientIOError
	return errors.As(err, &te)
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrWarNotFound)
}

// IsConflictError reports errors caused by a request that conflicts with recorded state.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrWarFrozen) ||
		errors.Is(err, ErrWarEnded) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrStaleSnapshot) ||
		errors.Is(err, ErrSnapshotRegressed)
}

// IsValidationError reports errors caused by malformed input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidSortKey) ||
		errors.Is(err, ErrInvalidRange)
}
