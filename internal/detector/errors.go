package detector

import (
	"errors"
	"fmt"
)

var (
	// ErrModelLoadFailed means the engine could not be constructed. It is fatal.
	ErrModelLoadFailed = errors.New("model load failed")

	// ErrEngineRejected means the engine refused a single frame. The cycle is
	// dropped and the pipeline carries on with the next frame.
	ErrEngineRejected = errors.New("engine rejected frame")
)

// RejectedError carries the reason an engine rejected a frame.
type RejectedError struct {
	Reason string
	Err    error
}

// Reject returns a RejectedError for reason.
func Reject(reason string, err error) *RejectedError {
	return &RejectedError{Reason: reason, Err: err}
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrEngineRejected, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrEngineRejected, e.Reason)
}

// Is reports ErrEngineRejected as a match.
func (e *RejectedError) Is(target error) bool {
	return target == ErrEngineRejected
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

func loadFailed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrModelLoadFailed, fmt.Sprintf(format, args...))
}
