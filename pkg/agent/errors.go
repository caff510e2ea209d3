package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrRecursionLimit is returned when a run exceeds its step budget without a final answer.
	ErrRecursionLimit = errors.New("recursion limit exceeded")
	// ErrModelInvocation matches every *ModelError.
	ErrModelInvocation = errors.New("model invocation failed")
	// ErrCheckpoint is returned when thread state cannot be loaded or saved.
	ErrCheckpoint = errors.New("checkpoint persistence failed")
	// ErrEmptyMessage is returned for blank user messages.
	ErrEmptyMessage = errors.New("message cannot be empty")
)

// ModelError reports a failed or malformed model call
type ModelError struct {
	Provider string
	Err      error
}

func (e *ModelError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("model invocation failed: %v", e.Err)
	}
	return fmt.Sprintf("model invocation failed (%s): %v", e.Provider, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrModelInvocation) match any ModelError
func (e *ModelError) Is(target error) bool {
	return target == ErrModelInvocation
}
