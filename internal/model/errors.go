package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidIdentifier    = errors.New("invalid identifier")
	ErrInvalidAction        = errors.New("invalid action")
	ErrMissingConfiguration = errors.New("missing configuration")
	ErrDependencyMissing    = errors.New("dependency missing")
	ErrDependencyNotReady   = errors.New("dependency not ready")
	ErrLockTimeout          = errors.New("lock acquisition timed out")
	ErrProcessExit          = errors.New("process exited with non-zero code")
	ErrProcessStalled       = errors.New("process stalled")
	ErrProcessTimeout       = errors.New("process timed out")
	ErrProcessCancelled     = errors.New("process cancelled")
	ErrJobNotFound          = errors.New("job not found")
)

// ProcessError describes a tool invocation that did not finish cleanly.
// Output holds everything the process wrote before it ended.
type ProcessError struct {
	Command  string
	ExitCode int
	Output   string
	Cause    error
}

func (e *ProcessError) Error() string {
	switch {
	case errors.Is(e.Cause, ErrProcessStalled):
		return fmt.Sprintf("%s stalled and was terminated", e.Command)
	case errors.Is(e.Cause, ErrProcessTimeout):
		return fmt.Sprintf("%s timed out", e.Command)
	case errors.Is(e.Cause, ErrProcessCancelled):
		return fmt.Sprintf("%s was cancelled", e.Command)
	case e.Cause != nil && !errors.Is(e.Cause, ErrProcessExit):
		return fmt.Sprintf("%s failed: %v", e.Command, e.Cause)
	}
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}

func (e *ProcessError) Unwrap() error {
	if e.Cause == nil {
		return ErrProcessExit
	}
	return e.Cause
}
