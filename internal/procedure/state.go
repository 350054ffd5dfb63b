package procedure

import (
	"context"
	"errors"
	"fmt"
)

// ExecutionState is one of NotStarted, Running or Finished.
type ExecutionState interface {
	executionState()
	String() string
}

type NotStarted struct{}

type Running struct{}

// Finished is terminal. Err is nil on success.
type Finished struct {
	Err error
}

func (NotStarted) executionState() {}
func (Running) executionState()    {}
func (Finished) executionState()   {}

func (NotStarted) String() string { return "NotStarted" }
func (Running) String() string    { return "Running" }

func (f Finished) String() string {
	switch {
	case f.Err == nil:
		return "Completed"
	case f.Cancelled():
		return "Cancelled"
	default:
		return fmt.Sprintf("Failed(%v)", f.Err)
	}
}

// Cancelled distinguishes a cancelled job from a failed one.
func (f Finished) Cancelled() bool {
	return errors.Is(f.Err, context.Canceled)
}

func (f Finished) Succeeded() bool {
	return f.Err == nil
}

func IsFinished(s ExecutionState) bool {
	_, ok := s.(Finished)
	return ok
}
