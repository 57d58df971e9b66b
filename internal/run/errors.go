// Package run drives pipeline execution: one orchestrator per run resolves
// eligible stages, consults the response cache, invokes the generation
// capability, and records every transition as an event before acting on it.
package run

import (
	"errors"
	"fmt"
)

// ErrRunNotActive is returned by operations that require a live orchestrator
// (feedback, cancel, pause) on a run that is not currently executing.
var ErrRunNotActive = errors.New("run is not active")

// ErrNoPendingChoice is returned when feedback arrives for a stage that is
// not suspended awaiting selection.
var ErrNoPendingChoice = errors.New("stage has no pending selection")

// ErrMissingInput is returned when a run is started without a value for an
// input the template declares.
var ErrMissingInput = errors.New("missing required input")

// StageExecutionError wraps a generation failure for one attempt.
type StageExecutionError struct {
	StageID string
	Attempt int
	Err     error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s attempt %d failed: %v", e.StageID, e.Attempt, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }
