package event

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sink errors.
var (
	// ErrSinkUnavailable marks a durability failure. Replay correctness
	// depends on durability, so the orchestrator treats this as fatal to
	// the run.
	ErrSinkUnavailable = errors.New("event sink unavailable")
	// ErrRunNotFound is returned when reading a run the sink has never
	// seen an event for.
	ErrRunNotFound = errors.New("run not found")
)

// SequenceConflictError is returned by Append when the event's sequence
// number does not extend the log contiguously.
type SequenceConflictError struct {
	RunID string
	Want  uint64
	Got   uint64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("sequence conflict for run %s: want %d, got %d", e.RunID, e.Want, e.Got)
}

// Sink is the durable, ordered store of run events. Append must not return
// until the event is durable; the orchestrator does not proceed to dependent
// effects before the ack.
type Sink interface {
	// Append writes one event. The event's Seq must be exactly one past
	// the last appended sequence for its run (or equal BranchSeq+1 for a
	// branched run's first event).
	Append(ctx context.Context, e Event) error
	// ReadFrom returns the run's own events with Seq >= from, in order.
	// It does not follow parent pointers; branch-aware replay lives in
	// the state package.
	ReadFrom(ctx context.Context, runID uuid.UUID, from uint64) ([]Event, error)
	// LatestSnapshot returns the run's own most recent StateSnapshot
	// event, or nil if none exists.
	LatestSnapshot(ctx context.Context, runID uuid.UUID) (*Event, error)
}
