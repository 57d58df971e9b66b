package event

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemorySink is an in-process Sink used by tests and by runs that opt out of
// database persistence. It enforces the same contiguity rules as the
// durable implementation.
type MemorySink struct {
	mu   sync.RWMutex
	logs map[uuid.UUID][]Event
	// firstSeq remembers where each run's own log begins, so branched
	// runs (whose first event is not seq 0) validate correctly.
	firstSeq map[uuid.UUID]uint64
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		logs:     make(map[uuid.UUID][]Event),
		firstSeq: make(map[uuid.UUID]uint64),
	}
}

// Append stores the event after checking sequence contiguity.
func (s *MemorySink) Append(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[e.RunID]
	if !ok {
		s.logs[e.RunID] = []Event{e}
		s.firstSeq[e.RunID] = e.Seq
		return nil
	}
	want := log[len(log)-1].Seq + 1
	if e.Seq != want {
		return &SequenceConflictError{RunID: e.RunID.String(), Want: want, Got: e.Seq}
	}
	s.logs[e.RunID] = append(log, e)
	return nil
}

// ReadFrom returns the run's own events with Seq >= from.
func (s *MemorySink) ReadFrom(_ context.Context, runID uuid.UUID, from uint64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	out := make([]Event, 0, len(log))
	for _, e := range log {
		if e.Seq >= from {
			out = append(out, e)
		}
	}
	return TruncatePartial(out), nil
}

// LatestSnapshot returns the most recent StateSnapshot event, or nil.
func (s *MemorySink) LatestSnapshot(_ context.Context, runID uuid.UUID) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Type == TypeStateSnapshot {
			snap := log[i]
			return &snap, nil
		}
	}
	return nil, nil
}
