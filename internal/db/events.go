package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/daniel/storyweaver/internal/event"
)

// EventSink implements event.Sink on PostgreSQL.
type EventSink struct {
	db *DB
}

// NewEventSink creates a durable event sink.
func NewEventSink(db *DB) *EventSink {
	return &EventSink{db: db}
}

// Append writes one event, enforcing sequence contiguity in SQL: the insert
// only lands when the run has no events yet (a run's first event may start
// at any sequence, which is how branches continue their parent's numbering)
// or when seq extends the log by exactly one.
func (s *EventSink) Append(ctx context.Context, e event.Event) error {
	tag, err := s.db.pool.Exec(ctx,
		`INSERT INTO run_events (run_id, seq, id, type, at, payload)
		 SELECT $1, $2, $3, $4, $5, $6
		 WHERE NOT EXISTS (SELECT 1 FROM run_events WHERE run_id = $1)
		    OR $2 = (SELECT MAX(seq) + 1 FROM run_events WHERE run_id = $1)`,
		e.RunID, int64(e.Seq), e.ID, string(e.Type), e.At, []byte(e.Payload),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", event.ErrSinkUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		var last int64
		_ = s.db.pool.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM run_events WHERE run_id = $1`, e.RunID,
		).Scan(&last)
		return &event.SequenceConflictError{RunID: e.RunID.String(), Want: uint64(last) + 1, Got: e.Seq}
	}
	return nil
}

// ReadFrom returns the run's own events with seq >= from, in order. A torn
// trailing event is logically truncated.
func (s *EventSink) ReadFrom(ctx context.Context, runID uuid.UUID, from uint64) ([]event.Event, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT run_id, seq, id, type, at, payload
		 FROM run_events
		 WHERE run_id = $1 AND seq >= $2
		 ORDER BY seq`,
		runID, int64(from),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", event.ErrSinkUnavailable, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var e event.Event
		var seq int64
		var typ string
		if err := rows.Scan(&e.RunID, &seq, &e.ID, &typ, &e.At, (*[]byte)(&e.Payload)); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Seq = uint64(seq)
		e.Type = event.Type(typ)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", event.ErrSinkUnavailable, err)
	}
	if len(events) == 0 && from == 0 {
		var exists bool
		if err := s.db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM run_events WHERE run_id = $1)`, runID,
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("%w: %v", event.ErrSinkUnavailable, err)
		}
		if !exists {
			return nil, event.ErrRunNotFound
		}
	}
	return event.TruncatePartial(events), nil
}

// LatestSnapshot returns the run's most recent StateSnapshot event, or nil.
func (s *EventSink) LatestSnapshot(ctx context.Context, runID uuid.UUID) (*event.Event, error) {
	var e event.Event
	var seq int64
	var typ string
	err := s.db.pool.QueryRow(ctx,
		`SELECT run_id, seq, id, type, at, payload
		 FROM run_events
		 WHERE run_id = $1 AND type = 'state_snapshot'
		 ORDER BY seq DESC
		 LIMIT 1`,
		runID,
	).Scan(&e.RunID, &seq, &e.ID, &typ, &e.At, (*[]byte)(&e.Payload))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", event.ErrSinkUnavailable, err)
	}
	e.Seq = uint64(seq)
	e.Type = event.Type(typ)
	return &e, nil
}
