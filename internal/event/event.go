// Package event defines the immutable facts recorded for every run and the
// durable sink interface they are appended to. The event log is the sole
// source of truth for run state; everything else is derived.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of fact an event records.
type Type string

// Event type constants. Events are append-only and never mutated or deleted.
const (
	TypeRunCreated           Type = "run_created"
	TypeRunStarted           Type = "run_started"
	TypeStageStarted         Type = "stage_started"
	TypeStageCompleted       Type = "stage_completed"
	TypeStageFailed          Type = "stage_failed"
	TypeStageRetried         Type = "stage_retried"
	TypeUserFeedbackRecorded Type = "user_feedback_recorded"
	TypeRunCompleted         Type = "run_completed"
	TypeRunFailed            Type = "run_failed"
	TypeRunCancelled         Type = "run_cancelled"
	TypeStateSnapshot        Type = "state_snapshot"
)

// Source marks where a completed stage's output came from.
type Source string

// Stage completion sources.
const (
	SourceFresh    Source = "fresh"
	SourceCache    Source = "cache"
	SourceFeedback Source = "feedback"
)

// Event is one immutable fact about a run. Seq is monotonically increasing
// and contiguous within a run; the sink rejects out-of-order appends.
type Event struct {
	ID      uuid.UUID       `json:"id"`
	RunID   uuid.UUID       `json:"run_id"`
	Seq     uint64          `json:"seq"`
	Type    Type            `json:"type"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an event with a fresh ID and the current time.
func New(runID uuid.UUID, seq uint64, typ Type, payload any) (Event, error) {
	e := Event{
		ID:    uuid.New(),
		RunID: runID,
		Seq:   seq,
		Type:  typ,
		At:    time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		e.Payload = raw
	}
	return e, nil
}

// Decode unmarshals the event payload into dst.
func (e Event) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

// RunCreatedPayload records the birth of a run. For a branched run,
// ParentRunID and BranchSeq point at the shared history prefix.
type RunCreatedPayload struct {
	TemplateID      string            `json:"template_id"`
	TemplateVersion string            `json:"template_version"`
	Scope           string            `json:"scope"`
	Inputs          map[string]string `json:"inputs,omitempty"`
	ParentRunID     *uuid.UUID        `json:"parent_run_id,omitempty"`
	BranchSeq       uint64            `json:"branch_seq,omitempty"`
}

// StageStartedPayload records one attempt of a stage entering Running.
type StageStartedPayload struct {
	StageID string `json:"stage_id"`
	Attempt int    `json:"attempt"`
	Model   string `json:"model,omitempty"`
}

// StageCompletedPayload records a stage reaching Completed, with its output
// inline or referenced in the blob store when large.
type StageCompletedPayload struct {
	StageID      string `json:"stage_id"`
	Attempt      int    `json:"attempt"`
	Source       Source `json:"source"`
	Output       string `json:"output,omitempty"`
	OutputRef    string `json:"output_ref,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
}

// StageFailedPayload records an attempt failing. Final is set when the retry
// policy is exhausted and the stage will not run again.
type StageFailedPayload struct {
	StageID string `json:"stage_id"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
	Final   bool   `json:"final"`
}

// StageRetriedPayload records the decision to retry a failed attempt.
// Error carries what the failed attempt died of, preserving the full chain
// of stage errors across retries.
type StageRetriedPayload struct {
	StageID     string `json:"stage_id"`
	NextAttempt int    `json:"next_attempt"`
	DelayMs     int64  `json:"delay_ms"`
	Error       string `json:"error,omitempty"`
}

// StageSkippedReason explains why a stage was skipped without running.
const StageSkippedReason = "required dependency failed"

// UserFeedbackPayload records an external caller resolving a choice stage.
type UserFeedbackPayload struct {
	StageID   string `json:"stage_id"`
	Selection int    `json:"selection"`
	Comment   string `json:"comment,omitempty"`
}

// RunFailedPayload carries the chain of stage errors that killed the run.
type RunFailedPayload struct {
	StageID  string   `json:"stage_id"`
	Attempts int      `json:"attempts"`
	Errors   []string `json:"errors"`
}

// RunCancelledPayload records which stages were in flight at cancellation.
type RunCancelledPayload struct {
	InFlight []string `json:"in_flight,omitempty"`
}

// payloadPrototype returns a zero value of the payload struct for a type, or
// nil for types that carry no structured payload.
func payloadPrototype(t Type) any {
	switch t {
	case TypeRunCreated:
		return &RunCreatedPayload{}
	case TypeStageStarted:
		return &StageStartedPayload{}
	case TypeStageCompleted:
		return &StageCompletedPayload{}
	case TypeStageFailed:
		return &StageFailedPayload{}
	case TypeStageRetried:
		return &StageRetriedPayload{}
	case TypeUserFeedbackRecorded:
		return &UserFeedbackPayload{}
	case TypeRunFailed:
		return &RunFailedPayload{}
	case TypeRunCancelled:
		return &RunCancelledPayload{}
	default:
		return nil
	}
}

// TruncatePartial drops a trailing event whose payload cannot be decoded,
// treating it as a torn write. A decode failure anywhere but the tail is left
// alone; the projector will surface it as corruption.
func TruncatePartial(events []Event) []Event {
	if len(events) == 0 {
		return events
	}
	last := events[len(events)-1]
	proto := payloadPrototype(last.Type)
	if proto == nil {
		if len(last.Payload) > 0 && !json.Valid(last.Payload) {
			return events[:len(events)-1]
		}
		return events
	}
	if err := last.Decode(proto); err != nil {
		return events[:len(events)-1]
	}
	return events
}
