package state

import (
	"time"

	"github.com/google/uuid"
)

// StageExecution is the per-stage record inside a run's state.
type StageExecution struct {
	StageID     string      `json:"stage_id"`
	Status      StageStatus `json:"status"`
	Attempt     int         `json:"attempt"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Source      string      `json:"source,omitempty"`
	Output      string      `json:"output,omitempty"`
	OutputRef   string      `json:"output_ref,omitempty"`
	Model       string      `json:"model,omitempty"`
	Error       string      `json:"error,omitempty"`
	SkipReason  SkipReason  `json:"skip_reason,omitempty"`
	DurationMs  int64       `json:"duration_ms,omitempty"`
}

// RunState is the materialized view of a run at a sequence number. It is
// always derived by folding events; nothing mutates it directly.
type RunState struct {
	RunID           uuid.UUID                  `json:"run_id"`
	TemplateID      string                     `json:"template_id"`
	TemplateVersion string                     `json:"template_version"`
	Scope           string                     `json:"scope"`
	Inputs          map[string]string          `json:"inputs,omitempty"`
	Status          RunStatus                  `json:"status"`
	Seq             uint64                     `json:"seq"`
	CreatedAt       time.Time                  `json:"created_at"`
	StartedAt       *time.Time                 `json:"started_at,omitempty"`
	FinishedAt      *time.Time                 `json:"finished_at,omitempty"`
	Stages          map[string]*StageExecution `json:"stages"`
	FailedStage     string                     `json:"failed_stage,omitempty"`
	StageErrors     []string                   `json:"stage_errors,omitempty"`
	InFlightAtStop  []string                   `json:"in_flight_at_stop,omitempty"`
	ParentRunID     *uuid.UUID                 `json:"parent_run_id,omitempty"`
	BranchSeq       uint64                     `json:"branch_seq,omitempty"`
	// AwaitingSelection is populated by the orchestrator on live views
	// only; it is never part of folded or snapshotted state.
	AwaitingSelection []string `json:"awaiting_selection,omitempty"`
}

// Stage returns the execution record for a stage id, or nil.
func (s *RunState) Stage(id string) *StageExecution {
	return s.Stages[id]
}

// StageStatuses returns a snapshot of stage id -> status.
func (s *RunState) StageStatuses() map[string]StageStatus {
	out := make(map[string]StageStatus, len(s.Stages))
	for id, ex := range s.Stages {
		out[id] = ex.Status
	}
	return out
}

// Clone deep-copies the state so callers can hold it without racing the
// projector.
func (s *RunState) Clone() *RunState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Inputs = make(map[string]string, len(s.Inputs))
	for k, v := range s.Inputs {
		cp.Inputs[k] = v
	}
	cp.Stages = make(map[string]*StageExecution, len(s.Stages))
	for id, ex := range s.Stages {
		e := *ex
		cp.Stages[id] = &e
	}
	cp.StageErrors = append([]string(nil), s.StageErrors...)
	cp.InFlightAtStop = append([]string(nil), s.InFlightAtStop...)
	return &cp
}
