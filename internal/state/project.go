package state

import (
	"encoding/json"
	"fmt"

	"github.com/daniel/storyweaver/internal/event"
	"github.com/daniel/storyweaver/internal/template"
)

// Projector folds events into RunState. It carries the (immutable) template
// so it can seed stage records and cascade skips; apart from that it has no
// state of its own and every fold is pure.
type Projector struct {
	tmpl *template.PipelineTemplate
}

// NewProjector creates a projector for one template.
func NewProjector(tmpl *template.PipelineTemplate) *Projector {
	return &Projector{tmpl: tmpl}
}

// NewState returns the empty pre-RunCreated state.
func (p *Projector) NewState() *RunState {
	return &RunState{
		Status: RunPending,
		Stages: make(map[string]*StageExecution),
	}
}

// Apply folds one event into the state, returning the same pointer. Events
// at or below the already-applied sequence are ignored, as is anything that
// arrives after the run is terminal (late completions of aborted calls).
func (p *Projector) Apply(s *RunState, e event.Event) (*RunState, error) {
	if s.Seq != 0 && e.Seq <= s.Seq {
		return s, nil
	}
	// A terminal run ignores late events, except a snapshot (which can
	// only restate the terminal state) or a RunCreated (a branch forking
	// off a terminal prefix).
	if s.Status.Terminal() && e.Type != event.TypeStateSnapshot && e.Type != event.TypeRunCreated {
		s.Seq = e.Seq
		return s, nil
	}

	switch e.Type {
	case event.TypeRunCreated:
		var pl event.RunCreatedPayload
		if err := e.Decode(&pl); err != nil {
			return nil, fmt.Errorf("decode run_created: %w", err)
		}
		s.RunID = e.RunID
		s.TemplateID = pl.TemplateID
		s.TemplateVersion = pl.TemplateVersion
		s.Scope = pl.Scope
		s.Inputs = pl.Inputs
		s.ParentRunID = pl.ParentRunID
		s.BranchSeq = pl.BranchSeq
		s.CreatedAt = e.At
		s.Status = RunPending
		s.FinishedAt = nil
		s.FailedStage = ""
		s.InFlightAtStop = nil
		for _, st := range p.tmpl.Stages {
			if _, ok := s.Stages[st.ID]; !ok {
				s.Stages[st.ID] = &StageExecution{StageID: st.ID, Status: StageWaiting}
			}
		}
		// A branch restarts everything its parent had not completed.
		if pl.ParentRunID != nil {
			for _, ex := range s.Stages {
				if ex.Status != StageCompleted {
					*ex = StageExecution{StageID: ex.StageID, Status: StageWaiting}
				}
			}
		}

	case event.TypeRunStarted:
		s.Status = RunRunning
		at := e.At
		s.StartedAt = &at

	case event.TypeStageStarted:
		var pl event.StageStartedPayload
		if err := e.Decode(&pl); err != nil {
			return nil, fmt.Errorf("decode stage_started: %w", err)
		}
		ex := p.stage(s, pl.StageID)
		ex.Status = StageRunning
		ex.Attempt = pl.Attempt
		ex.Model = pl.Model
		at := e.At
		ex.StartedAt = &at
		ex.Error = ""

	case event.TypeStageCompleted:
		var pl event.StageCompletedPayload
		if err := e.Decode(&pl); err != nil {
			return nil, fmt.Errorf("decode stage_completed: %w", err)
		}
		ex := p.stage(s, pl.StageID)
		ex.Status = StageCompleted
		ex.Attempt = pl.Attempt
		ex.Source = string(pl.Source)
		ex.Output = pl.Output
		ex.OutputRef = pl.OutputRef
		if pl.Model != "" {
			ex.Model = pl.Model
		}
		ex.DurationMs = pl.DurationMs
		at := e.At
		ex.CompletedAt = &at

	case event.TypeStageFailed:
		var pl event.StageFailedPayload
		if err := e.Decode(&pl); err != nil {
			return nil, fmt.Errorf("decode stage_failed: %w", err)
		}
		ex := p.stage(s, pl.StageID)
		ex.Status = StageFailed
		ex.Attempt = pl.Attempt
		ex.Error = pl.Error
		at := e.At
		ex.CompletedAt = &at
		s.StageErrors = append(s.StageErrors, fmt.Sprintf("%s (attempt %d): %s", pl.StageID, pl.Attempt, pl.Error))
		if pl.Final {
			p.cascadeSkip(s, pl.StageID)
		}

	case event.TypeStageRetried:
		var pl event.StageRetriedPayload
		if err := e.Decode(&pl); err != nil {
			return nil, fmt.Errorf("decode stage_retried: %w", err)
		}
		ex := p.stage(s, pl.StageID)
		// The stage goroutine owns the retry; the stage stays in flight.
		ex.Status = StageRunning
		ex.Attempt = pl.NextAttempt
		if pl.Error != "" {
			s.StageErrors = append(s.StageErrors, fmt.Sprintf("%s (attempt %d): %s", pl.StageID, pl.NextAttempt-1, pl.Error))
		}

	case event.TypeUserFeedbackRecorded:
		// The selection itself lands as the StageCompleted that follows;
		// the feedback event is kept for auditability.

	case event.TypeRunCompleted:
		s.Status = RunCompleted
		at := e.At
		s.FinishedAt = &at

	case event.TypeRunFailed:
		var pl event.RunFailedPayload
		if err := e.Decode(&pl); err != nil {
			return nil, fmt.Errorf("decode run_failed: %w", err)
		}
		s.Status = RunFailed
		s.FailedStage = pl.StageID
		at := e.At
		s.FinishedAt = &at

	case event.TypeRunCancelled:
		var pl event.RunCancelledPayload
		if err := e.Decode(&pl); err != nil {
			return nil, fmt.Errorf("decode run_cancelled: %w", err)
		}
		s.Status = RunCancelled
		s.InFlightAtStop = pl.InFlight
		at := e.At
		s.FinishedAt = &at

	case event.TypeStateSnapshot:
		restored, err := DecodeSnapshot(e)
		if err != nil {
			return nil, err
		}
		*s = *restored

	default:
		return nil, fmt.Errorf("unknown event type %q at seq %d", e.Type, e.Seq)
	}

	s.Seq = e.Seq
	return s, nil
}

func (p *Projector) stage(s *RunState, id string) *StageExecution {
	ex, ok := s.Stages[id]
	if !ok {
		ex = &StageExecution{StageID: id, Status: StageWaiting}
		s.Stages[id] = ex
	}
	return ex
}

// cascadeSkip marks every Waiting stage that (transitively) requires the
// failed stage as Skipped. Optional dependencies do not propagate.
func (p *Projector) cascadeSkip(s *RunState, failedID string) {
	unusable := map[string]bool{failedID: true}
	for changed := true; changed; {
		changed = false
		for _, st := range p.tmpl.Stages {
			if unusable[st.ID] {
				continue
			}
			ex := s.Stages[st.ID]
			if ex == nil || ex.Status != StageWaiting {
				continue
			}
			for _, dep := range st.DependsOn {
				if unusable[dep] {
					ex.Status = StageSkipped
					ex.SkipReason = SkipDependency
					unusable[st.ID] = true
					changed = true
					break
				}
			}
		}
	}
}

// EncodeSnapshot serializes state into a StateSnapshot event payload.
func EncodeSnapshot(s *RunState) (json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return raw, nil
}

// DecodeSnapshot restores state from a StateSnapshot event.
func DecodeSnapshot(e event.Event) (*RunState, error) {
	var s RunState
	if err := json.Unmarshal(e.Payload, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot at seq %d: %w", e.Seq, err)
	}
	if s.Stages == nil {
		s.Stages = make(map[string]*StageExecution)
	}
	return &s, nil
}
