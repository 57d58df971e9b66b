package state

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/daniel/storyweaver/internal/event"
	"github.com/daniel/storyweaver/internal/template"
)

// TemplateSource resolves a template id and version to its definition.
type TemplateSource interface {
	Get(id, version string) (*template.PipelineTemplate, error)
}

// Loader rebuilds run state from the event log. Replay of a branched run is
// the parent prefix up to the branch point followed by the child's own
// events; no event data is ever copied.
type Loader struct {
	sink      event.Sink
	templates TemplateSource
}

// NewLoader creates a loader over a sink and a template source.
func NewLoader(sink event.Sink, templates TemplateSource) *Loader {
	return &Loader{sink: sink, templates: templates}
}

// Load rebuilds the latest state of a run.
func (l *Loader) Load(ctx context.Context, runID uuid.UUID) (*RunState, error) {
	return l.LoadAt(ctx, runID, math.MaxUint64)
}

// LoadAt rebuilds the state of a run at sequence upTo. It prefers the
// nearest snapshot at or below upTo, replaying only the suffix.
func (l *Loader) LoadAt(ctx context.Context, runID uuid.UUID, upTo uint64) (*RunState, error) {
	snap, err := l.sink.LatestSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	if snap != nil && snap.Seq <= upTo {
		base, err := DecodeSnapshot(*snap)
		if err != nil {
			return nil, err
		}
		tmpl, err := l.templates.Get(base.TemplateID, base.TemplateVersion)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve template for run %s: %w", runID, err)
		}
		return l.foldFrom(ctx, NewProjector(tmpl), base, runID, snap.Seq+1, upTo)
	}

	own, err := l.sink.ReadFrom(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	if len(own) == 0 {
		return nil, event.ErrRunNotFound
	}
	if own[0].Type != event.TypeRunCreated {
		return nil, fmt.Errorf("run %s log does not begin with run_created", runID)
	}
	var created event.RunCreatedPayload
	if err := own[0].Decode(&created); err != nil {
		return nil, fmt.Errorf("decode run_created for %s: %w", runID, err)
	}

	tmpl, err := l.templates.Get(created.TemplateID, created.TemplateVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve template for run %s: %w", runID, err)
	}
	proj := NewProjector(tmpl)

	var base *RunState
	if created.ParentRunID != nil {
		// Shared history: rebuild the parent at the fork point, then
		// lay the child's own events on top.
		base, err = l.LoadAt(ctx, *created.ParentRunID, created.BranchSeq)
		if err != nil {
			return nil, fmt.Errorf("failed to replay parent of branch %s: %w", runID, err)
		}
	} else {
		base = proj.NewState()
	}

	for _, e := range own {
		if e.Seq > upTo {
			break
		}
		if base, err = proj.Apply(base, e); err != nil {
			return nil, fmt.Errorf("replay of run %s failed at seq %d: %w", runID, e.Seq, err)
		}
	}
	return base, nil
}

func (l *Loader) foldFrom(ctx context.Context, proj *Projector, base *RunState, runID uuid.UUID, from, upTo uint64) (*RunState, error) {
	events, err := l.sink.ReadFrom(ctx, runID, from)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.Seq > upTo {
			break
		}
		if base, err = proj.Apply(base, e); err != nil {
			return nil, fmt.Errorf("replay of run %s failed at seq %d: %w", runID, e.Seq, err)
		}
	}
	return base, nil
}
