package run

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/daniel/storyweaver/internal/artifacts"
	"github.com/daniel/storyweaver/internal/cache"
	"github.com/daniel/storyweaver/internal/event"
	"github.com/daniel/storyweaver/internal/graph"
	"github.com/daniel/storyweaver/internal/llm"
	"github.com/daniel/storyweaver/internal/state"
	"github.com/daniel/storyweaver/internal/template"
)

// Options tunes per-run orchestration.
type Options struct {
	// Concurrency caps how many stages of one run execute at once.
	Concurrency int
	// SnapshotEvery appends a state snapshot after this many events.
	// Zero disables snapshotting.
	SnapshotEvery int
	// Scope is the default isolation scope (workspace) for runs.
	Scope string
	// InlineOutputLimit is the largest output stored inline in events;
	// larger outputs go to the artifact store when one is configured.
	InlineOutputLimit int
}

// DefaultOptions returns sensible orchestration defaults.
func DefaultOptions() Options {
	return Options{
		Concurrency:       3,
		SnapshotEvery:     50,
		Scope:             "default",
		InlineOutputLimit: 64 * 1024,
	}
}

// RunRecord is the run index row: a queryable summary beside the log.
type RunRecord struct {
	ID              uuid.UUID
	TemplateID      string
	TemplateVersion string
	Scope           string
	Status          string
	ParentRunID     *uuid.UUID
	BranchSeq       uint64
	CreatedAt       time.Time
	FinishedAt      *time.Time
}

// Index is the optional queryable run catalog. The event log stays the
// source of truth; the index only serves listings.
type Index interface {
	CreateRun(ctx context.Context, rec RunRecord) error
	UpdateRunStatus(ctx context.Context, id uuid.UUID, status string, finishedAt *time.Time) error
	ListRuns(ctx context.Context, scope string) ([]RunRecord, error)
}

// Service is the orchestrator control surface consumed by transport and
// presentation collaborators.
type Service struct {
	sink      event.Sink
	templates *template.Registry
	loader    *state.Loader
	cache     *cache.Cache
	gen       llm.Client
	blobs     artifacts.Store
	index     Index
	registry  *Registry
	logger    *slog.Logger
	opts      Options

	defaultModels []string
	flight        singleflight.Group
}

// Deps collects the collaborators a Service needs. Blobs and Index may be
// nil.
type Deps struct {
	Sink      event.Sink
	Templates *template.Registry
	Cache     *cache.Cache
	Generator llm.Client
	Blobs     artifacts.Store
	Index     Index
	Logger    *slog.Logger
	// DefaultModels is the fallback model preference list for stages
	// that declare none.
	DefaultModels []string
}

// NewService wires the orchestrator.
func NewService(deps Deps, opts Options) (*Service, error) {
	if deps.Sink == nil || deps.Templates == nil || deps.Cache == nil || deps.Generator == nil {
		return nil, fmt.Errorf("sink, templates, cache and generator are required")
	}
	def := DefaultOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.Scope == "" {
		opts.Scope = def.Scope
	}
	if opts.InlineOutputLimit <= 0 {
		opts.InlineOutputLimit = def.InlineOutputLimit
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sink:          deps.Sink,
		templates:     deps.Templates,
		loader:        state.NewLoader(deps.Sink, deps.Templates),
		cache:         deps.Cache,
		gen:           deps.Generator,
		blobs:         deps.Blobs,
		index:         deps.Index,
		registry:      NewRegistry(),
		logger:        logger,
		opts:          opts,
		defaultModels: deps.DefaultModels,
	}, nil
}

// RegisterTemplate validates the template's dependency graph and registers
// it. Validation runs once here, never per run.
func (s *Service) RegisterTemplate(t *template.PipelineTemplate) error {
	if err := graph.Validate(t); err != nil {
		return err
	}
	return s.templates.Register(t)
}

// Templates exposes the registry for read-only listing.
func (s *Service) Templates() *template.Registry { return s.templates }

// Cache exposes the response cache for admin surfaces.
func (s *Service) Cache() *cache.Cache { return s.cache }

// StartRun creates a run against a template and begins executing it.
func (s *Service) StartRun(ctx context.Context, templateID, version string, inputs map[string]string, scope string) (uuid.UUID, error) {
	tmpl, err := s.templates.Get(templateID, version)
	if err != nil {
		return uuid.Nil, err
	}
	for _, name := range tmpl.Inputs {
		if _, ok := inputs[name]; !ok {
			return uuid.Nil, fmt.Errorf("%w %q for template %s", ErrMissingInput, name, templateID)
		}
	}
	if scope == "" {
		scope = s.opts.Scope
	}

	runID := uuid.New()
	h := newHandle(s, runID, scope, tmpl, state.NewProjector(tmpl).NewState())

	if err := h.emit(event.TypeRunCreated, &event.RunCreatedPayload{
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		Scope:           scope,
		Inputs:          inputs,
	}); err != nil {
		return uuid.Nil, err
	}
	s.recordRun(ctx, RunRecord{
		ID:              runID,
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		Scope:           scope,
		Status:          string(state.RunPending),
		CreatedAt:       time.Now().UTC(),
	})

	s.registry.add(h)
	go h.loop()
	return runID, nil
}

// Branch forks a run at a sequence number. No event data is copied: the
// child records only the parent pointer and offset, and replay stitches the
// parent prefix to the child suffix.
func (s *Service) Branch(ctx context.Context, parentID uuid.UUID, atSeq uint64, overrides map[string]string) (uuid.UUID, error) {
	if atSeq == 0 {
		return uuid.Nil, fmt.Errorf("branch point must be at least 1")
	}
	parentState, err := s.loader.LoadAt(ctx, parentID, atSeq)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to load parent run %s at seq %d: %w", parentID, atSeq, err)
	}
	tmpl, err := s.templates.Get(parentState.TemplateID, parentState.TemplateVersion)
	if err != nil {
		return uuid.Nil, err
	}

	inputs := make(map[string]string, len(parentState.Inputs)+len(overrides))
	for k, v := range parentState.Inputs {
		inputs[k] = v
	}
	for k, v := range overrides {
		inputs[k] = v
	}

	childID := uuid.New()
	// The child's state starts as the parent's at the fork point; its
	// first own event continues the sequence from there.
	childState := parentState.Clone()
	h := newHandle(s, childID, parentState.Scope, tmpl, childState)

	parent := parentID
	if err := h.emit(event.TypeRunCreated, &event.RunCreatedPayload{
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		Scope:           parentState.Scope,
		Inputs:          inputs,
		ParentRunID:     &parent,
		BranchSeq:       atSeq,
	}); err != nil {
		return uuid.Nil, err
	}
	s.recordRun(ctx, RunRecord{
		ID:              childID,
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		Scope:           parentState.Scope,
		Status:          string(state.RunPending),
		ParentRunID:     &parent,
		BranchSeq:       atSeq,
		CreatedAt:       time.Now().UTC(),
	})

	s.registry.add(h)
	go h.loop()
	return childID, nil
}

func (s *Service) recordRun(ctx context.Context, rec RunRecord) {
	if s.index == nil {
		return
	}
	if err := s.index.CreateRun(ctx, rec); err != nil {
		s.logger.Warn("failed to record run in index", "run_id", rec.ID, "error", err)
	}
}

// GetRunState returns the current state of a run: live from the active
// orchestrator, otherwise rebuilt from the log.
func (s *Service) GetRunState(ctx context.Context, runID uuid.UUID) (*state.RunState, error) {
	if h := s.registry.get(runID); h != nil {
		return h.stateSnapshot(), nil
	}
	return s.loader.Load(ctx, runID)
}

// StateAt rebuilds a run's state at a specific sequence number.
func (s *Service) StateAt(ctx context.Context, runID uuid.UUID, seq uint64) (*state.RunState, error) {
	return s.loader.LoadAt(ctx, runID, seq)
}

// SupplyFeedback resolves a suspended choice stage.
func (s *Service) SupplyFeedback(_ context.Context, runID uuid.UUID, stageID string, selection int, comment string) error {
	h := s.registry.get(runID)
	if h == nil {
		return ErrRunNotActive
	}
	return h.supplyFeedback(stageID, selection, comment)
}

// PendingChoices returns candidates of suspended choice stages of a run.
func (s *Service) PendingChoices(runID uuid.UUID) (map[string][]string, error) {
	h := s.registry.get(runID)
	if h == nil {
		return nil, ErrRunNotActive
	}
	return h.pendingChoices(), nil
}

// CancelRun requests cooperative cancellation: no new stages start,
// in-flight calls are aborted best-effort, and the run transitions to
// Cancelled once they settle.
func (s *Service) CancelRun(_ context.Context, runID uuid.UUID) error {
	h := s.registry.get(runID)
	if h == nil {
		return ErrRunNotActive
	}
	h.cancelRun()
	return nil
}

// PauseRun stops new stages from being scheduled; in-flight stages finish.
func (s *Service) PauseRun(runID uuid.UUID) error {
	h := s.registry.get(runID)
	if h == nil {
		return ErrRunNotActive
	}
	h.setPaused(true)
	return nil
}

// ResumeRun resumes a paused run.
func (s *Service) ResumeRun(runID uuid.UUID) error {
	h := s.registry.get(runID)
	if h == nil {
		return ErrRunNotActive
	}
	h.setPaused(false)
	return nil
}

// Subscribe streams live notes (events, chunks, pending choices) for an
// active run. The returned cancel must be called when done.
func (s *Service) Subscribe(runID uuid.UUID) (<-chan Note, func(), error) {
	h := s.registry.get(runID)
	if h == nil {
		return nil, nil, ErrRunNotActive
	}
	ch, cancel := h.subscribe()
	return ch, cancel, nil
}

// History reads a run's recorded events from the log.
func (s *Service) History(ctx context.Context, runID uuid.UUID, from uint64) ([]event.Event, error) {
	return s.sink.ReadFrom(ctx, runID, from)
}

// ListRuns lists runs from the index, newest first.
func (s *Service) ListRuns(ctx context.Context, scope string) ([]RunRecord, error) {
	if s.index == nil {
		return nil, fmt.Errorf("run index not configured")
	}
	return s.index.ListRuns(ctx, scope)
}

// Wait blocks until the run's orchestrator loop exits. Test and CLI hook.
func (s *Service) Wait(runID uuid.UUID) {
	h := s.registry.get(runID)
	if h == nil {
		return
	}
	<-h.done
}
