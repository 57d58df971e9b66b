package run

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daniel/storyweaver/internal/cache"
	"github.com/daniel/storyweaver/internal/event"
	"github.com/daniel/storyweaver/internal/graph"
	"github.com/daniel/storyweaver/internal/prompts"
	"github.com/daniel/storyweaver/internal/state"
	"github.com/daniel/storyweaver/internal/template"
)

// handle is the live orchestrator for one run. All event emission for the
// run funnels through emit, which serializes append -> fold -> broadcast so
// sequence numbers stay contiguous and state is always derived.
type handle struct {
	id    uuid.UUID
	scope string
	svc   *Service
	tmpl  *template.PipelineTemplate
	proj  *state.Projector
	log   *slog.Logger

	// runCtx is cancelled by CancelRun; stageCtx is additionally
	// cancelled when a required stage fails terminally, aborting
	// in-flight siblings.
	runCtx      context.Context
	cancelRun   context.CancelFunc
	stageCtx    context.Context
	cancelStage context.CancelFunc

	mu              sync.Mutex
	st              *state.RunState
	pending         map[string][]string
	eventsSinceSnap int

	paused   bool
	wake     chan struct{}
	outcomes chan stageOutcome
	done     chan struct{}

	subMu   sync.Mutex
	subs    map[int]chan Note
	nextSub int
	dropped int
}

type stageOutcome struct {
	stageID   string
	attempts  int
	err       error
	suspended bool
	sinkFatal bool
}

func newHandle(svc *Service, id uuid.UUID, scope string, tmpl *template.PipelineTemplate, st *state.RunState) *handle {
	runCtx, cancelRun := context.WithCancel(context.Background())
	stageCtx, cancelStage := context.WithCancel(runCtx)
	return &handle{
		id:          id,
		scope:       scope,
		svc:         svc,
		tmpl:        tmpl,
		proj:        state.NewProjector(tmpl),
		log:         svc.logger.With("run_id", id.String()),
		runCtx:      runCtx,
		cancelRun:   cancelRun,
		stageCtx:    stageCtx,
		cancelStage: cancelStage,
		st:          st,
		pending:     make(map[string][]string),
		wake:        make(chan struct{}, 1),
		outcomes:    make(chan stageOutcome, len(tmpl.Stages)+1),
		done:        make(chan struct{}),
		subs:        make(map[int]chan Note),
	}
}

func (h *handle) poke() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// emit records one event: durable append first, then fold, then broadcast.
func (h *handle) emit(typ event.Type, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.emitLocked(typ, payload)
}

func (h *handle) emitLocked(typ event.Type, payload any) error {
	e, err := event.New(h.id, h.st.Seq+1, typ, payload)
	if err != nil {
		return fmt.Errorf("failed to build %s event: %w", typ, err)
	}

	// Durability is independent of run cancellation: cancellation itself
	// must land in the log.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.svc.sink.Append(ctx, e); err != nil {
		return fmt.Errorf("%w: append %s seq %d: %v", event.ErrSinkUnavailable, typ, e.Seq, err)
	}
	if _, err := h.proj.Apply(h.st, e); err != nil {
		return fmt.Errorf("failed to fold %s seq %d: %w", typ, e.Seq, err)
	}
	h.eventsSinceSnap++
	h.broadcast(Note{Event: &e})

	if h.svc.opts.SnapshotEvery > 0 &&
		(h.eventsSinceSnap >= h.svc.opts.SnapshotEvery || h.st.Status.Terminal()) &&
		typ != event.TypeStateSnapshot {
		if err := h.snapshotLocked(); err != nil {
			// Snapshots only bound replay cost; losing one is not fatal.
			h.log.Warn("snapshot failed", "error", err)
		}
	}
	h.poke()
	return nil
}

func (h *handle) snapshotLocked() error {
	raw, err := state.EncodeSnapshot(h.st)
	if err != nil {
		return err
	}
	e := event.Event{
		ID:      uuid.New(),
		RunID:   h.id,
		Seq:     h.st.Seq + 1,
		Type:    event.TypeStateSnapshot,
		At:      time.Now().UTC(),
		Payload: raw,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.svc.sink.Append(ctx, e); err != nil {
		return err
	}
	if _, err := h.proj.Apply(h.st, e); err != nil {
		return err
	}
	h.eventsSinceSnap = 0
	h.broadcast(Note{Event: &e})
	return nil
}

func (h *handle) stateSnapshot() *state.RunState {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.st.Clone()
	if h.paused && s.Status == state.RunRunning {
		s.Status = state.RunPaused
	}
	for stageID := range h.pending {
		s.AwaitingSelection = append(s.AwaitingSelection, stageID)
	}
	return s
}

func (h *handle) setPaused(p bool) {
	h.mu.Lock()
	h.paused = p
	h.mu.Unlock()
	h.poke()
}

func (h *handle) pendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// loop is the orchestration tick loop; one goroutine per run.
func (h *handle) loop() {
	defer close(h.done)
	defer h.closeSubs()
	defer h.svc.registry.remove(h.id)
	defer h.cancelRun()

	if err := h.emit(event.TypeRunStarted, nil); err != nil {
		h.fatal(err)
		return
	}

	inFlight := 0
	var failure *stageOutcome
	cancelled := false
	var cancelledInFlight []string
	// launched tracks stages handed to a goroutine whose StageStarted has
	// not necessarily folded yet. The resolver still sees them Waiting on
	// the next tick; without this guard a pending wake token would launch
	// the same stage twice.
	launched := make(map[string]bool)

	for {
		// Cancellation takes priority over whatever else is ready, so a
		// run never completes on the same tick it was cancelled.
		if !cancelled {
			select {
			case <-h.runCtx.Done():
				cancelled = true
				failure = nil
				cancelledInFlight = h.runningStages()
				h.cancelStage()
			default:
			}
		}

		if !cancelled && failure == nil {
			snap := h.stateSnapshot()
			paused := snap.Status == state.RunPaused
			res := graph.Resolve(h.tmpl, snap.StageStatuses())

			if res.Exhausted && inFlight == 0 {
				h.finish(event.TypeRunCompleted, nil)
				return
			}
			if res.Stuck && inFlight == 0 && h.pendingCount() == 0 {
				// Skip cascading should make this unreachable.
				h.log.Error("dependency graph stuck", "statuses", fmt.Sprint(snap.StageStatuses()))
				h.finish(event.TypeRunFailed, &event.RunFailedPayload{Errors: []string{"dependency graph stuck"}})
				return
			}
			if !paused {
				for _, stageID := range res.Runnable {
					if inFlight >= h.svc.opts.Concurrency {
						break
					}
					if launched[stageID] {
						continue
					}
					sd := h.tmpl.Stage(stageID)
					launched[stageID] = true
					inFlight++
					go h.execStage(h.stageCtx, *sd)
				}
			}
		}

		if (cancelled || failure != nil) && inFlight == 0 {
			// A terminal run must not leave a suspended choice stage in
			// flight.
			h.failSuspendedChoices()
			if cancelled {
				h.finish(event.TypeRunCancelled, &event.RunCancelledPayload{InFlight: cancelledInFlight})
			} else {
				h.finish(event.TypeRunFailed, &event.RunFailedPayload{
					StageID:  failure.stageID,
					Attempts: failure.attempts,
					Errors:   h.stateSnapshot().StageErrors,
				})
			}
			return
		}

		select {
		case o := <-h.outcomes:
			// A suspension frees the slot too; the stage waits on
			// feedback, not on the scheduler.
			inFlight--
			delete(launched, o.stageID)
			if o.sinkFatal {
				h.fatal(o.err)
				return
			}
			if o.err != nil && failure == nil && !cancelled {
				f := o
				failure = &f
				// Abort in-flight siblings; the run is lost.
				h.cancelStage()
			}
		case <-h.runCtx.Done():
			if !cancelled {
				cancelled = true
				failure = nil
				cancelledInFlight = h.runningStages()
				h.cancelStage()
			}
		case <-h.wake:
		}
	}
}

// finish emits the terminal event and updates the run index.
func (h *handle) finish(typ event.Type, payload any) {
	if err := h.emit(typ, payload); err != nil {
		h.fatal(err)
		return
	}
	snap := h.stateSnapshot()
	if h.svc.index != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.svc.index.UpdateRunStatus(ctx, h.id, string(snap.Status), snap.FinishedAt); err != nil {
			h.log.Warn("failed to update run index", "error", err)
		}
	}
	h.log.Info("run finished", "status", snap.Status, "seq", snap.Seq)
}

// fatal handles a durability failure: nothing more can be recorded, so the
// orchestrator stops where it stands and leaves recovery to replay.
func (h *handle) fatal(err error) {
	h.log.Error("run aborted on event sink failure", "error", err)
}

func (h *handle) runningStages() []string {
	snap := h.stateSnapshot()
	var out []string
	for _, st := range h.tmpl.Stages {
		if ex := snap.Stage(st.ID); ex != nil && ex.Status == state.StageRunning {
			out = append(out, st.ID)
		}
	}
	return out
}

// execStage runs one stage to a terminal outcome (or suspension), retrying
// per the stage's policy.
func (h *handle) execStage(ctx context.Context, sd template.StageDefinition) {
	o := stageOutcome{stageID: sd.ID}
	defer func() { h.outcomes <- o }()

	policy := sd.RetryPolicyOrDefault()
	for attempt := 1; ; attempt++ {
		o.attempts = attempt
		started := time.Now()
		if err := h.emit(event.TypeStageStarted, &event.StageStartedPayload{
			StageID: sd.ID,
			Attempt: attempt,
			Model:   h.primaryModel(sd),
		}); err != nil {
			o.sinkFatal, o.err = true, err
			return
		}

		pl, suspended, err := h.runAttempt(ctx, sd, attempt)
		if err == nil && suspended {
			o.suspended = true
			return
		}
		if err == nil {
			pl.DurationMs = time.Since(started).Milliseconds()
			if emitErr := h.emit(event.TypeStageCompleted, pl); emitErr != nil {
				o.sinkFatal, o.err = true, emitErr
				return
			}
			return
		}

		retryable := ctx.Err() == nil && attempt < policy.MaxAttempts
		if !retryable {
			if emitErr := h.emit(event.TypeStageFailed, &event.StageFailedPayload{
				StageID: sd.ID,
				Attempt: attempt,
				Error:   err.Error(),
				Final:   true,
			}); emitErr != nil {
				o.sinkFatal, o.err = true, emitErr
				return
			}
			if ctx.Err() == nil {
				o.err = &StageExecutionError{StageID: sd.ID, Attempt: attempt, Err: err}
			}
			return
		}

		delay := retryDelay(policy, attempt)
		if emitErr := h.emit(event.TypeStageRetried, &event.StageRetriedPayload{
			StageID:     sd.ID,
			NextAttempt: attempt + 1,
			DelayMs:     delay.Milliseconds(),
			Error:       err.Error(),
		}); emitErr != nil {
			o.sinkFatal, o.err = true, emitErr
			return
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			if emitErr := h.emit(event.TypeStageFailed, &event.StageFailedPayload{
				StageID: sd.ID,
				Attempt: attempt + 1,
				Error:   "aborted before retry: " + ctx.Err().Error(),
				Final:   true,
			}); emitErr != nil {
				o.sinkFatal, o.err = true, emitErr
			}
			return
		}
	}
}

func (h *handle) primaryModel(sd template.StageDefinition) string {
	if len(sd.Models) > 0 {
		return sd.Models[0]
	}
	if len(h.svc.defaultModels) > 0 {
		return h.svc.defaultModels[0]
	}
	return ""
}

// runAttempt executes one attempt of a stage, guarded by single-flight so
// the same (run, stage, attempt) can never execute twice concurrently.
func (h *handle) runAttempt(ctx context.Context, sd template.StageDefinition, attempt int) (*event.StageCompletedPayload, bool, error) {
	key := fmt.Sprintf("%s|%s|%d", h.id, sd.ID, attempt)
	v, err, _ := h.svc.flight.Do(key, func() (any, error) {
		return h.runAttemptOnce(ctx, sd, attempt)
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(*attemptResult)
	return res.payload, res.suspended, nil
}

type attemptResult struct {
	payload   *event.StageCompletedPayload
	suspended bool
}

func (h *handle) runAttemptOnce(ctx context.Context, sd template.StageDefinition, attempt int) (*attemptResult, error) {
	data, err := h.promptData(ctx, sd)
	if err != nil {
		return nil, err
	}

	switch sd.Kind {
	case template.KindTransform:
		return h.runTransform(sd, attempt, data)
	case template.KindChoice:
		return h.runChoice(ctx, sd, data)
	default:
		return h.runGeneration(ctx, sd, attempt, data)
	}
}

// promptData assembles the substitution map for a stage's prompt: declared
// context inputs plus each dependency's output keyed by stage id.
func (h *handle) promptData(ctx context.Context, sd template.StageDefinition) (map[string]string, error) {
	snap := h.stateSnapshot()

	data := make(map[string]string)
	if len(sd.Context) == 0 {
		for k, v := range snap.Inputs {
			data[k] = v
		}
	} else {
		for _, k := range sd.Context {
			data[k] = snap.Inputs[k]
		}
	}

	for _, dep := range sd.AllDeps() {
		ex := snap.Stage(dep)
		if ex == nil || ex.Status != state.StageCompleted {
			// Only a terminal optional dependency can land here.
			data[dep] = ""
			continue
		}
		text, err := h.stageOutput(ctx, ex)
		if err != nil {
			return nil, fmt.Errorf("failed to load output of %s: %w", dep, err)
		}
		data[dep] = text
	}
	return data, nil
}

// stageOutput returns a completed stage's text, fetching from the blob
// store when the event carried only a reference.
func (h *handle) stageOutput(ctx context.Context, ex *state.StageExecution) (string, error) {
	if ex.Output != "" || ex.OutputRef == "" {
		return ex.Output, nil
	}
	if h.svc.blobs == nil {
		return "", fmt.Errorf("output of %s is externalized (%s) but no artifact store is configured", ex.StageID, ex.OutputRef)
	}
	raw, err := h.svc.blobs.Get(ctx, ex.OutputRef)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (h *handle) runTransform(sd template.StageDefinition, attempt int, data map[string]string) (*attemptResult, error) {
	var out string
	if sd.Prompt != "" {
		rendered, err := prompts.Render(sd.Prompt, data)
		if err != nil {
			return nil, err
		}
		out = rendered
	} else {
		parts := make([]string, 0, len(sd.DependsOn))
		for _, dep := range sd.DependsOn {
			parts = append(parts, data[dep])
		}
		out = strings.Join(parts, "\n\n")
	}
	return &attemptResult{payload: &event.StageCompletedPayload{
		StageID: sd.ID,
		Attempt: attempt,
		Source:  event.SourceFresh,
		Output:  out,
	}}, nil
}

func (h *handle) runGeneration(ctx context.Context, sd template.StageDefinition, attempt int, data map[string]string) (*attemptResult, error) {
	prompt, err := prompts.Render(sd.Prompt, data)
	if err != nil {
		return nil, err
	}

	ckeyContext := make(map[string]string, len(sd.Context))
	for _, k := range sd.Context {
		ckeyContext[k] = data[k]
	}
	ckey := cache.DeriveKey(cache.KeyInput{
		Prompt:  prompt,
		Model:   h.primaryModel(sd),
		Scope:   h.scope,
		Context: ckeyContext,
	})

	if e := h.svc.cache.Get(ctx, ckey); e != nil {
		pl := &event.StageCompletedPayload{
			StageID:      sd.ID,
			Attempt:      attempt,
			Source:       event.SourceCache,
			Model:        e.Model,
			InputTokens:  e.InputTokens,
			OutputTokens: e.OutputTokens,
		}
		if err := h.placeOutput(ctx, pl, sd.ID, attempt, e.Output); err != nil {
			return nil, err
		}
		return &attemptResult{payload: pl}, nil
	}

	res, err := h.svc.gen.Generate(ctx, prompt, sd.Models, func(chunk string) {
		h.broadcast(Note{Chunk: &Chunk{StageID: sd.ID, Text: chunk}})
	})
	if err != nil {
		return nil, err
	}

	h.svc.cache.Put(ctx, &cache.Entry{
		Key:          ckey,
		Scope:        h.scope,
		Output:       res.Text,
		Model:        res.Model,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		CreatedAt:    time.Now().UTC(),
	})

	pl := &event.StageCompletedPayload{
		StageID:      sd.ID,
		Attempt:      attempt,
		Source:       event.SourceFresh,
		Model:        res.Model,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
	}
	if err := h.placeOutput(ctx, pl, sd.ID, attempt, res.Text); err != nil {
		return nil, err
	}
	return &attemptResult{payload: pl}, nil
}

// runChoice generates the candidate outputs and suspends the stage. The
// response cache is bypassed: candidate variety is the point.
func (h *handle) runChoice(ctx context.Context, sd template.StageDefinition, data map[string]string) (*attemptResult, error) {
	prompt, err := prompts.Render(sd.Prompt, data)
	if err != nil {
		return nil, err
	}

	candidates := make([]string, 0, sd.Candidates)
	for i := 0; i < sd.Candidates; i++ {
		res, err := h.svc.gen.Generate(ctx, prompt, sd.Models, func(chunk string) {
			h.broadcast(Note{Chunk: &Chunk{StageID: sd.ID, Text: chunk}})
		})
		if err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i+1, err)
		}
		candidates = append(candidates, res.Text)
	}

	h.mu.Lock()
	h.pending[sd.ID] = candidates
	h.mu.Unlock()
	h.broadcast(Note{Choice: &ChoicePending{StageID: sd.ID, Candidates: candidates}})
	return &attemptResult{suspended: true}, nil
}

// placeOutput stores the text inline or in the blob store past the inline
// limit.
func (h *handle) placeOutput(ctx context.Context, pl *event.StageCompletedPayload, stageID string, attempt int, text string) error {
	if h.svc.blobs == nil || len(text) <= h.svc.opts.InlineOutputLimit {
		pl.Output = text
		return nil
	}
	ref, err := h.svc.blobs.Put(ctx, h.id.String(), stageID, attempt, []byte(text))
	if err != nil {
		// The blob store is an optimization; fall back to inline.
		h.log.Warn("artifact store write failed, storing inline", "stage", stageID, "error", err)
		pl.Output = text
		return nil
	}
	pl.OutputRef = ref
	return nil
}

// supplyFeedback resolves a suspended choice stage with the caller's
// selection, recording the feedback and completion atomically with respect
// to other events of this run.
func (h *handle) supplyFeedback(stageID string, selection int, comment string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	candidates, ok := h.pending[stageID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingChoice, stageID)
	}
	if selection < 0 || selection >= len(candidates) {
		return fmt.Errorf("selection %d out of range for stage %s (%d candidates)", selection, stageID, len(candidates))
	}

	if err := h.emitLocked(event.TypeUserFeedbackRecorded, &event.UserFeedbackPayload{
		StageID:   stageID,
		Selection: selection,
		Comment:   comment,
	}); err != nil {
		return err
	}

	ex := h.st.Stage(stageID)
	attempt := 1
	if ex != nil {
		attempt = ex.Attempt
	}
	if err := h.emitLocked(event.TypeStageCompleted, &event.StageCompletedPayload{
		StageID: stageID,
		Attempt: attempt,
		Source:  event.SourceFeedback,
		Output:  candidates[selection],
	}); err != nil {
		return err
	}
	delete(h.pending, stageID)
	return nil
}

// failSuspendedChoices terminates choice stages still awaiting selection,
// recording a final failure for each so no stage is left in flight when the
// run ends.
func (h *handle) failSuspendedChoices() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for stageID := range h.pending {
		ex := h.st.Stage(stageID)
		attempt := 1
		if ex != nil {
			attempt = ex.Attempt
		}
		if err := h.emitLocked(event.TypeStageFailed, &event.StageFailedPayload{
			StageID: stageID,
			Attempt: attempt,
			Error:   "run stopped while awaiting selection",
			Final:   true,
		}); err != nil {
			h.log.Warn("failed to record suspended choice stage as failed", "stage", stageID, "error", err)
		}
		delete(h.pending, stageID)
	}
}

func (h *handle) pendingChoices() map[string][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]string, len(h.pending))
	for k, v := range h.pending {
		out[k] = append([]string(nil), v...)
	}
	return out
}
