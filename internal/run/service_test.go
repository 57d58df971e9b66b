package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daniel/storyweaver/internal/cache"
	"github.com/daniel/storyweaver/internal/event"
	"github.com/daniel/storyweaver/internal/llm"
	"github.com/daniel/storyweaver/internal/state"
	"github.com/daniel/storyweaver/internal/template"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingGen returns a distinct output per call so tests can tell fresh
// generations from cached ones apart. A nonzero delay holds each call open.
type countingGen struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (g *countingGen) Generate(_ context.Context, prompt string, _ []string, stream llm.StreamFunc) (*llm.Result, error) {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()
	if stream != nil {
		stream("chunk")
	}
	return &llm.Result{
		Text:         fmt.Sprintf("gen-%d: %s", n, prompt),
		Model:        "test-model",
		InputTokens:  10,
		OutputTokens: 20,
	}, nil
}

func (g *countingGen) Close() error { return nil }

func (g *countingGen) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// flakyGen fails its first failures calls, then behaves like countingGen.
type flakyGen struct {
	countingGen
	mu       sync.Mutex
	failures int
}

func (g *flakyGen) Generate(ctx context.Context, prompt string, models []string, stream llm.StreamFunc) (*llm.Result, error) {
	g.mu.Lock()
	fail := g.failures > 0
	if fail {
		g.failures--
	}
	g.mu.Unlock()
	if fail {
		return nil, errors.New("transient upstream error")
	}
	return g.countingGen.Generate(ctx, prompt, models, stream)
}

// blockingGen signals when a call starts and then waits for cancellation.
type blockingGen struct {
	started chan struct{}
}

func (g *blockingGen) Generate(ctx context.Context, _ string, _ []string, _ llm.StreamFunc) (*llm.Result, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (g *blockingGen) Close() error { return nil }

func storyTemplate() *template.PipelineTemplate {
	return &template.PipelineTemplate{
		ID: "story", Version: "1.0.0",
		Inputs: []string{"premise"},
		Stages: []template.StageDefinition{
			{ID: "outline", Kind: template.KindGeneration, Prompt: "Outline: {{.premise}}", Context: []string{"premise"}},
			{ID: "draft", Kind: template.KindGeneration, Prompt: "Draft from: {{.outline}}", DependsOn: []string{"outline"}},
		},
	}
}

func newTestService(t *testing.T, gen llm.Client, opts Options, tmpls ...*template.PipelineTemplate) *Service {
	t.Helper()
	c, err := cache.New(cache.NewMemoryBackend(), cache.Config{SyncWrites: true}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	svc, err := NewService(Deps{
		Sink:      event.NewMemorySink(),
		Templates: template.NewRegistry(),
		Cache:     c,
		Generator: gen,
		Logger:    testLogger(),
	}, opts)
	require.NoError(t, err)
	for _, tm := range tmpls {
		require.NoError(t, svc.RegisterTemplate(tm))
	}
	return svc
}

func runToCompletion(t *testing.T, svc *Service, templateID string, inputs map[string]string) (uuid.UUID, *state.RunState) {
	t.Helper()
	ctx := context.Background()
	runID, err := svc.StartRun(ctx, templateID, "", inputs, "")
	require.NoError(t, err)
	svc.Wait(runID)
	s, err := svc.GetRunState(ctx, runID)
	require.NoError(t, err)
	return runID, s
}

func TestService_RunCompletes(t *testing.T) {
	gen := &countingGen{}
	svc := newTestService(t, gen, Options{}, storyTemplate())

	_, s := runToCompletion(t, svc, "story", map[string]string{"premise": "a lost map"})

	assert.Equal(t, state.RunCompleted, s.Status)
	require.Equal(t, state.StageCompleted, s.Stages["outline"].Status)
	assert.Equal(t, "gen-1: Outline: a lost map", s.Stages["outline"].Output)
	assert.Equal(t, "fresh", s.Stages["outline"].Source)
	assert.Equal(t, state.StageCompleted, s.Stages["draft"].Status)
	assert.Contains(t, s.Stages["draft"].Output, "Draft from: gen-1", "downstream prompt sees the upstream output")
	assert.Equal(t, 2, gen.count())
}

func TestService_SecondRunHitsCache(t *testing.T) {
	gen := &countingGen{}
	svc := newTestService(t, gen, Options{}, storyTemplate())
	inputs := map[string]string{"premise": "a lost map"}

	_, first := runToCompletion(t, svc, "story", inputs)
	_, second := runToCompletion(t, svc, "story", inputs)

	assert.Equal(t, state.RunCompleted, second.Status)
	assert.Equal(t, "cache", second.Stages["outline"].Source)
	assert.Equal(t, "cache", second.Stages["draft"].Source)
	assert.Equal(t, first.Stages["draft"].Output, second.Stages["draft"].Output)
	assert.Equal(t, 2, gen.count(), "no model calls on the second run")
}

func TestService_MissingInput(t *testing.T) {
	svc := newTestService(t, &countingGen{}, Options{}, storyTemplate())
	_, err := svc.StartRun(context.Background(), "story", "", nil, "")
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestService_RetriesThenSucceeds(t *testing.T) {
	tmpl := storyTemplate()
	tmpl.Stages[0].Retry = &template.RetryPolicy{MaxAttempts: 3, InitialBackoffMs: 1, MaxBackoffMs: 5}
	gen := &flakyGen{failures: 2}
	svc := newTestService(t, gen, Options{}, tmpl)

	runID, s := runToCompletion(t, svc, "story", map[string]string{"premise": "x"})

	assert.Equal(t, state.RunCompleted, s.Status)
	assert.Equal(t, 3, s.Stages["outline"].Attempt)

	events, err := svc.History(context.Background(), runID, 0)
	require.NoError(t, err)
	retries := 0
	for _, e := range events {
		if e.Type == event.TypeStageRetried {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestService_FinalFailureSkipsDependents(t *testing.T) {
	tmpl := storyTemplate()
	tmpl.Stages[0].Retry = &template.RetryPolicy{MaxAttempts: 2, InitialBackoffMs: 1, MaxBackoffMs: 5}
	gen := &flakyGen{failures: 100}
	svc := newTestService(t, gen, Options{}, tmpl)

	runID, s := runToCompletion(t, svc, "story", map[string]string{"premise": "x"})

	assert.Equal(t, state.RunFailed, s.Status)
	assert.Equal(t, "outline", s.FailedStage)
	assert.Equal(t, state.StageFailed, s.Stages["outline"].Status)
	assert.Equal(t, state.StageSkipped, s.Stages["draft"].Status)
	assert.Len(t, s.StageErrors, 2, "one error per attempt is preserved")

	events, err := svc.History(context.Background(), runID, 0)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, event.TypeRunFailed, last.Type)
	var pl event.RunFailedPayload
	require.NoError(t, last.Decode(&pl))
	assert.Equal(t, "outline", pl.StageID)
	assert.Len(t, pl.Errors, 2)
}

func TestService_TransformJoinsDependencies(t *testing.T) {
	tmpl := &template.PipelineTemplate{
		ID: "merge", Version: "1",
		Stages: []template.StageDefinition{
			{ID: "a", Kind: template.KindGeneration, Prompt: "A"},
			{ID: "b", Kind: template.KindGeneration, Prompt: "B"},
			{ID: "both", Kind: template.KindTransform, DependsOn: []string{"a", "b"}},
		},
	}
	gen := &countingGen{}
	svc := newTestService(t, gen, Options{Concurrency: 1}, tmpl)

	_, s := runToCompletion(t, svc, "merge", nil)

	require.Equal(t, state.RunCompleted, s.Status)
	want := s.Stages["a"].Output + "\n\n" + s.Stages["b"].Output
	assert.Equal(t, want, s.Stages["both"].Output)
	assert.Equal(t, 2, gen.count(), "transforms make no model calls")
}

func TestService_ChoiceSuspendsUntilFeedback(t *testing.T) {
	tmpl := &template.PipelineTemplate{
		ID: "choose", Version: "1",
		Inputs: []string{"premise"},
		Stages: []template.StageDefinition{
			{ID: "pick", Kind: template.KindChoice, Prompt: "Pitch: {{.premise}}", Candidates: 2},
			{ID: "expand", Kind: template.KindGeneration, Prompt: "Expand: {{.pick}}", DependsOn: []string{"pick"}},
		},
	}
	svc := newTestService(t, &countingGen{}, Options{}, tmpl)
	ctx := context.Background()

	runID, err := svc.StartRun(ctx, "choose", "", map[string]string{"premise": "x"}, "")
	require.NoError(t, err)

	var candidates []string
	require.Eventually(t, func() bool {
		pending, err := svc.PendingChoices(runID)
		if err != nil {
			return false
		}
		candidates = pending["pick"]
		return len(candidates) == 2
	}, 5*time.Second, 5*time.Millisecond)

	// Out-of-range and wrong-stage feedback are rejected without touching
	// the suspension.
	err = svc.SupplyFeedback(ctx, runID, "pick", 7, "")
	assert.Error(t, err)
	err = svc.SupplyFeedback(ctx, runID, "expand", 0, "")
	assert.ErrorIs(t, err, ErrNoPendingChoice)

	require.NoError(t, svc.SupplyFeedback(ctx, runID, "pick", 1, "prefer the second"))
	svc.Wait(runID)

	s, err := svc.GetRunState(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, state.RunCompleted, s.Status)
	assert.Equal(t, "feedback", s.Stages["pick"].Source)
	assert.Equal(t, candidates[1], s.Stages["pick"].Output)
	assert.Equal(t, state.StageCompleted, s.Stages["expand"].Status)

	events, err := svc.History(ctx, runID, 0)
	require.NoError(t, err)
	found := false
	for _, e := range events {
		if e.Type == event.TypeUserFeedbackRecorded {
			var pl event.UserFeedbackPayload
			require.NoError(t, e.Decode(&pl))
			assert.Equal(t, 1, pl.Selection)
			assert.Equal(t, "prefer the second", pl.Comment)
			found = true
		}
	}
	assert.True(t, found, "the feedback itself is recorded")
}

func TestService_EachAttemptStartsOnce(t *testing.T) {
	tmpl := &template.PipelineTemplate{
		ID: "fan", Version: "1",
		Stages: []template.StageDefinition{
			{ID: "a", Kind: template.KindGeneration, Prompt: "A"},
			{ID: "b", Kind: template.KindGeneration, Prompt: "B"},
			{ID: "c", Kind: template.KindGeneration, Prompt: "C"},
		},
	}
	// The delay keeps all three stages in flight across several scheduler
	// ticks, which is where double launches would show up.
	gen := &countingGen{delay: 20 * time.Millisecond}
	svc := newTestService(t, gen, Options{Concurrency: 8}, tmpl)

	runID, s := runToCompletion(t, svc, "fan", nil)
	require.Equal(t, state.RunCompleted, s.Status)

	events, err := svc.History(context.Background(), runID, 0)
	require.NoError(t, err)
	starts := make(map[string]int)
	for _, e := range events {
		if e.Type == event.TypeStageStarted {
			var pl event.StageStartedPayload
			require.NoError(t, e.Decode(&pl))
			starts[fmt.Sprintf("%s/%d", pl.StageID, pl.Attempt)]++
		}
	}
	require.Len(t, starts, 3)
	for key, n := range starts {
		assert.Equal(t, 1, n, "attempt %s started more than once", key)
	}
	assert.Equal(t, 3, gen.count())
}

func TestService_CancelRun(t *testing.T) {
	gen := &blockingGen{started: make(chan struct{}, 1)}
	svc := newTestService(t, gen, Options{}, storyTemplate())
	ctx := context.Background()

	runID, err := svc.StartRun(ctx, "story", "", map[string]string{"premise": "x"}, "")
	require.NoError(t, err)

	<-gen.started
	require.NoError(t, svc.CancelRun(ctx, runID))
	svc.Wait(runID)

	s, err := svc.GetRunState(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, state.RunCancelled, s.Status)
	require.NotNil(t, s.FinishedAt)

	// The handle is gone; live-only operations now report inactivity.
	assert.ErrorIs(t, svc.CancelRun(ctx, runID), ErrRunNotActive)
}

func TestService_CancelDuringPendingChoice(t *testing.T) {
	tmpl := &template.PipelineTemplate{
		ID: "choose", Version: "1",
		Inputs: []string{"premise"},
		Stages: []template.StageDefinition{
			{ID: "pick", Kind: template.KindChoice, Prompt: "Pitch: {{.premise}}", Candidates: 2},
			{ID: "expand", Kind: template.KindGeneration, Prompt: "Expand: {{.pick}}", DependsOn: []string{"pick"}},
		},
	}
	svc := newTestService(t, &countingGen{}, Options{}, tmpl)
	ctx := context.Background()

	runID, err := svc.StartRun(ctx, "choose", "", map[string]string{"premise": "x"}, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		pending, err := svc.PendingChoices(runID)
		return err == nil && len(pending["pick"]) == 2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.CancelRun(ctx, runID))
	svc.Wait(runID)

	s, err := svc.GetRunState(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, state.RunCancelled, s.Status)
	// The suspended stage is closed out; a finished run leaves no stage
	// in flight.
	assert.Equal(t, state.StageFailed, s.Stages["pick"].Status)
	assert.Equal(t, state.StageSkipped, s.Stages["expand"].Status)
	for id, ex := range s.Stages {
		assert.True(t, ex.Status.Terminal(), "stage %s left in flight", id)
	}

	_, err = svc.PendingChoices(runID)
	assert.ErrorIs(t, err, ErrRunNotActive)
}

func TestBroadcast_DropsForStalledSubscriber(t *testing.T) {
	svc := newTestService(t, &countingGen{}, Options{}, storyTemplate())
	tmpl, err := svc.Templates().Get("story", "")
	require.NoError(t, err)
	h := newHandle(svc, uuid.New(), "s", tmpl, state.NewProjector(tmpl).NewState())

	ch, cancel := h.subscribe()
	defer cancel()

	// A subscriber that never reads fills its buffer; the orchestrator
	// must keep going and count the overflow instead of blocking.
	for i := 0; i < subscriberBuffer+5; i++ {
		h.broadcast(Note{Chunk: &Chunk{StageID: "outline", Text: "x"}})
	}

	assert.Len(t, ch, subscriberBuffer)
	h.subMu.Lock()
	defer h.subMu.Unlock()
	assert.Equal(t, 5, h.dropped)
}

func TestService_InactiveRunOperations(t *testing.T) {
	svc := newTestService(t, &countingGen{}, Options{}, storyTemplate())
	unknown := uuid.New()

	assert.ErrorIs(t, svc.PauseRun(unknown), ErrRunNotActive)
	assert.ErrorIs(t, svc.ResumeRun(unknown), ErrRunNotActive)
	assert.ErrorIs(t, svc.SupplyFeedback(context.Background(), unknown, "s", 0, ""), ErrRunNotActive)
	_, err := svc.PendingChoices(unknown)
	assert.ErrorIs(t, err, ErrRunNotActive)
	_, _, err = svc.Subscribe(unknown)
	assert.ErrorIs(t, err, ErrRunNotActive)
}

func TestService_Branch(t *testing.T) {
	gen := &countingGen{}
	svc := newTestService(t, gen, Options{}, storyTemplate())
	ctx := context.Background()

	parentID, parent := runToCompletion(t, svc, "story", map[string]string{"premise": "a lost map"})
	require.Equal(t, state.RunCompleted, parent.Status)

	// Fork right after the outline completed.
	events, err := svc.History(ctx, parentID, 0)
	require.NoError(t, err)
	var atSeq uint64
	for _, e := range events {
		if e.Type == event.TypeStageCompleted {
			var pl event.StageCompletedPayload
			require.NoError(t, e.Decode(&pl))
			if pl.StageID == "outline" {
				atSeq = e.Seq
				break
			}
		}
	}
	require.NotZero(t, atSeq)

	childID, err := svc.Branch(ctx, parentID, atSeq, map[string]string{"premise": "a found map"})
	require.NoError(t, err)
	svc.Wait(childID)

	child, err := svc.GetRunState(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, state.RunCompleted, child.Status)
	require.NotNil(t, child.ParentRunID)
	assert.Equal(t, parentID, *child.ParentRunID)
	assert.Equal(t, atSeq, child.BranchSeq)
	assert.Equal(t, "a found map", child.Inputs["premise"])

	assert.Equal(t, parent.Stages["outline"].Output, child.Stages["outline"].Output,
		"work completed before the fork point is shared")
	// The draft prompt only depends on the outline output, so the branch
	// is served by the response cache rather than a fresh call.
	assert.Equal(t, "cache", child.Stages["draft"].Source)
	assert.Equal(t, 2, gen.count())

	// Replay from the log agrees with the live view.
	replayed, err := svc.StateAt(ctx, childID, child.Seq)
	require.NoError(t, err)
	assert.Equal(t, child.Stages["draft"].Output, replayed.Stages["draft"].Output)
}

func TestService_BranchAtZeroRejected(t *testing.T) {
	svc := newTestService(t, &countingGen{}, Options{}, storyTemplate())
	_, err := svc.Branch(context.Background(), uuid.New(), 0, nil)
	assert.Error(t, err)
}

func TestService_SnapshotsBoundReplay(t *testing.T) {
	gen := &countingGen{}
	svc := newTestService(t, gen, Options{SnapshotEvery: 3}, storyTemplate())
	ctx := context.Background()

	runID, s := runToCompletion(t, svc, "story", map[string]string{"premise": "x"})
	require.Equal(t, state.RunCompleted, s.Status)

	events, err := svc.History(ctx, runID, 0)
	require.NoError(t, err)
	snapshots := 0
	for _, e := range events {
		if e.Type == event.TypeStateSnapshot {
			snapshots++
		}
	}
	require.NotZero(t, snapshots, "snapshots are interleaved with the log")

	// Loading goes through the snapshot fast path and agrees with the
	// live result.
	loaded, err := svc.GetRunState(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, state.RunCompleted, loaded.Status)
	assert.Equal(t, s.Stages["draft"].Output, loaded.Stages["draft"].Output)
}

func TestRetryDelay(t *testing.T) {
	p := template.RetryPolicy{MaxAttempts: 5, InitialBackoffMs: 100, MaxBackoffMs: 350}

	assert.Equal(t, 100*time.Millisecond, retryDelay(p, 1))
	assert.Equal(t, 200*time.Millisecond, retryDelay(p, 2))
	assert.Equal(t, 350*time.Millisecond, retryDelay(p, 3), "delay is capped")
	assert.Equal(t, 100*time.Millisecond, retryDelay(p, 0), "attempts below 1 are clamped")
}
