package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daniel/storyweaver/internal/cache"
	"github.com/daniel/storyweaver/internal/event"
	"github.com/daniel/storyweaver/internal/llm"
	"github.com/daniel/storyweaver/internal/run"
	"github.com/daniel/storyweaver/internal/server/ratelimit"
	"github.com/daniel/storyweaver/internal/state"
	"github.com/daniel/storyweaver/internal/template"
)

type stubGenerator struct{}

func (g *stubGenerator) Generate(_ context.Context, prompt string, models []string, stream llm.StreamFunc) (*llm.Result, error) {
	if stream != nil {
		stream("chunk")
	}
	model := "stub-model"
	if len(models) > 0 {
		model = models[0]
	}
	return &llm.Result{Text: "output for: " + prompt, Model: model}, nil
}

func (g *stubGenerator) Close() error { return nil }

func storyTemplate() *template.PipelineTemplate {
	return &template.PipelineTemplate{
		ID:      "short-story",
		Version: "1.0.0",
		Inputs:  []string{"premise"},
		Stages: []template.StageDefinition{
			{ID: "outline", Kind: template.KindGeneration, Prompt: "Outline: {{.premise}}"},
			{ID: "draft", Kind: template.KindGeneration, Prompt: "Draft from {{.outline}}", DependsOn: []string{"outline"}},
		},
	}
}

func newTestServer(t *testing.T) (*Server, *run.Service) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := cache.New(nil, cache.Config{SyncWrites: true}, logger)
	require.NoError(t, err)

	svc, err := run.NewService(run.Deps{
		Sink:      event.NewMemorySink(),
		Templates: template.NewRegistry(),
		Cache:     c,
		Generator: &stubGenerator{},
		Logger:    logger,
	}, run.Options{Concurrency: 2})
	require.NoError(t, err)
	require.NoError(t, svc.RegisterTemplate(storyTemplate()))

	return New(svc, logger, Config{RateLimit: ratelimit.Config{Enabled: false}}), svc
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestStartRunAndGetState(t *testing.T) {
	srv, svc := newTestServer(t)

	rec := doJSON(t, srv.Handler(), "POST", "/runs", startRunRequest{
		TemplateID: "short-story",
		Inputs:     map[string]string{"premise": "a lighthouse keeper finds a map"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	runID := created["run_id"]
	require.NotEmpty(t, runID)

	// Wait for the run to finish, then read its state.
	svc.Wait(mustUUID(t, runID))

	rec = doJSON(t, srv.Handler(), "GET", "/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st state.RunState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, state.RunCompleted, st.Status)
	assert.Equal(t, state.StageCompleted, st.Stages["draft"].Status)
}

func TestStartRun_UnknownTemplate(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), "POST", "/runs", startRunRequest{TemplateID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartRun_MissingInput(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), "POST", "/runs", startRunRequest{TemplateID: "short-story"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing required input")
}

func TestGetRun_BadID(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), "GET", "/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), "GET", "/runs/0b906d46-6d4e-4a51-a1a2-2c50a32cbbb2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFeedback_RunNotActive(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), "POST", "/runs/0b906d46-6d4e-4a51-a1a2-2c50a32cbbb2/feedback",
		feedbackRequest{StageID: "outline", Selection: 0})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	srv, svc := newTestServer(t)

	runID, err := svc.StartRun(context.Background(), "short-story", "",
		map[string]string{"premise": "p"}, "")
	require.NoError(t, err)
	svc.Wait(runID)

	rec := doJSON(t, srv.Handler(), "GET", fmt.Sprintf("/runs/%s/history", runID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []event.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Events)
	assert.Equal(t, event.TypeRunCreated, resp.Events[0].Type)
	assert.Equal(t, uint64(1), resp.Events[0].Seq)
}

func TestRegisterTemplateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	yamlBody := `
id: haiku
version: "1.0.0"
stages:
  - id: write
    kind: generation
    prompt: "Write a haiku about {{.topic}}"
`
	req := httptest.NewRequest("POST", "/templates", bytes.NewBufferString(yamlBody))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, srv.Handler(), "GET", "/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "haiku")
	assert.Contains(t, rec.Body.String(), "short-story")
}

func TestRegisterTemplateEndpoint_Invalid(t *testing.T) {
	srv, _ := newTestServer(t)

	// Generation stage without a prompt fails structural validation.
	yamlBody := `
id: broken
version: "1.0.0"
stages:
  - id: a
    kind: generation
`
	req := httptest.NewRequest("POST", "/templates", bytes.NewBufferString(yamlBody))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTemplateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), "GET", "/templates/short-story", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var tmpl template.PipelineTemplate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tmpl))
	assert.Equal(t, "short-story", tmpl.ID)
	assert.Len(t, tmpl.Stages, 2)

	rec = doJSON(t, srv.Handler(), "GET", "/templates/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCacheStatsEndpoint(t *testing.T) {
	srv, svc := newTestServer(t)

	runID, err := svc.StartRun(context.Background(), "short-story", "",
		map[string]string{"premise": "p"}, "")
	require.NoError(t, err)
	svc.Wait(runID)

	rec := doJSON(t, srv.Handler(), "GET", "/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats cache.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.Puts, "both generation stages write the cache")
}

func TestCacheInvalidateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), "POST", "/cache/invalidate", invalidateRequest{Scope: "default"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Both or neither of key and scope is rejected.
	rec = doJSON(t, srv.Handler(), "POST", "/cache/invalidate", invalidateRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doJSON(t, srv.Handler(), "POST", "/cache/invalidate", invalidateRequest{Key: "k", Scope: "s"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBranchEndpoint(t *testing.T) {
	srv, svc := newTestServer(t)

	parentID, err := svc.StartRun(context.Background(), "short-story", "",
		map[string]string{"premise": "p"}, "")
	require.NoError(t, err)
	svc.Wait(parentID)

	rec := doJSON(t, srv.Handler(), "POST", fmt.Sprintf("/runs/%s/branch", parentID),
		branchRequest{AtSeq: 2, Overrides: map[string]string{"premise": "p2"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, parentID.String(), resp["parent_run_id"])
	assert.NotEmpty(t, resp["run_id"])

	childID := mustUUID(t, resp["run_id"])
	svc.Wait(childID)

	st, err := svc.GetRunState(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, state.RunCompleted, st.Status)
}

func TestEventsSSE_FinishedRun(t *testing.T) {
	srv, svc := newTestServer(t)

	runID, err := svc.StartRun(context.Background(), "short-story", "",
		map[string]string{"premise": "p"}, "")
	require.NoError(t, err)
	svc.Wait(runID)

	req := httptest.NewRequest("GET", fmt.Sprintf("/runs/%s/events", runID), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "event: event")
	assert.Contains(t, body, string(event.TypeRunCreated))
	assert.Contains(t, body, "event: complete")
	assert.Contains(t, body, `"status":"completed"`)
}

func TestRateLimitMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := cache.New(nil, cache.Config{}, logger)
	require.NoError(t, err)
	svc, err := run.NewService(run.Deps{
		Sink:      event.NewMemorySink(),
		Templates: template.NewRegistry(),
		Cache:     c,
		Generator: &stubGenerator{},
		Logger:    logger,
	}, run.Options{})
	require.NoError(t, err)

	srv := New(svc, logger, Config{RateLimit: ratelimit.Config{
		Enabled: true, Limit: 2, Window: time.Minute, Burst: 2,
	}})

	h := srv.Handler()
	for i := 0; i < 2; i++ {
		rec := doJSON(t, h, "GET", "/health", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doJSON(t, h, "GET", "/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	parsed, err := uuid.Parse(s)
	require.NoError(t, err)
	return parsed
}
