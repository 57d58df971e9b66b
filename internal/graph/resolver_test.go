package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daniel/storyweaver/internal/state"
	"github.com/daniel/storyweaver/internal/template"
)

func tmplOf(stages ...template.StageDefinition) *template.PipelineTemplate {
	return &template.PipelineTemplate{ID: "t", Version: "1", Stages: stages}
}

func gen(id string, deps ...string) template.StageDefinition {
	return template.StageDefinition{ID: id, Kind: template.KindGeneration, Prompt: "p", DependsOn: deps}
}

func TestValidate_OK(t *testing.T) {
	tmpl := tmplOf(gen("a"), gen("b", "a"), gen("c", "a", "b"))
	assert.NoError(t, Validate(tmpl))
}

func TestValidate_UnknownDep(t *testing.T) {
	err := Validate(tmplOf(gen("a", "ghost")))
	var verr *template.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Problems[0], "unknown stage")
}

func TestValidate_SelfDep(t *testing.T) {
	err := Validate(tmplOf(gen("a", "a")))
	var verr *template.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Problems[0], "depends on itself")
}

func TestValidate_CycleReportsPath(t *testing.T) {
	err := Validate(tmplOf(gen("a", "c"), gen("b", "a"), gen("c", "b")))
	var cerr *CycleError
	require.True(t, errors.As(err, &cerr))
	// The path starts and ends at the same stage.
	require.GreaterOrEqual(t, len(cerr.Path), 4)
	assert.Equal(t, cerr.Path[0], cerr.Path[len(cerr.Path)-1])
}

func TestValidate_OptionalDepInCycle(t *testing.T) {
	tmpl := tmplOf(
		template.StageDefinition{ID: "a", Kind: template.KindGeneration, Prompt: "p", OptionalDeps: []string{"b"}},
		gen("b", "a"),
	)
	var cerr *CycleError
	assert.True(t, errors.As(Validate(tmpl), &cerr), "optional deps participate in cycle detection")
}

func TestResolve_RootsFirst(t *testing.T) {
	tmpl := tmplOf(gen("a"), gen("b"), gen("c", "a", "b"))
	res := Resolve(tmpl, map[string]state.StageStatus{
		"a": state.StageWaiting, "b": state.StageWaiting, "c": state.StageWaiting,
	})
	assert.Equal(t, []string{"a", "b"}, res.Runnable, "declaration order")
	assert.False(t, res.Exhausted)
	assert.False(t, res.Stuck)
}

func TestResolve_RequiredDepMustComplete(t *testing.T) {
	tmpl := tmplOf(gen("a"), gen("b", "a"))

	res := Resolve(tmpl, map[string]state.StageStatus{
		"a": state.StageRunning, "b": state.StageWaiting,
	})
	assert.Empty(t, res.Runnable)

	res = Resolve(tmpl, map[string]state.StageStatus{
		"a": state.StageCompleted, "b": state.StageWaiting,
	})
	assert.Equal(t, []string{"b"}, res.Runnable)

	// A skipped required dependency never unlocks the stage.
	res = Resolve(tmpl, map[string]state.StageStatus{
		"a": state.StageSkipped, "b": state.StageWaiting,
	})
	assert.Empty(t, res.Runnable)
}

func TestResolve_OptionalDepAnyTerminal(t *testing.T) {
	tmpl := tmplOf(
		gen("a"),
		template.StageDefinition{ID: "b", Kind: template.KindGeneration, Prompt: "p", OptionalDeps: []string{"a"}},
	)

	// A failed optional dependency still unlocks the stage.
	res := Resolve(tmpl, map[string]state.StageStatus{
		"a": state.StageFailed, "b": state.StageWaiting,
	})
	assert.Equal(t, []string{"b"}, res.Runnable)

	// A running optional dependency does not.
	res = Resolve(tmpl, map[string]state.StageStatus{
		"a": state.StageRunning, "b": state.StageWaiting,
	})
	assert.Empty(t, res.Runnable)
}

func TestResolve_Exhausted(t *testing.T) {
	tmpl := tmplOf(gen("a"), gen("b", "a"))
	res := Resolve(tmpl, map[string]state.StageStatus{
		"a": state.StageCompleted, "b": state.StageCompleted,
	})
	assert.True(t, res.Exhausted)
	assert.Empty(t, res.Runnable)
}

func TestResolve_ExhaustedWithSkips(t *testing.T) {
	tmpl := tmplOf(gen("a"), gen("b", "a"))
	res := Resolve(tmpl, map[string]state.StageStatus{
		"a": state.StageFailed, "b": state.StageSkipped,
	})
	assert.True(t, res.Exhausted)
}

func TestResolve_Stuck(t *testing.T) {
	// A waiting stage behind a failed required dependency, with no skip
	// cascade applied, cannot progress.
	tmpl := tmplOf(gen("a"), gen("b", "a"))
	res := Resolve(tmpl, map[string]state.StageStatus{
		"a": state.StageFailed, "b": state.StageWaiting,
	})
	assert.True(t, res.Stuck)
	assert.False(t, res.Exhausted)
}

func TestResolve_DiamondFanOut(t *testing.T) {
	tmpl := tmplOf(gen("root"), gen("left", "root"), gen("right", "root"), gen("join", "left", "right"))

	res := Resolve(tmpl, map[string]state.StageStatus{
		"root": state.StageCompleted,
		"left": state.StageWaiting, "right": state.StageWaiting,
		"join": state.StageWaiting,
	})
	assert.Equal(t, []string{"left", "right"}, res.Runnable)

	res = Resolve(tmpl, map[string]state.StageStatus{
		"root": state.StageCompleted,
		"left": state.StageCompleted, "right": state.StageCompleted,
		"join": state.StageWaiting,
	})
	assert.Equal(t, []string{"join"}, res.Runnable)
}
