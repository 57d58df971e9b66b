// Package graph resolves stage dependency graphs: load-time DAG validation
// and runtime eligibility of stages given the run's current stage statuses.
package graph

import (
	"fmt"
	"strings"

	"github.com/daniel/storyweaver/internal/state"
	"github.com/daniel/storyweaver/internal/template"
)

// CycleError reports a dependency cycle found at template load, including
// the offending path.
type CycleError struct {
	TemplateID string
	Path       []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("template %q has a dependency cycle: %s",
		e.TemplateID, strings.Join(e.Path, " -> "))
}

// Validate checks the template's dependency graph: every referenced stage id
// must exist, no stage may depend on itself, and the graph must be acyclic.
// Validation happens once per template load, never per run.
func Validate(t *template.PipelineTemplate) error {
	ids := make(map[string]bool, len(t.Stages))
	for _, st := range t.Stages {
		ids[st.ID] = true
	}

	var problems []string
	for _, st := range t.Stages {
		for _, dep := range st.AllDeps() {
			if !ids[dep] {
				problems = append(problems, fmt.Sprintf("stage %q depends on unknown stage %q", st.ID, dep))
			}
			if dep == st.ID {
				problems = append(problems, fmt.Sprintf("stage %q depends on itself", st.ID))
			}
		}
	}
	if len(problems) > 0 {
		return &template.ValidationError{TemplateID: t.ID, Problems: problems}
	}

	// Depth-first cycle detection. Color: 0 unvisited, 1 on stack, 2 done.
	color := make(map[string]int, len(t.Stages))
	var stack []string
	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		color[id] = 1
		stack = append(stack, id)
		for _, dep := range t.Stage(id).AllDeps() {
			switch color[dep] {
			case 0:
				if err := visit(dep); err != nil {
					return err
				}
			case 1:
				// Trim the stack to where the cycle begins.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				path := append(append([]string{}, stack[start:]...), dep)
				return &CycleError{TemplateID: t.ID, Path: path}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = 2
		return nil
	}
	for _, st := range t.Stages {
		if color[st.ID] == 0 {
			if err := visit(st.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Resolution is the resolver's answer for one orchestration tick.
type Resolution struct {
	// Runnable lists eligible stage ids in template declaration order.
	Runnable []string
	// Exhausted is set when no stage is Waiting and nothing is Running:
	// the graph has nothing left to do.
	Exhausted bool
	// Stuck is set when stages are Waiting but none can ever become
	// eligible and nothing is Running. With skip cascading applied by
	// the projector this indicates a bug, not a normal outcome.
	Stuck bool
}

// Resolve computes which stages are eligible to run next.
//
// A stage is eligible when it is Waiting, every required dependency is
// Completed, and every optional dependency is terminal. Ties between
// simultaneously eligible stages break by template declaration order; the
// caller applies the concurrency limit.
func Resolve(t *template.PipelineTemplate, statuses map[string]state.StageStatus) Resolution {
	var res Resolution
	waiting, running := 0, 0

	for _, st := range t.Stages {
		status := statuses[st.ID]
		switch status {
		case state.StageRunning:
			running++
			continue
		case state.StageWaiting:
			waiting++
		default:
			continue
		}

		eligible := true
		for _, dep := range st.DependsOn {
			if statuses[dep] != state.StageCompleted {
				eligible = false
				break
			}
		}
		if eligible {
			for _, dep := range st.OptionalDeps {
				if !statuses[dep].Terminal() {
					eligible = false
					break
				}
			}
		}
		if eligible {
			res.Runnable = append(res.Runnable, st.ID)
		}
	}

	if waiting == 0 && running == 0 {
		res.Exhausted = true
	} else if waiting > 0 && running == 0 && len(res.Runnable) == 0 {
		res.Stuck = true
	}
	return res
}
