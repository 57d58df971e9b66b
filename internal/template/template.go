// Package template defines pipeline templates: the immutable, versioned
// description of the stages a run executes and the dependencies between them.
package template

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// StageKind selects the behavior of a stage. The set is closed; the
// orchestrator dispatches on it without runtime type inspection.
type StageKind string

// Stage kinds.
const (
	// KindGeneration renders the prompt and invokes the generation model.
	KindGeneration StageKind = "generation"
	// KindTransform combines upstream outputs without a model call.
	KindTransform StageKind = "transform"
	// KindChoice generates candidate outputs and suspends until an
	// external caller selects one.
	KindChoice StageKind = "choice"
)

// RetryPolicy bounds automatic retries of a failed stage attempt.
type RetryPolicy struct {
	MaxAttempts      int `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" json:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" json:"max_backoff_ms"`
}

// DefaultRetryPolicy is applied when a stage declares none.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:      3,
	InitialBackoffMs: 1000,
	MaxBackoffMs:     30000,
}

// InitialBackoff returns the first retry delay.
func (p RetryPolicy) InitialBackoff() time.Duration {
	return time.Duration(p.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the retry delay cap.
func (p RetryPolicy) MaxBackoff() time.Duration {
	return time.Duration(p.MaxBackoffMs) * time.Millisecond
}

// StageDefinition is one immutable stage of a pipeline template.
type StageDefinition struct {
	ID     string    `yaml:"id" json:"id" validate:"required"`
	Name   string    `yaml:"name,omitempty" json:"name,omitempty"`
	Kind   StageKind `yaml:"kind" json:"kind" validate:"required,oneof=generation transform choice"`
	Prompt string    `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	// DependsOn lists required upstream stage ids. OptionalDeps lists
	// upstream stages whose failure does not skip this stage.
	DependsOn    []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	OptionalDeps []string `yaml:"optional_deps,omitempty" json:"optional_deps,omitempty"`
	// Models is the preference-ordered list of model identifiers.
	Models []string `yaml:"models,omitempty" json:"models,omitempty"`
	// Context names the run inputs that feed this stage's prompt and
	// therefore its cache key.
	Context []string `yaml:"context,omitempty" json:"context,omitempty"`
	// Candidates is the number of outputs a choice stage generates
	// before suspending for selection. Ignored for other kinds.
	Candidates int          `yaml:"candidates,omitempty" json:"candidates,omitempty" validate:"gte=0,lte=8"`
	Retry      *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// RetryPolicyOrDefault returns the stage's policy or the default.
func (s StageDefinition) RetryPolicyOrDefault() RetryPolicy {
	if s.Retry != nil {
		return *s.Retry
	}
	return DefaultRetryPolicy
}

// AllDeps returns required then optional dependency ids.
func (s StageDefinition) AllDeps() []string {
	out := make([]string, 0, len(s.DependsOn)+len(s.OptionalDeps))
	out = append(out, s.DependsOn...)
	out = append(out, s.OptionalDeps...)
	return out
}

// PipelineTemplate is a versioned, immutable pipeline description. Once a
// run references a template id+version, the template must never change.
type PipelineTemplate struct {
	ID          string            `yaml:"id" json:"id" validate:"required"`
	Version     string            `yaml:"version" json:"version" validate:"required"`
	Name        string            `yaml:"name,omitempty" json:"name,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs      []string          `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Stages      []StageDefinition `yaml:"stages" json:"stages" validate:"required,min=1,dive"`
}

// Stage returns the stage with the given id, or nil.
func (t *PipelineTemplate) Stage(id string) *StageDefinition {
	for i := range t.Stages {
		if t.Stages[i].ID == id {
			return &t.Stages[i]
		}
	}
	return nil
}

// ValidationError reports a template that failed load-time validation.
// A run is never started against an invalid template.
type ValidationError struct {
	TemplateID string
	Problems   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("template %q invalid: %d problem(s), first: %s",
		e.TemplateID, len(e.Problems), e.Problems[0])
}

var validate = validator.New()

// Validate performs structural validation: struct tags, unique stage ids,
// sane kinds. Graph-shape validation (unknown references, cycles) is the
// resolver's job and runs at the same load point.
func (t *PipelineTemplate) Validate() error {
	var problems []string

	if err := validate.Struct(t); err != nil {
		problems = append(problems, err.Error())
	}

	seen := make(map[string]bool, len(t.Stages))
	for _, st := range t.Stages {
		if seen[st.ID] {
			problems = append(problems, fmt.Sprintf("duplicate stage id %q", st.ID))
		}
		seen[st.ID] = true

		switch st.Kind {
		case KindGeneration, KindChoice:
			if st.Prompt == "" {
				problems = append(problems, fmt.Sprintf("stage %q: %s stage requires a prompt", st.ID, st.Kind))
			}
		case KindTransform:
			if len(st.AllDeps()) == 0 {
				problems = append(problems, fmt.Sprintf("stage %q: transform stage requires at least one dependency", st.ID))
			}
		}
		if st.Kind == KindChoice && st.Candidates < 2 {
			problems = append(problems, fmt.Sprintf("stage %q: choice stage requires at least 2 candidates", st.ID))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{TemplateID: t.ID, Problems: problems}
	}
	return nil
}

// LoadFile reads and structurally validates a template from a YAML file.
func LoadFile(path string) (*PipelineTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and structurally validates template YAML.
func Parse(data []byte) (*PipelineTemplate, error) {
	var t PipelineTemplate
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse template YAML: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
