package template

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when no template matches an id or version.
var ErrNotFound = errors.New("template not found")

// Registry holds loaded templates keyed by id and version. Templates are
// immutable once registered; re-registering the same id+version is rejected
// so a referenced version can never change underneath a run.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]map[string]*PipelineTemplate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]map[string]*PipelineTemplate)}
}

// Register adds a template. The template must already be validated.
func (r *Registry) Register(t *PipelineTemplate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.byID[t.ID]
	if !ok {
		versions = make(map[string]*PipelineTemplate)
		r.byID[t.ID] = versions
	}
	if _, exists := versions[t.Version]; exists {
		return fmt.Errorf("template %s version %s already registered", t.ID, t.Version)
	}
	versions[t.Version] = t
	return nil
}

// Get returns a template by id and version. An empty version resolves to
// the highest version string.
func (r *Registry) Get(id, version string) (*PipelineTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.byID[id]
	if !ok || len(versions) == 0 {
		return nil, fmt.Errorf("template %q: %w", id, ErrNotFound)
	}
	if version == "" {
		keys := make([]string, 0, len(versions))
		for v := range versions {
			keys = append(keys, v)
		}
		sort.Strings(keys)
		return versions[keys[len(keys)-1]], nil
	}
	t, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("template %q version %q: %w", id, version, ErrNotFound)
	}
	return t, nil
}

// List returns all registered templates, ordered by id then version.
func (r *Registry) List() []*PipelineTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*PipelineTemplate
	for _, versions := range r.byID {
		for _, t := range versions {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// LoadDir loads every .yaml/.yml file in dir into the registry.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read template dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		t, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
