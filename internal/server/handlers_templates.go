package server

import (
	"io"
	"net/http"

	"github.com/daniel/storyweaver/internal/template"
)

// templateSummary is the listing shape for templates.
type templateSummary struct {
	ID          string   `json:"id"`
	Version     string   `json:"version"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Inputs      []string `json:"inputs,omitempty"`
	Stages      int      `json:"stages"`
}

// handleListTemplates lists registered templates.
func (s *Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	all := s.svc.Templates().List()
	summaries := make([]templateSummary, 0, len(all))
	for _, t := range all {
		summaries = append(summaries, templateSummary{
			ID:          t.ID,
			Version:     t.Version,
			Name:        t.Name,
			Description: t.Description,
			Inputs:      t.Inputs,
			Stages:      len(t.Stages),
		})
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"templates": summaries})
}

// handleGetTemplate returns one template in full, with stages. An empty
// ?version= resolves to the highest version.
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Templates().Get(r.PathValue("id"), r.URL.Query().Get("version"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, t)
}

// handleRegisterTemplate parses a YAML template from the request body,
// validates its dependency graph and registers it.
func (s *Server) handleRegisterTemplate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}

	t, err := template.Parse(body)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.svc.RegisterTemplate(t); err != nil {
		s.errorResponse(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusCreated, map[string]string{"id": t.ID, "version": t.Version})
}
