package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

// startRunRequest is the body of POST /runs.
type startRunRequest struct {
	TemplateID string            `json:"template_id"`
	Version    string            `json:"version,omitempty"`
	Inputs     map[string]string `json:"inputs"`
	Scope      string            `json:"scope,omitempty"`
}

// handleStartRun creates a run and begins executing it.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.TemplateID == "" {
		s.errorResponse(w, http.StatusBadRequest, "template_id is required")
		return
	}

	runID, err := s.svc.StartRun(r.Context(), req.TemplateID, req.Version, req.Inputs, req.Scope)
	if err != nil {
		s.errorResponse(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusCreated, map[string]string{"run_id": runID.String()})
}

// handleListRuns lists runs from the index, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.ListRuns(r.Context(), r.URL.Query().Get("scope"))
	if err != nil {
		s.errorResponse(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"runs": records})
}

// handleGetRun returns a run's state: current, or at a historical sequence
// number when ?seq= is given.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.pathRunID(w, r)
	if !ok {
		return
	}

	if seqParam := r.URL.Query().Get("seq"); seqParam != "" {
		seq, err := strconv.ParseUint(seqParam, 10, 64)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid seq parameter")
			return
		}
		st, err := s.svc.StateAt(r.Context(), runID, seq)
		if err != nil {
			s.errorResponse(w, httpStatus(err), err.Error())
			return
		}
		s.jsonResponse(w, http.StatusOK, st)
		return
	}

	st, err := s.svc.GetRunState(r.Context(), runID)
	if err != nil {
		s.errorResponse(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, st)
}

// handleHistory returns a run's recorded events.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.pathRunID(w, r)
	if !ok {
		return
	}

	var from uint64
	if fromParam := r.URL.Query().Get("from"); fromParam != "" {
		v, err := strconv.ParseUint(fromParam, 10, 64)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid from parameter")
			return
		}
		from = v
	}

	events, err := s.svc.History(r.Context(), runID, from)
	if err != nil {
		s.errorResponse(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"events": events})
}

// handleCancel requests cooperative cancellation of an active run.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.pathRunID(w, r)
	if !ok {
		return
	}
	if err := s.svc.CancelRun(r.Context(), runID); err != nil {
		s.errorResponse(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handlePause stops new stages from being scheduled.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.pathRunID(w, r)
	if !ok {
		return
	}
	if err := s.svc.PauseRun(runID); err != nil {
		s.errorResponse(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "paused"})
}

// handleResume resumes a paused run.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.pathRunID(w, r)
	if !ok {
		return
	}
	if err := s.svc.ResumeRun(runID); err != nil {
		s.errorResponse(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "running"})
}

// branchRequest is the body of POST /runs/{id}/branch.
type branchRequest struct {
	AtSeq     uint64            `json:"at_seq"`
	Overrides map[string]string `json:"overrides,omitempty"`
}

// handleBranch forks a run at a sequence number into a new child run.
func (s *Server) handleBranch(w http.ResponseWriter, r *http.Request) {
	parentID, ok := s.pathRunID(w, r)
	if !ok {
		return
	}

	var req branchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.AtSeq == 0 {
		s.errorResponse(w, http.StatusBadRequest, "at_seq must be at least 1")
		return
	}

	childID, err := s.svc.Branch(r.Context(), parentID, req.AtSeq, req.Overrides)
	if err != nil {
		s.errorResponse(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusCreated, map[string]string{
		"run_id":        childID.String(),
		"parent_run_id": parentID.String(),
	})
}

// handleChoices returns candidates of suspended choice stages.
func (s *Server) handleChoices(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.pathRunID(w, r)
	if !ok {
		return
	}
	choices, err := s.svc.PendingChoices(runID)
	if err != nil {
		s.errorResponse(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"choices": choices})
}

// feedbackRequest is the body of POST /runs/{id}/feedback.
type feedbackRequest struct {
	StageID   string `json:"stage_id"`
	Selection int    `json:"selection"`
	Comment   string `json:"comment,omitempty"`
}

// handleFeedback resolves a suspended choice stage.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.pathRunID(w, r)
	if !ok {
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.StageID == "" {
		s.errorResponse(w, http.StatusBadRequest, "stage_id is required")
		return
	}

	if err := s.svc.SupplyFeedback(r.Context(), runID, req.StageID, req.Selection, req.Comment); err != nil {
		s.errorResponse(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// pathRunID parses the {id} path segment; on failure it writes the error
// response and returns false.
func (s *Server) pathRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid run id")
		return uuid.Nil, false
	}
	return runID, true
}
