package server

import (
	"encoding/json"
	"net/http"
)

// handleCacheStats returns response cache hit counters.
func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.svc.Cache().Stats())
}

// invalidateRequest is the body of POST /cache/invalidate. Exactly one of
// key or scope must be set.
type invalidateRequest struct {
	Key   string `json:"key,omitempty"`
	Scope string `json:"scope,omitempty"`
}

// handleCacheInvalidate removes a single cache entry or a whole scope from
// both tiers.
func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if (req.Key == "") == (req.Scope == "") {
		s.errorResponse(w, http.StatusBadRequest, "exactly one of key or scope is required")
		return
	}

	var err error
	if req.Key != "" {
		err = s.svc.Cache().Invalidate(r.Context(), req.Key)
	} else {
		err = s.svc.Cache().InvalidateScope(r.Context(), req.Scope)
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "invalidated"})
}
