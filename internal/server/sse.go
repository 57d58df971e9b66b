package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/daniel/storyweaver/internal/run"
)

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteError sends an error event
func (s *SSEWriter) WriteError(message string) {
	s.WriteEvent("error", map[string]string{"error": message}) //nolint:errcheck
}

// WriteComplete sends a completion event
func (s *SSEWriter) WriteComplete(runID, status string) {
	s.WriteEvent("complete", map[string]string{ //nolint:errcheck
		"run_id": runID,
		"status": status,
	})
}

// handleEvents streams a run's events over SSE: recorded history first (from
// ?from= when given), then live events, output chunks and pending choices
// while the run is active.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
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

	// Subscribe before reading history so nothing falls in the gap.
	// Duplicates across the boundary are dropped by sequence number.
	notes, cancel, subErr := s.svc.Subscribe(runID)
	if subErr != nil && !errors.Is(subErr, run.ErrRunNotActive) {
		s.errorResponse(w, httpStatus(subErr), subErr.Error())
		return
	}
	if cancel != nil {
		defer cancel()
	}

	history, err := s.svc.History(r.Context(), runID, from)
	if err != nil {
		s.errorResponse(w, httpStatus(err), err.Error())
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	var lastSeq uint64
	for _, e := range history {
		if err := sse.WriteEvent("event", e); err != nil {
			return
		}
		lastSeq = e.Seq
	}

	if subErr != nil {
		// Run finished; history is all there is.
		st, err := s.svc.GetRunState(r.Context(), runID)
		if err == nil {
			sse.WriteComplete(runID.String(), string(st.Status))
		}
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case note, open := <-notes:
			if !open {
				st, err := s.svc.GetRunState(r.Context(), runID)
				if err == nil {
					sse.WriteComplete(runID.String(), string(st.Status))
				}
				return
			}
			if err := s.writeNote(sse, note, &lastSeq); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeNote(sse *SSEWriter, note run.Note, lastSeq *uint64) error {
	switch {
	case note.Event != nil:
		if note.Event.Seq <= *lastSeq {
			return nil
		}
		*lastSeq = note.Event.Seq
		return sse.WriteEvent("event", note.Event)
	case note.Chunk != nil:
		return sse.WriteEvent("chunk", note.Chunk)
	case note.Choice != nil:
		return sse.WriteEvent("choice", note.Choice)
	}
	return nil
}
