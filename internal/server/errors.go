package server

import (
	"errors"
	"net/http"

	"github.com/daniel/storyweaver/internal/event"
	"github.com/daniel/storyweaver/internal/graph"
	"github.com/daniel/storyweaver/internal/run"
	"github.com/daniel/storyweaver/internal/template"
)

// httpStatus maps domain errors to HTTP status codes.
func httpStatus(err error) int {
	var (
		validationErr *template.ValidationError
		cycleErr      *graph.CycleError
		seqErr        *event.SequenceConflictError
	)
	switch {
	case errors.Is(err, event.ErrRunNotFound), errors.Is(err, template.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, run.ErrRunNotActive):
		return http.StatusConflict
	case errors.Is(err, run.ErrNoPendingChoice):
		return http.StatusConflict
	case errors.As(err, &seqErr):
		return http.StatusConflict
	case errors.As(err, &validationErr), errors.As(err, &cycleErr):
		return http.StatusBadRequest
	case errors.Is(err, run.ErrMissingInput):
		return http.StatusBadRequest
	case errors.Is(err, event.ErrSinkUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
