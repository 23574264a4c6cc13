package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/moogar0880/problems"

	"github.com/petrijr/waypoint/pkg/api"
)

// requestError is a malformed or invalid request body.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func writeProblem(w http.ResponseWriter, r *http.Request, status int, typ, detail string) {
	problem := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(typ).
		WithDetail(detail)

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// handleError maps engine errors onto problem responses.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		writeProblem(w, r, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, api.ErrInvalidInput):
		writeProblem(w, r, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, api.ErrRunNotFound):
		writeProblem(w, r, http.StatusNotFound, "run_not_found", "run not found")
	case errors.Is(err, api.ErrWorkflowNotFound):
		writeProblem(w, r, http.StatusNotFound, "workflow_not_found", err.Error())
	case errors.Is(err, api.ErrUnknownOrResolvedToken):
		writeProblem(w, r, http.StatusConflict, "unknown_or_resolved_token", err.Error())
	case errors.Is(err, api.ErrRunTerminated):
		writeProblem(w, r, http.StatusConflict, "run_terminated", err.Error())
	case errors.Is(err, api.ErrConcurrentWrite):
		writeProblem(w, r, http.StatusConflict, "conflict", err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeProblem(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
