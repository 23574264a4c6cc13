package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/petrijr/waypoint/pkg/api"
)

type startRunRequest struct {
	Workflow string          `json:"workflow" validate:"required"`
	Input    json.RawMessage `json:"input"`
	RunKey   string          `json:"runKey" validate:"omitempty,max=200"`
}

type startRunResponse struct {
	RunID string `json:"runId"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type resumeHookRequest struct {
	Token      string          `json:"token" validate:"required"`
	Payload    json.RawMessage `json:"payload"`
	ApprovedBy string          `json:"approvedBy"`
}

type resumeHookResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := s.decode(r, &req); err != nil {
		s.handleError(w, r, err)
		return
	}

	var opts []api.StartOption
	if req.RunKey != "" {
		opts = append(opts, api.WithRunKey(req.RunKey))
	}
	var input any
	if len(req.Input) > 0 {
		input = req.Input
	}
	runID, err := s.engine.Start(r.Context(), req.Workflow, input, opts...)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, startRunResponse{RunID: runID})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := api.RunListOptions{Workflow: q.Get("workflow")}
	if v := q.Get("open"); v != "" {
		open, err := strconv.ParseBool(v)
		if err != nil {
			s.handleError(w, r, &requestError{msg: "open must be a boolean"})
			return
		}
		opts.OpenOnly = open
	}

	runs, err := s.engine.ListRuns(r.Context(), opts)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*api.RunInfo{}
	}
	respondWithJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, info)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, events)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := s.decode(r, &req); err != nil {
			s.handleError(w, r, err)
			return
		}
	}
	if err := s.engine.Cancel(r.Context(), mux.Vars(r)["id"], req.Reason); err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeHook(w http.ResponseWriter, r *http.Request) {
	var req resumeHookRequest
	if err := s.decode(r, &req); err != nil {
		s.handleError(w, r, err)
		return
	}

	payload, err := s.enrich(req)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if err := s.engine.ResolveHook(r.Context(), req.Token, payload); err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, resumeHookResponse{Success: true, Token: req.Token})
}

// enrich stamps approvedBy and approvedAt onto object payloads.
func (s *Server) enrich(req resumeHookRequest) (any, error) {
	if req.ApprovedBy == "" {
		if len(req.Payload) == 0 {
			return nil, nil
		}
		return req.Payload, nil
	}

	fields := map[string]any{}
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		if err := json.Unmarshal(req.Payload, &fields); err != nil {
			return nil, &requestError{msg: "approvedBy requires an object payload"}
		}
	}
	fields["approvedBy"] = req.ApprovedBy
	fields["approvedAt"] = s.clock.Now().UTC().Format(time.RFC3339)
	return fields, nil
}
