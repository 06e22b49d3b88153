package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/FresHHerB/api-gpu-sub002/internal/common"
	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
	"github.com/FresHHerB/api-gpu-sub002/internal/models"
)

// --- Job handlers ---

type createJobRequest struct {
	Operation  string         `json:"operation"`
	Payload    map[string]any `json:"payload"`
	WebhookURL string         `json:"webhook_url,omitempty"`
	CallerRef  map[string]any `json:"caller_ref,omitempty"`
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, err := s.jobs.Enqueue(r.Context(), interfaces.EnqueueRequest{
		Operation:  models.Operation(req.Operation),
		Payload:    req.Payload,
		WebhookURL: req.WebhookURL,
		CallerRef:  req.CallerRef,
	})
	if err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Cannot enqueue job: %v", err))
		return
	}

	WriteJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	jobs, err := s.jobs.List(r.Context(), limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Error listing jobs: %v", err))
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, fmt.Sprintf("Job not found: %s", id))
			return
		}
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Error loading job: %v", err))
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	job, err := s.jobs.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrNotFound):
			WriteError(w, http.StatusNotFound, fmt.Sprintf("Job not found: %s", id))
		case errors.Is(err, interfaces.ErrAlreadyTerminal):
			WriteErrorWithCode(w, http.StatusConflict, "Job already finished", "already_terminal")
		default:
			WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Cancel error: %v", err))
		}
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// --- System handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	slots, err := s.store.ActiveSlots(ctx)
	storageOK := err == nil
	endpointOK := s.endpoint.Health(ctx)

	status := "ok"
	code := http.StatusOK
	if !storageOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	} else if !endpointOK {
		// Local operations still work when the GPU endpoint is down.
		status = "degraded"
	}

	WriteJSON(w, code, map[string]interface{}{
		"status":       status,
		"version":      common.GetVersion(),
		"storage":      storageOK,
		"endpoint":     endpointOK,
		"active_slots": slots,
		"max_slots":    s.config.Orchestrator.GetMaxRemoteSlots(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}
