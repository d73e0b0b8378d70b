// Package api provides HTTP API handlers for posetrace runs.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ayusman/posetrace/internal/store"
)

// RunHandler handles HTTP requests for run resources.
type RunHandler struct {
	store  *store.Store
	worker *Worker
}

// NewRunHandler creates a new RunHandler with the given store and worker.
func NewRunHandler(s *store.Store, w *Worker) *RunHandler {
	return &RunHandler{store: s, worker: w}
}

// ServeHTTP implements the http.Handler interface and routes requests to appropriate methods.
func (h *RunHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Expected paths: /api/runs or /api/runs/{id}
	path := strings.TrimPrefix(r.URL.Path, "/api/runs")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		switch r.Method {
		case http.MethodGet:
			h.list(w, r)
		case http.MethodPost:
			h.create(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	id := path
	switch r.Method {
	case http.MethodGet:
		h.get(w, r, id)
	case http.MethodDelete:
		h.delete(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Request and response types

type createRunRequest struct {
	Input          string `json:"input"`
	Output         string `json:"output"`
	AllLandmarks   *bool  `json:"all_landmarks"`
	DrawSkeleton   *bool  `json:"draw_skeleton"`
	CalculateAngle bool   `json:"calculate_angle"`
	Trace          string `json:"trace"`
}

type runResponse struct {
	*store.Run
	Events []store.RunEvent `json:"events,omitempty"`
}

type listRunsResponse struct {
	Runs []*store.Run `json:"runs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// list handles GET /api/runs. The optional status and limit query parameters
// filter the result.
func (h *RunHandler) list(w http.ResponseWriter, r *http.Request) {
	status := store.RunStatus(r.URL.Query().Get("status"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := h.store.Runs().List(status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}

	writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs})
}

// get handles GET /api/runs/{id} and returns the run with its events.
func (h *RunHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	run, err := h.store.Runs().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get run")
		return
	}

	events, err := h.store.Events().ListByRun(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get run events")
		return
	}

	writeJSON(w, http.StatusOK, runResponse{Run: run, Events: events})
}

// create handles POST /api/runs and queues a new run.
func (h *RunHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if req.Input == "" || req.Output == "" {
		writeError(w, http.StatusBadRequest, "input and output are required")
		return
	}
	if req.Input == req.Output {
		writeError(w, http.StatusBadRequest, "output must differ from input")
		return
	}

	job := h.worker.NewJob(req.Input, req.Output)
	if req.AllLandmarks != nil {
		job.AllLandmarks = *req.AllLandmarks
	}
	if req.DrawSkeleton != nil {
		job.DrawSkeleton = *req.DrawSkeleton
	}
	job.CalculateAngle = req.CalculateAngle
	if req.Trace != "" {
		job.TracePath = req.Trace
	}

	run, err := h.worker.Submit(job)
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "Run queue is full")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to queue run")
		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

// delete handles DELETE /api/runs/{id}. Unfinished runs are cancelled and
// finished runs are removed from history.
func (h *RunHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	run, err := h.store.Runs().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get run")
		return
	}

	if !run.Status.Finished() {
		cancelled, err := h.worker.Cancel(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to cancel run")
			return
		}
		if !cancelled {
			writeError(w, http.StatusConflict, "Run is not cancellable")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
		return
	}

	if err := h.store.Runs().Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete run")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
