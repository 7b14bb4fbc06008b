package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"lora-orchestrator/core/controller"
	"lora-orchestrator/core/models"
	"lora-orchestrator/core/monitoring"

	"github.com/gorilla/mux"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	controller *controller.JobController
	monitor    *monitoring.JobMonitor
	logger     *slog.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(ctrl *controller.JobController, monitor *monitoring.JobMonitor, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		controller: ctrl,
		monitor:    monitor,
		logger:     logger,
	}
}

// SubmitSpecRequest carries a YAML job specification
type SubmitSpecRequest struct {
	SpecYAML string `json:"spec_yaml"`
}

// CreateJob handles POST /v1/jobs
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	req := models.NewCreateJobRequest()
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	job, err := h.controller.CreateJob(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// SubmitSpec handles POST /v1/jobs/spec
func (h *JobHandler) SubmitSpec(w http.ResponseWriter, r *http.Request) {
	var req SubmitSpecRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	job, err := h.controller.CreateJobFromSpec(r.Context(), req.SpecYAML)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// ListJobs handles GET /v1/jobs?status=&limit=
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var filter models.ListFilter
	if s := r.URL.Query().Get("status"); s != "" {
		status := models.JobStatus(s)
		filter.Status = &status
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filter.Limit = limit

	jobs, err := h.controller.ListJobs(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

// GetJob handles GET /v1/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.controller.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetProgress handles GET /v1/jobs/{id}/progress?limit=
func (h *JobHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.controller.GetProgress(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CancelJob handles POST /v1/jobs/{id}/cancel
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.controller.CancelJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// DeleteJob handles DELETE /v1/jobs/{id}
func (h *JobHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.DeleteJob(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetJobEvents handles GET /v1/jobs/{id}/events
func (h *JobHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.controller.ListJobEvents(r.Context(), mux.Vars(r)["id"], 100)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

// GetJobArtifacts handles GET /v1/jobs/{id}/artifacts
func (h *JobHandler) GetJobArtifacts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	artifacts, err := h.controller.ListArtifacts(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	latest, err := h.controller.LatestCheckpoint(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := map[string]any{"items": artifacts}
	if latest != "" {
		resp["latest_checkpoint"] = latest
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListDatasets handles GET /v1/datasets
func (h *JobHandler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	ids, err := h.controller.ListDatasets(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ids})
}

// GetJobMetrics handles GET /v1/jobs/{id}/metrics
func (h *JobHandler) GetJobMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.monitor.GetJobMetrics(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// writeError maps domain errors onto HTTP statuses
func (h *JobHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr.Error(), "violations": verr.Violations})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.logger.ErrorContext(r.Context(), "[API] Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		v := &models.ValidationError{}
		v.Add("body", "invalid request body: %v", err)
		return v
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		v := &models.ValidationError{}
		v.Add(key, "must be a non-negative integer")
		return 0, v
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
