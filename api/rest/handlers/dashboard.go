package handlers

import (
	"log/slog"
	"net/http"

	"lora-orchestrator/core/models"
	"lora-orchestrator/core/monitoring"
)

// SchedulerStats exposes the load of the local scheduler
type SchedulerStats interface {
	ActiveCount() int
	QueueLength() int
}

// DashboardHandler handles dashboard API requests
type DashboardHandler struct {
	metrics   *monitoring.MetricsExporter
	scheduler SchedulerStats
	logger    *slog.Logger
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(metrics *monitoring.MetricsExporter, scheduler SchedulerStats, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{
		metrics:   metrics,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Summary is the overview shown on the dashboard
type Summary struct {
	Jobs          map[models.JobStatus]int `json:"jobs"`
	Total         int                      `json:"total"`
	ActiveWorkers int                      `json:"active_workers"`
	QueueLength   int                      `json:"queue_length"`
}

// GetSummary handles GET /v1/dashboard/summary
func (h *DashboardHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := h.metrics.CountByStatus(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "[API] Failed to count jobs", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	s := Summary{Jobs: counts}
	for _, n := range counts {
		s.Total += n
	}
	if h.scheduler != nil {
		s.ActiveWorkers = h.scheduler.ActiveCount()
		s.QueueLength = h.scheduler.QueueLength()
	}
	writeJSON(w, http.StatusOK, s)
}

// Health handles GET /health
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
