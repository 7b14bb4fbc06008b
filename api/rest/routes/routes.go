package routes

import (
	"lora-orchestrator/api/rest/handlers"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, jobHandler *handlers.JobHandler, dashboardHandler *handlers.DashboardHandler) {
	r.HandleFunc("/health", handlers.Health).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	// Job endpoints
	api.HandleFunc("/jobs", jobHandler.CreateJob).Methods("POST")
	api.HandleFunc("/jobs/spec", jobHandler.SubmitSpec).Methods("POST")
	api.HandleFunc("/jobs", jobHandler.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", jobHandler.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}", jobHandler.DeleteJob).Methods("DELETE")
	api.HandleFunc("/jobs/{id}/progress", jobHandler.GetProgress).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", jobHandler.CancelJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/events", jobHandler.GetJobEvents).Methods("GET")
	api.HandleFunc("/jobs/{id}/artifacts", jobHandler.GetJobArtifacts).Methods("GET")
	api.HandleFunc("/jobs/{id}/metrics", jobHandler.GetJobMetrics).Methods("GET")

	api.HandleFunc("/datasets", jobHandler.ListDatasets).Methods("GET")

	// Dashboard endpoints
	api.HandleFunc("/dashboard/summary", dashboardHandler.GetSummary).Methods("GET")
}
