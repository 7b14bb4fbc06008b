package events

import (
	"context"
	"time"

	"lora-orchestrator/core/models"
)

// JobStatusChanged is broadcast after every committed status transition.
// Observers may use it to refresh early; polling stays authoritative.
type JobStatusChanged struct {
	JobID         string            `json:"job_id"`
	From          *models.JobStatus `json:"from,omitempty"`
	To            models.JobStatus  `json:"to"`
	Reason        string            `json:"reason"`
	Progress      float64           `json:"progress"`
	FailureReason string            `json:"failure_reason,omitempty"`
	ModelPath     string            `json:"model_path,omitempty"`
	At            time.Time         `json:"at"`
}

// NewJobStatusChanged builds the message for a transition of job
func NewJobStatusChanged(job *models.Job, from *models.JobStatus, reason string) JobStatusChanged {
	return JobStatusChanged{
		JobID:         job.ID,
		From:          from,
		To:            job.Status,
		Reason:        reason,
		Progress:      job.Progress,
		FailureReason: job.FailureReason,
		ModelPath:     job.ModelPath,
		At:            job.UpdatedAt,
	}
}

// Publisher delivers lifecycle messages to interested parties
type Publisher interface {
	PublishJobStatus(ctx context.Context, event JobStatusChanged) error
}

// Nop discards every message
type Nop struct{}

func (Nop) PublishJobStatus(context.Context, JobStatusChanged) error { return nil }
