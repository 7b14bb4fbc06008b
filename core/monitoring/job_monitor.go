package monitoring

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"lora-orchestrator/core/events"
	"lora-orchestrator/core/models"
	"lora-orchestrator/core/progress"
	"lora-orchestrator/core/repository"
)

// FailureWorkerLost is recorded on running jobs whose worker no longer exists
const FailureWorkerLost = "worker lost: server restarted"

// JobMonitor watches running jobs. A running job with no live worker in this
// process is failed; a live one that stops reporting is flagged as stalled.
type JobMonitor struct {
	jobStore   repository.JobStore
	buffer     progress.Buffer
	publisher  events.Publisher
	metrics    *MetricsExporter
	logger     *slog.Logger
	isActive   func(jobID string) bool
	interval   time.Duration
	stallAfter time.Duration
	now        func() time.Time
}

// NewJobMonitor creates a new job monitor. isActive reports whether a local
// worker currently owns a job.
func NewJobMonitor(
	jobStore repository.JobStore,
	buffer progress.Buffer,
	publisher events.Publisher,
	metrics *MetricsExporter,
	logger *slog.Logger,
	isActive func(jobID string) bool,
) *JobMonitor {
	return &JobMonitor{
		jobStore:   jobStore,
		buffer:     buffer,
		publisher:  publisher,
		metrics:    metrics,
		logger:     logger,
		isActive:   isActive,
		interval:   30 * time.Second,
		stallAfter: 15 * time.Minute,
		now:        time.Now,
	}
}

// SetStallTimeout changes how long a running job may go without updates
// before it is reported as stalled
func (jm *JobMonitor) SetStallTimeout(d time.Duration) {
	jm.stallAfter = d
}

// Start runs the monitoring loop until ctx is done
func (jm *JobMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(jm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jm.monitorRunningJobs(ctx)
		}
	}
}

// RecoverOrphans fails every running job without a local worker. It is run
// once at startup, before the scheduler starts claiming work.
func (jm *JobMonitor) RecoverOrphans(ctx context.Context) (int, error) {
	jobs, err := jm.runningJobs(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range jobs {
		if jm.isActive(job.ID) {
			continue
		}
		if err := jm.failOrphan(ctx, job); err != nil {
			jm.logger.ErrorContext(ctx, "[Job Monitor] Failed to recover orphaned job", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (jm *JobMonitor) runningJobs(ctx context.Context) ([]*models.Job, error) {
	status := models.JobStatusRunning
	return jm.jobStore.ListJobs(ctx, models.ListFilter{Status: &status})
}

// monitorRunningJobs checks every running job once
func (jm *JobMonitor) monitorRunningJobs(ctx context.Context) {
	jobs, err := jm.runningJobs(ctx)
	if err != nil {
		jm.logger.ErrorContext(ctx, "[Job Monitor] Failed to fetch running jobs", "error", err)
		return
	}

	for _, job := range jobs {
		if !jm.isActive(job.ID) {
			if err := jm.failOrphan(ctx, job); err != nil {
				jm.logger.ErrorContext(ctx, "[Job Monitor] Failed to fail orphaned job", "job_id", job.ID, "error", err)
			}
			continue
		}
		jm.checkJobProgress(ctx, job)
	}
}

// checkJobProgress reports a job that has not been updated for too long
func (jm *JobMonitor) checkJobProgress(ctx context.Context, job *models.Job) {
	idle := jm.now().Sub(job.UpdatedAt)
	if idle < jm.stallAfter {
		return
	}
	jm.logger.WarnContext(ctx, "[Job Monitor] Job has not reported progress",
		"job_id", job.ID,
		"idle", idle.Round(time.Second).String(),
		"step", job.CurrentStep,
		"stage", job.Stage,
	)
}

func (jm *JobMonitor) failOrphan(ctx context.Context, job *models.Job) error {
	updated, err := jm.jobStore.UpdateJob(ctx, job.ID, "worker_lost", func(j *models.Job) error {
		if j.Status != models.JobStatusRunning {
			return errSkip
		}
		j.Status = models.JobStatusFailed
		j.FailureReason = FailureWorkerLost
		return nil
	})
	if errors.Is(err, errSkip) || errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	jm.logger.WarnContext(ctx, "[Job Monitor] Marked orphaned job as failed", "job_id", job.ID)
	if err := jm.buffer.Seal(ctx, job.ID); err != nil {
		jm.logger.WarnContext(ctx, "[Job Monitor] Failed to seal progress", "job_id", job.ID, "error", err)
	}
	from := models.JobStatusRunning
	if err := jm.publisher.PublishJobStatus(ctx, events.NewJobStatusChanged(updated, &from, "worker_lost")); err != nil {
		jm.logger.WarnContext(ctx, "[Job Monitor] Failed to publish status", "job_id", job.ID, "error", err)
	}
	jm.metrics.Transition(ctx, models.JobStatusFailed, "worker_lost")
	return nil
}

var errSkip = errors.New("skip")

// JobMetrics summarizes the pace of a job
type JobMetrics struct {
	JobID        string           `json:"job_id"`
	Status       models.JobStatus `json:"status"`
	Progress     float64          `json:"progress"`
	CurrentStep  int              `json:"current_step"`
	TotalSteps   int              `json:"total_steps"`
	StartTime    *time.Time       `json:"start_time,omitempty"`
	Elapsed      time.Duration    `json:"elapsed_ns"`
	StepsPerHour float64          `json:"steps_per_hour"`
	Remaining    *time.Duration   `json:"remaining_ns,omitempty"`
}

// GetJobMetrics returns the pace and the estimated remaining time of a job
func (jm *JobMonitor) GetJobMetrics(ctx context.Context, jobID string) (*JobMetrics, error) {
	job, err := jm.jobStore.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	m := &JobMetrics{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		TotalSteps:  job.TotalSteps,
		StartTime:   job.StartedAt,
	}
	if job.StartedAt == nil {
		return m, nil
	}

	end := jm.now()
	if job.CompletedAt != nil {
		end = *job.CompletedAt
	}
	m.Elapsed = end.Sub(*job.StartedAt)
	if m.Elapsed <= 0 || job.CurrentStep == 0 {
		return m, nil
	}

	m.StepsPerHour = float64(job.CurrentStep) / m.Elapsed.Hours()
	if job.Status == models.JobStatusRunning && job.TotalSteps > job.CurrentStep {
		perStep := m.Elapsed / time.Duration(job.CurrentStep)
		remaining := perStep * time.Duration(job.TotalSteps-job.CurrentStep)
		m.Remaining = &remaining
	}
	return m, nil
}
