package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"lora-orchestrator/core/events"
	"lora-orchestrator/core/models"
	"lora-orchestrator/core/monitoring"
	"lora-orchestrator/core/progress"
	"lora-orchestrator/core/repository"
	"lora-orchestrator/core/spec"
	"lora-orchestrator/storage"
	"lora-orchestrator/training"
)

// MaxProgressSamples is the most samples a progress view returns
const MaxProgressSamples = progress.DefaultCapacity

// Enqueuer accepts jobs that are ready to be scheduled
type Enqueuer interface {
	Enqueue(job *models.Job)
}

// JobController is the entry point for every job operation exposed to clients
type JobController struct {
	jobStore    repository.JobStore
	buffer      progress.Buffer
	datasets    training.DatasetSource
	checkpoints *storage.CheckpointManager
	scheduler   Enqueuer
	publisher   events.Publisher
	metrics     *monitoring.MetricsExporter
	logger      *slog.Logger
}

// NewJobController creates a new job controller
func NewJobController(
	jobStore repository.JobStore,
	buffer progress.Buffer,
	datasets training.DatasetSource,
	checkpoints *storage.CheckpointManager,
	scheduler Enqueuer,
	publisher events.Publisher,
	metrics *monitoring.MetricsExporter,
	logger *slog.Logger,
) *JobController {
	return &JobController{
		jobStore:    jobStore,
		buffer:      buffer,
		datasets:    datasets,
		checkpoints: checkpoints,
		scheduler:   scheduler,
		publisher:   publisher,
		metrics:     metrics,
		logger:      logger,
	}
}

// CreateJob validates the request, persists a pending job and queues it.
// Nothing is stored when validation fails.
func (c *JobController) CreateJob(ctx context.Context, req models.CreateJobRequest) (*models.Job, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.ModelName = strings.TrimSpace(req.ModelName)
	req.DatasetID = strings.TrimSpace(req.DatasetID)
	if len(req.LoRA.TargetModules) == 0 && req.ModelName != "" {
		req.LoRA.TargetModules = training.TargetModulesFor(req.ModelName)
	}
	if err := Validate(req); err != nil {
		return nil, err
	}

	ok, err := c.datasets.Exists(ctx, req.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("check dataset %s: %w", req.DatasetID, err)
	}
	if !ok {
		return nil, fmt.Errorf("dataset %s: %w", req.DatasetID, models.ErrNotFound)
	}

	job := &models.Job{
		Name:        req.Name,
		ModelName:   req.ModelName,
		DatasetID:   req.DatasetID,
		Status:      models.JobStatusPending,
		Config:      req.JobConfig,
		TotalEpochs: req.Training.NumEpochs,
	}
	if err := c.jobStore.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	c.logger.InfoContext(ctx, "[Controller] Job created", "job_id", job.ID, "model", job.ModelName, "dataset", job.DatasetID)
	c.metrics.JobCreated(ctx)
	c.publish(ctx, job, nil, "job_created")
	c.scheduler.Enqueue(job.Clone())
	return job, nil
}

// CreateJobFromSpec creates a job from a YAML job specification
func (c *JobController) CreateJobFromSpec(ctx context.Context, specYAML string) (*models.Job, error) {
	req, err := spec.ParseJobSpec(specYAML)
	if err != nil {
		v := &models.ValidationError{}
		v.Add("spec", "%v", err)
		return nil, v
	}
	return c.CreateJob(ctx, *req)
}

func (c *JobController) ListJobs(ctx context.Context, filter models.ListFilter) ([]*models.Job, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		v := &models.ValidationError{}
		v.Add("status", "unknown status %q", *filter.Status)
		return nil, v
	}
	return c.jobStore.ListJobs(ctx, filter)
}

func (c *JobController) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return c.jobStore.GetJob(ctx, id)
}

// GetProgress returns the job's progress fields with up to limit of its most
// recent samples, oldest first
func (c *JobController) GetProgress(ctx context.Context, id string, limit int) (*models.JobProgress, error) {
	job, err := c.jobStore.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxProgressSamples {
		limit = MaxProgressSamples
	}
	samples, err := c.buffer.Recent(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("read progress of job %s: %w", id, err)
	}
	if samples == nil {
		samples = []models.ProgressSample{}
	}

	return &models.JobProgress{
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		CurrentEpoch: job.CurrentEpoch,
		TotalEpochs:  job.TotalEpochs,
		CurrentStep:  job.CurrentStep,
		TotalSteps:   job.TotalSteps,
		Loss:         job.Loss,
		Stage:        job.Stage,
		Metrics:      samples,
	}, nil
}

// CancelJob stops a job. A pending job is cancelled at once; a running job is
// flagged and stopped by its worker at the next step. Cancelling a finished
// job changes nothing. The current snapshot is returned in every case.
func (c *JobController) CancelJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := c.jobStore.UpdateJob(ctx, id, "cancelled_by_user", func(j *models.Job) error {
		switch j.Status {
		case models.JobStatusPending:
			j.Status = models.JobStatusCancelled
		case models.JobStatusRunning:
			j.CancelRequested = true
		}
		return nil
	})
	if errors.Is(err, models.ErrConflict) {
		return c.jobStore.GetJob(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case models.JobStatusCancelled:
		c.logger.InfoContext(ctx, "[Controller] Pending job cancelled", "job_id", id)
		from := models.JobStatusPending
		c.publish(ctx, job, &from, "cancelled_by_user")
		c.metrics.Transition(ctx, models.JobStatusCancelled, "cancelled_by_user")
		if err := c.buffer.Seal(ctx, id); err != nil {
			c.logger.WarnContext(ctx, "[Controller] Failed to seal progress", "job_id", id, "error", err)
		}
	case models.JobStatusRunning:
		c.logger.InfoContext(ctx, "[Controller] Cancellation requested", "job_id", id)
	}
	return job, nil
}

// DeleteJob removes a job that is not running together with its samples,
// events, artifact records and stored artifacts
func (c *JobController) DeleteJob(ctx context.Context, id string) error {
	if err := c.jobStore.DeleteJob(ctx, id); err != nil {
		return err
	}

	if err := c.buffer.Drop(ctx, id); err != nil {
		c.logger.WarnContext(ctx, "[Controller] Failed to drop progress", "job_id", id, "error", err)
	}
	if c.checkpoints != nil {
		if err := c.checkpoints.Purge(ctx, id); err != nil {
			c.logger.WarnContext(ctx, "[Controller] Failed to purge artifacts", "job_id", id, "error", err)
		}
	}
	c.logger.InfoContext(ctx, "[Controller] Job deleted", "job_id", id)
	return nil
}

// ListJobEvents returns the status history of a job, newest first
func (c *JobController) ListJobEvents(ctx context.Context, id string, limit int) ([]models.JobEvent, error) {
	if _, err := c.jobStore.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return c.jobStore.ListJobEvents(ctx, id, limit)
}

// ListDatasets returns the ids of the datasets jobs can train on
func (c *JobController) ListDatasets(ctx context.Context) ([]string, error) {
	return c.datasets.List(ctx)
}

// ListArtifacts returns the stored adapter and checkpoints of a job
func (c *JobController) ListArtifacts(ctx context.Context, id string) ([]models.JobArtifact, error) {
	if _, err := c.jobStore.GetJob(ctx, id); err != nil {
		return nil, err
	}
	if c.checkpoints == nil {
		return []models.JobArtifact{}, nil
	}
	return c.checkpoints.ListArtifacts(ctx, id)
}

// LatestCheckpoint returns the URI of the highest-step checkpoint of a job,
// or "" when none was saved
func (c *JobController) LatestCheckpoint(ctx context.Context, id string) (string, error) {
	if _, err := c.jobStore.GetJob(ctx, id); err != nil {
		return "", err
	}
	if c.checkpoints == nil {
		return "", nil
	}
	uri, err := c.checkpoints.GetLatestCheckpoint(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return "", nil
	}
	return uri, err
}

func (c *JobController) publish(ctx context.Context, job *models.Job, from *models.JobStatus, reason string) {
	if err := c.publisher.PublishJobStatus(ctx, events.NewJobStatusChanged(job, from, reason)); err != nil {
		c.logger.WarnContext(ctx, "[Controller] Failed to publish status", "job_id", job.ID, "error", err)
	}
}
