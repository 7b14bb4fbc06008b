package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"lora-orchestrator/core/events"
	"lora-orchestrator/core/models"
	"lora-orchestrator/core/monitoring"
	"lora-orchestrator/core/progress"
	"lora-orchestrator/core/repository"
	"lora-orchestrator/storage"
	"lora-orchestrator/training"
)

// Failure reasons recorded by the executor itself
const (
	FailureShuttingDown = "worker interrupted: server shutting down"
	FailureEmptyDataset = "dataset has no examples"
)

// maxRunningProgress keeps a running job below 100 until it has completed
const maxRunningProgress = 99.9

// TrainingExecutor runs claimed jobs through the trainer and records the outcome
type TrainingExecutor struct {
	jobStore    repository.JobStore
	buffer      progress.Buffer
	datasets    training.DatasetSource
	trainer     training.Trainer
	checkpoints *storage.CheckpointManager
	publisher   events.Publisher
	metrics     *monitoring.MetricsExporter
	logger      *slog.Logger
	workDir     string
	now         func() time.Time
}

// NewTrainingExecutor creates a new training executor. Adapter files are
// staged under workDir before they are uploaded.
func NewTrainingExecutor(
	jobStore repository.JobStore,
	buffer progress.Buffer,
	datasets training.DatasetSource,
	trainer training.Trainer,
	checkpoints *storage.CheckpointManager,
	publisher events.Publisher,
	metrics *monitoring.MetricsExporter,
	logger *slog.Logger,
	workDir string,
) *TrainingExecutor {
	return &TrainingExecutor{
		jobStore:    jobStore,
		buffer:      buffer,
		datasets:    datasets,
		trainer:     trainer,
		checkpoints: checkpoints,
		publisher:   publisher,
		metrics:     metrics,
		logger:      logger,
		workDir:     workDir,
		now:         time.Now,
	}
}

// Run executes one job to a terminal state. A job that can no longer be
// claimed (already started elsewhere, cancelled, deleted) is skipped.
func (e *TrainingExecutor) Run(ctx context.Context, jobID string) error {
	job, err := e.jobStore.ClaimJob(ctx, jobID, e.now())
	if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
		e.logger.InfoContext(ctx, "[Executor] Job is not claimable, skipping", "job_id", jobID, "reason", err.Error())
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}

	e.logger.InfoContext(ctx, "[Executor] Executing training job", "job_id", job.ID, "model", job.ModelName, "dataset", job.DatasetID)
	from := models.JobStatusPending
	e.publish(ctx, job, &from, "worker_claimed")
	e.metrics.Transition(ctx, models.JobStatusRunning, "worker_claimed")

	started := e.now()
	outputDir := filepath.Join(e.workDir, job.ID)
	defer os.RemoveAll(outputDir)

	res, runErr := e.execute(ctx, job, outputDir)
	return e.finish(ctx, job.ID, res, runErr, started)
}

// execute prepares the dataset and drives the trainer. It returns the
// trainer's result or the error that ended the run.
func (e *TrainingExecutor) execute(ctx context.Context, job *models.Job, outputDir string) (*training.Result, error) {
	if err := e.buffer.Reset(ctx, job.ID); err != nil {
		return nil, &models.FatalWorkerError{Stage: "reset progress", Err: err}
	}

	examples, err := e.datasets.Load(ctx, job.DatasetID)
	if err != nil {
		return nil, &models.FatalWorkerError{Stage: "load dataset", Err: err}
	}
	texts := training.FormatExamples(examples)
	if len(texts) == 0 {
		return nil, &models.FatalWorkerError{Err: errors.New(FailureEmptyDataset)}
	}

	totalSteps := training.TotalSteps(len(texts), job.Config.Training)
	totalEpochs := max(job.Config.Training.NumEpochs, 1)
	if _, err := e.jobStore.UpdateJob(ctx, job.ID, "plan", func(j *models.Job) error {
		j.TotalSteps = totalSteps
		j.TotalEpochs = totalEpochs
		return nil
	}); err != nil {
		return nil, err
	}

	reporter := &runReporter{
		ctx:         ctx,
		executor:    e,
		jobID:       job.ID,
		totalSteps:  totalSteps,
		totalEpochs: totalEpochs,
	}
	req := training.Request{
		JobID:      job.ID,
		ModelName:  job.ModelName,
		Config:     job.Config,
		Texts:      texts,
		TotalSteps: totalSteps,
		OutputDir:  outputDir,
	}
	res, err := e.trainer.Train(ctx, req, reporter, e.cancelRequested(ctx, job.ID))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// cancelRequested returns the predicate handed to the trainer
func (e *TrainingExecutor) cancelRequested(ctx context.Context, jobID string) func() bool {
	return func() bool {
		job, err := e.jobStore.GetJob(ctx, jobID)
		if err != nil {
			return false
		}
		return job.CancelRequested || job.Status.IsTerminal()
	}
}

// finish records the terminal state of a run. It keeps working after ctx is
// cancelled so a shutdown still leaves the job in a final state.
func (e *TrainingExecutor) finish(ctx context.Context, jobID string, res *training.Result, runErr error, started time.Time) error {
	interrupted := ctx.Err() != nil
	ctx = context.WithoutCancel(ctx)

	var (
		status    models.JobStatus
		reason    string
		failure   string
		modelPath string
	)
	switch {
	case runErr == nil:
		uri, err := e.saveAdapter(ctx, jobID, res)
		if err != nil {
			status, reason, failure = models.JobStatusFailed, "upload_failed", fmt.Sprintf("upload adapter: %v", err)
			break
		}
		status, reason, modelPath = models.JobStatusCompleted, "training_completed", uri
	case errors.Is(runErr, training.ErrCancelled):
		status, reason = models.JobStatusCancelled, "cancelled_by_user"
	case interrupted:
		status, reason, failure = models.JobStatusFailed, "worker_interrupted", FailureShuttingDown
	default:
		var fatal *models.FatalWorkerError
		if !errors.As(runErr, &fatal) {
			fatal = &models.FatalWorkerError{Err: runErr}
		}
		status, reason, failure = models.JobStatusFailed, "training_failed", fatal.Error()
	}

	job, err := e.jobStore.UpdateJob(ctx, jobID, reason, func(j *models.Job) error {
		j.Status = status
		j.FailureReason = failure
		if status == models.JobStatusCompleted {
			j.Progress = 100
			j.CurrentEpoch = j.TotalEpochs
			j.ModelPath = modelPath
		}
		return nil
	})
	if sealErr := e.buffer.Seal(ctx, jobID); sealErr != nil {
		e.logger.WarnContext(ctx, "[Executor] Failed to seal progress", "job_id", jobID, "error", sealErr)
	}
	if errors.Is(err, models.ErrConflict) {
		// Someone else already finalized the job, e.g. the monitor.
		e.logger.WarnContext(ctx, "[Executor] Job was finalized elsewhere", "job_id", jobID, "outcome", string(status))
		return nil
	}
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", jobID, err)
	}

	from := models.JobStatusRunning
	e.publish(ctx, job, &from, reason)
	e.metrics.Transition(ctx, status, reason)
	e.metrics.RunFinished(ctx, status, e.now().Sub(started))

	attrs := []any{"job_id", jobID, "status", string(status)}
	if failure != "" {
		attrs = append(attrs, "failure_reason", failure)
		e.logger.ErrorContext(ctx, "[Executor] Job failed", attrs...)
	} else {
		e.logger.InfoContext(ctx, "[Executor] Job finished", attrs...)
	}
	return nil
}

func (e *TrainingExecutor) saveAdapter(ctx context.Context, jobID string, res *training.Result) (string, error) {
	if res == nil {
		return "", errors.New("trainer returned no result")
	}
	if e.checkpoints == nil {
		return res.ArtifactDir, nil
	}
	return e.checkpoints.SaveAdapter(ctx, jobID, res.ArtifactDir, res.Files)
}

func (e *TrainingExecutor) publish(ctx context.Context, job *models.Job, from *models.JobStatus, reason string) {
	if err := e.publisher.PublishJobStatus(ctx, events.NewJobStatusChanged(job, from, reason)); err != nil {
		e.logger.WarnContext(ctx, "[Executor] Failed to publish status", "job_id", job.ID, "error", err)
	}
}

// runReporter turns trainer callbacks into job updates
type runReporter struct {
	ctx         context.Context
	executor    *TrainingExecutor
	jobID       string
	totalSteps  int
	totalEpochs int
}

func (r *runReporter) Stage(text string) {
	e := r.executor
	if _, err := e.jobStore.UpdateJob(r.ctx, r.jobID, "stage", func(j *models.Job) error {
		j.Stage = text
		return nil
	}); err != nil {
		e.logger.WarnContext(r.ctx, "[Executor] Failed to record stage", "job_id", r.jobID, "stage", text, "error", err)
	}
}

// Sample records one step. Ordering violations drop the sample; a sealed run
// or a job finalized elsewhere stops the trainer.
func (r *runReporter) Sample(sample models.ProgressSample) error {
	e := r.executor
	err := e.buffer.Append(r.ctx, r.jobID, sample)
	switch {
	case errors.Is(err, progress.ErrSealed):
		return err
	case errors.Is(err, progress.ErrOutOfOrder), errors.Is(err, progress.ErrDuplicateStep):
		e.logger.WarnContext(r.ctx, "[Executor] Dropping progress sample", "job_id", r.jobID, "step", sample.Step, "error", err)
		return nil
	case err != nil:
		e.logger.WarnContext(r.ctx, "[Executor] Failed to buffer progress sample", "job_id", r.jobID, "step", sample.Step, "error", err)
	}

	pct := math.Min(float64(sample.Step)/float64(max(r.totalSteps, 1))*100, maxRunningProgress)
	epoch := min(max(int(math.Ceil(sample.Epoch)), 1), r.totalEpochs)
	loss := sample.Loss

	_, err = e.jobStore.UpdateJob(r.ctx, r.jobID, "progress", func(j *models.Job) error {
		j.Progress = math.Max(j.Progress, pct)
		j.CurrentStep = max(j.CurrentStep, sample.Step)
		j.CurrentEpoch = max(j.CurrentEpoch, epoch)
		j.Loss = &loss
		if j.BestLoss == nil || loss < *j.BestLoss {
			j.BestLoss = &loss
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record step %d: %w", sample.Step, err)
	}
	e.metrics.SampleRecorded(r.ctx)
	return nil
}

// Checkpoint uploads an intermediate save. Failures only cost the checkpoint.
func (r *runReporter) Checkpoint(step int, dir string, files []string) {
	e := r.executor
	if e.checkpoints == nil {
		return
	}
	uri, err := e.checkpoints.SaveCheckpoint(r.ctx, r.jobID, step, dir, files)
	if err != nil {
		e.logger.WarnContext(r.ctx, "[Executor] Failed to save checkpoint", "job_id", r.jobID, "step", step, "error", err)
		return
	}
	e.logger.InfoContext(r.ctx, "[Executor] Saved checkpoint", "job_id", r.jobID, "step", step, "uri", uri)
}
