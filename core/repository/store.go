package repository

import (
	"context"
	"fmt"
	"time"

	"lora-orchestrator/core/models"
)

// JobStore is the single source of truth for job records.
// All updates for one job are serialized; readers always get a full snapshot.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter models.ListFilter) ([]*models.Job, error)
	// UpdateJob applies mutate to a copy of the current record and persists it.
	// A status change is checked against the state machine and logged as an
	// event with the given reason. Terminal jobs cannot be updated.
	UpdateJob(ctx context.Context, id, reason string, mutate func(*models.Job) error) (*models.Job, error)
	// ClaimJob atomically moves a pending job to running. It fails with
	// ErrConflict when the job is not pending or a cancel was requested.
	ClaimJob(ctx context.Context, id string, at time.Time) (*models.Job, error)
	// DeleteJob removes a job and its events. Running jobs yield ErrConflict.
	DeleteJob(ctx context.Context, id string) error
	ListJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error)
}

// ArtifactRepository records artifacts produced by a job
type ArtifactRepository interface {
	CreateArtifact(ctx context.Context, artifact *models.JobArtifact) error
	ListJobArtifacts(ctx context.Context, jobID string, artifactType *models.ArtifactType) ([]models.JobArtifact, error)
	DeleteJobArtifacts(ctx context.Context, jobID string) error
}

// applyUpdate runs mutate against a copy of current and validates the result.
// It returns the new record and, when the status changed, the event to log.
func applyUpdate(current *models.Job, reason string, now time.Time, mutate func(*models.Job) error) (*models.Job, *models.JobEvent, error) {
	if current.Status.IsTerminal() {
		return nil, nil, fmt.Errorf("job %s is %s: %w", current.ID, current.Status, models.ErrConflict)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, nil, err
	}

	// Identity and the config snapshot are immutable.
	next.ID = current.ID
	next.Config = current.Clone().Config
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = now

	if next.Progress < 0 || next.Progress > 100 {
		return nil, nil, fmt.Errorf("progress %.2f out of range", next.Progress)
	}

	if next.Status == current.Status {
		return next, nil, nil
	}

	if !models.CanTransition(current.Status, next.Status) {
		return nil, nil, fmt.Errorf("transition %s -> %s: %w", current.Status, next.Status, models.ErrConflict)
	}

	if next.Status.IsTerminal() {
		if next.CompletedAt == nil {
			at := now
			next.CompletedAt = &at
		}
		next.Stage = ""
		if next.Status != models.JobStatusFailed {
			next.FailureReason = ""
		}
	}

	from := current.Status
	event := &models.JobEvent{
		JobID:      current.ID,
		At:         now,
		FromStatus: &from,
		ToStatus:   next.Status,
		Reason:     reason,
	}
	return next, event, nil
}

// claimable reports whether a job may be claimed by a worker
func claimable(job *models.Job) error {
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, models.ErrConflict)
	}
	if job.CancelRequested {
		return fmt.Errorf("job %s has a pending cancel request: %w", job.ID, models.ErrConflict)
	}
	return nil
}
