package storage

import (
	"context"
	"fmt"
	"time"

	"lora-orchestrator/core/models"
	"lora-orchestrator/core/repository"
)

// CheckpointManager stores a job's adapter and checkpoints and records them
// as artifacts
type CheckpointManager struct {
	store        ArtifactStore
	artifactRepo repository.ArtifactRepository
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(store ArtifactStore, artifactRepo repository.ArtifactRepository) *CheckpointManager {
	return &CheckpointManager{
		store:        store,
		artifactRepo: artifactRepo,
	}
}

// SaveAdapter uploads the final adapter of a job and returns its URI
func (cm *CheckpointManager) SaveAdapter(ctx context.Context, jobID, localDir string, files []string) (string, error) {
	uri, err := cm.store.Upload(ctx, AdapterPrefix(jobID), localDir, files)
	if err != nil {
		return "", err
	}

	err = cm.artifactRepo.CreateArtifact(ctx, &models.JobArtifact{
		JobID: jobID,
		Type:  models.ArtifactTypeAdapter,
		URI:   uri,
		Meta:  map[string]any{"files": files},
	})
	if err != nil {
		return "", err
	}
	return uri, nil
}

// SaveCheckpoint uploads an intermediate checkpoint taken at step
func (cm *CheckpointManager) SaveCheckpoint(
	ctx context.Context,
	jobID string,
	step int,
	localDir string,
	files []string,
) (string, error) {
	uri, err := cm.store.Upload(ctx, CheckpointPrefix(jobID, step), localDir, files)
	if err != nil {
		return "", err
	}

	err = cm.artifactRepo.CreateArtifact(ctx, &models.JobArtifact{
		JobID: jobID,
		Type:  models.ArtifactTypeCheckpoint,
		URI:   uri,
		Meta:  map[string]any{"step": step, "files": files},
	})
	if err != nil {
		return "", err
	}
	return uri, nil
}

// GetLatestCheckpoint retrieves the latest checkpoint for a job
func (cm *CheckpointManager) GetLatestCheckpoint(ctx context.Context, jobID string) (string, error) {
	artifacts, err := cm.ListCheckpoints(ctx, jobID)
	if err != nil {
		return "", err
	}

	var latestCheckpoint string
	latestStep := -1
	latestTime := time.Time{}

	for _, artifact := range artifacts {
		// Extract step from metadata
		step, ok := stepOf(artifact.Meta["step"])
		if !ok {
			// Fallback to time-based selection
			if latestStep < 0 && artifact.CreatedAt.After(latestTime) {
				latestTime = artifact.CreatedAt
				latestCheckpoint = artifact.URI
			}
			continue
		}

		if step > latestStep {
			latestStep = step
			latestCheckpoint = artifact.URI
		}
	}

	if latestCheckpoint == "" {
		return "", fmt.Errorf("no checkpoint for job %s: %w", jobID, models.ErrNotFound)
	}

	return latestCheckpoint, nil
}

func stepOf(v any) (int, bool) {
	switch s := v.(type) {
	case int:
		return s, true
	case float64:
		return int(s), true
	}
	return 0, false
}

// ListCheckpoints lists all checkpoints for a job
func (cm *CheckpointManager) ListCheckpoints(ctx context.Context, jobID string) ([]models.JobArtifact, error) {
	checkpointType := models.ArtifactTypeCheckpoint
	return cm.artifactRepo.ListJobArtifacts(ctx, jobID, &checkpointType)
}

// ListArtifacts lists every artifact of a job
func (cm *CheckpointManager) ListArtifacts(ctx context.Context, jobID string) ([]models.JobArtifact, error) {
	return cm.artifactRepo.ListJobArtifacts(ctx, jobID, nil)
}

// Purge removes every stored object and artifact record of a job
func (cm *CheckpointManager) Purge(ctx context.Context, jobID string) error {
	if err := cm.store.DeletePrefix(ctx, JobPrefix(jobID)); err != nil {
		return err
	}
	return cm.artifactRepo.DeleteJobArtifacts(ctx, jobID)
}
