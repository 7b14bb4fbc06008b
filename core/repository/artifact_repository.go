package repository

import (
	"context"
	"encoding/json"
	"time"

	"lora-orchestrator/core/models"
)

// SQLArtifactRepository handles database operations for job artifacts
type SQLArtifactRepository struct {
	db  *DB
	now func() time.Time
}

// NewArtifactRepository creates a new artifact repository
func NewArtifactRepository(db *DB) *SQLArtifactRepository {
	return &SQLArtifactRepository{db: db, now: time.Now}
}

// ListJobArtifacts retrieves artifacts for a job
func (r *SQLArtifactRepository) ListJobArtifacts(ctx context.Context, jobID string, artifactType *models.ArtifactType) ([]models.JobArtifact, error) {
	query := `
		SELECT id, job_id, type, uri, created_at, meta_json
		FROM job_artifacts
		WHERE job_id = ?
	`
	args := []any{jobID}

	if artifactType != nil {
		query += " AND type = ?"
		args = append(args, *artifactType)
	}

	query += " ORDER BY created_at DESC, id DESC"

	rows, err := r.db.QueryContext(ctx, r.db.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	artifacts := []models.JobArtifact{}
	for rows.Next() {
		var (
			artifact  models.JobArtifact
			createdAt int64
			metaJSON  string
		)

		if err := rows.Scan(&artifact.ID, &artifact.JobID, &artifact.Type, &artifact.URI, &createdAt, &metaJSON); err != nil {
			return nil, err
		}
		artifact.CreatedAt = fromNanos(createdAt)

		// Parse meta JSON
		if metaJSON != "" && metaJSON != "{}" {
			if err := json.Unmarshal([]byte(metaJSON), &artifact.Meta); err != nil {
				return nil, err
			}
		}

		artifacts = append(artifacts, artifact)
	}

	return artifacts, rows.Err()
}

// CreateArtifact creates a new artifact record
func (r *SQLArtifactRepository) CreateArtifact(ctx context.Context, artifact *models.JobArtifact) error {
	metaJSON := "{}"
	if len(artifact.Meta) > 0 {
		metaBytes, err := json.Marshal(artifact.Meta)
		if err != nil {
			return err
		}
		metaJSON = string(metaBytes)
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = r.now()
	}

	query := r.db.rebind(`
		INSERT INTO job_artifacts (job_id, type, uri, meta_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`)

	return r.db.QueryRowContext(ctx, query,
		artifact.JobID, artifact.Type, artifact.URI, metaJSON, toNanos(artifact.CreatedAt),
	).Scan(&artifact.ID)
}

// DeleteJobArtifacts removes every artifact record of a job
func (r *SQLArtifactRepository) DeleteJobArtifacts(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(`DELETE FROM job_artifacts WHERE job_id = ?`), jobID)
	return err
}
