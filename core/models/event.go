package models

import "time"

// JobEvent represents a state transition event for a job
type JobEvent struct {
	ID         int64      `json:"id"`
	JobID      string     `json:"job_id"`
	At         time.Time  `json:"at"`
	FromStatus *JobStatus `json:"from_status,omitempty"`
	ToStatus   JobStatus  `json:"to_status"`
	Reason     string     `json:"reason"`
}

// ArtifactType represents the type of job artifact
type ArtifactType string

const (
	ArtifactTypeAdapter    ArtifactType = "adapter"
	ArtifactTypeCheckpoint ArtifactType = "checkpoint"
	ArtifactTypeLog        ArtifactType = "log"
)

// JobArtifact represents a stored job artifact (final adapter, checkpoint, log)
type JobArtifact struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"job_id"`
	Type      ArtifactType   `json:"type"`
	URI       string         `json:"uri"`
	CreatedAt time.Time      `json:"created_at"`
	Meta      map[string]any `json:"meta,omitempty"`
}
