package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lora-orchestrator/core/models"

	"github.com/google/uuid"
)

// MemoryStore keeps jobs, events and artifacts in process memory.
// It backs tests and single-process development runs.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*models.Job
	events    map[string][]models.JobEvent
	artifacts map[string][]models.JobArtifact
	nextID    int64
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*models.Job),
		events:    make(map[string][]models.JobEvent),
		artifacts: make(map[string][]models.JobArtifact),
		now:       time.Now,
	}
}

// CreateJob stores a new job, assigning an id when missing
func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists: %w", job.ID, models.ErrConflict)
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	s.jobs[job.ID] = job.Clone()
	s.appendEventLocked(models.JobEvent{JobID: job.ID, At: now, ToStatus: job.Status, Reason: "job_created"})
	return nil
}

// GetJob returns a snapshot of a job
func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return job.Clone(), nil
}

// ListJobs returns jobs newest first
func (s *MemoryStore) ListJobs(_ context.Context, filter models.ListFilter) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// UpdateJob applies mutate under the store lock
func (s *MemoryStore) UpdateJob(_ context.Context, id, reason string, mutate func(*models.Job) error) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	next, event, err := applyUpdate(current, reason, s.now(), mutate)
	if err != nil {
		return nil, err
	}
	s.jobs[id] = next
	if event != nil {
		s.appendEventLocked(*event)
	}
	return next.Clone(), nil
}

// ClaimJob moves a pending job to running
func (s *MemoryStore) ClaimJob(_ context.Context, id string, at time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err := claimable(current); err != nil {
		return nil, err
	}
	next, event, err := applyUpdate(current, "worker_claimed", at, func(j *models.Job) error {
		j.Status = models.JobStatusRunning
		started := at
		j.StartedAt = &started
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.jobs[id] = next
	s.appendEventLocked(*event)
	return next.Clone(), nil
}

// DeleteJob removes a job that is not running
func (s *MemoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if job.Status == models.JobStatusRunning {
		return fmt.Errorf("job %s is running: %w", id, models.ErrConflict)
	}
	delete(s.jobs, id)
	delete(s.events, id)
	return nil
}

// ListJobEvents returns the newest events first
func (s *MemoryStore) ListJobEvents(_ context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.events[jobID]
	events := make([]models.JobEvent, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		events = append(events, src[i])
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

func (s *MemoryStore) appendEventLocked(event models.JobEvent) {
	s.nextID++
	event.ID = s.nextID
	s.events[event.JobID] = append(s.events[event.JobID], event)
}

// CreateArtifact records an artifact
func (s *MemoryStore) CreateArtifact(_ context.Context, artifact *models.JobArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	artifact.ID = s.nextID
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = s.now()
	}
	s.artifacts[artifact.JobID] = append(s.artifacts[artifact.JobID], *artifact)
	return nil
}

// ListJobArtifacts returns artifacts newest first, optionally filtered by type
func (s *MemoryStore) ListJobArtifacts(_ context.Context, jobID string, artifactType *models.ArtifactType) ([]models.JobArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.artifacts[jobID]
	out := make([]models.JobArtifact, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		if artifactType != nil && src[i].Type != *artifactType {
			continue
		}
		out = append(out, src[i])
	}
	return out, nil
}

// DeleteJobArtifacts drops every artifact record of a job
func (s *MemoryStore) DeleteJobArtifacts(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.artifacts, jobID)
	return nil
}
