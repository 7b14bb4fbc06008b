package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lora-orchestrator/core/models"
)

type storePair struct {
	jobs      JobStore
	artifacts ArtifactRepository
}

func openSQLite(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// stores returns every JobStore implementation so each test runs against both.
func stores(t *testing.T) map[string]storePair {
	t.Helper()
	mem := NewMemoryStore()
	db := openSQLite(t)
	return map[string]storePair{
		"memory": {jobs: mem, artifacts: mem},
		"sqlite": {jobs: NewJobRepository(db), artifacts: NewArtifactRepository(db)},
	}
}

func newPendingJob(name string) *models.Job {
	return &models.Job{
		Name:        name,
		ModelName:   "gemma2:2b",
		DatasetID:   "ds-1",
		Status:      models.JobStatusPending,
		Config:      models.DefaultJobConfig(),
		TotalEpochs: 3,
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newPendingJob("round-trip")
			if err := s.jobs.CreateJob(ctx, job); err != nil {
				t.Fatalf("create: %v", err)
			}
			if job.ID == "" {
				t.Fatal("expected id to be assigned")
			}

			got, err := s.jobs.GetJob(ctx, job.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != models.JobStatusPending || got.Name != "round-trip" {
				t.Fatalf("unexpected job: %+v", got)
			}
			if got.Config.LoRA.Rank != 8 || len(got.Config.LoRA.TargetModules) != 2 {
				t.Fatalf("config not preserved: %+v", got.Config)
			}
			if got.StartedAt != nil || got.CompletedAt != nil || got.Loss != nil {
				t.Fatalf("expected unset optional fields: %+v", got)
			}

			if _, err := s.jobs.GetJob(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			for i, n := range []string{"a", "b", "c"} {
				job := newPendingJob(n)
				job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
				if err := s.jobs.CreateJob(ctx, job); err != nil {
					t.Fatalf("create: %v", err)
				}
			}

			jobs, err := s.jobs.ListJobs(ctx, models.ListFilter{})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(jobs) != 3 || jobs[0].Name != "c" || jobs[2].Name != "a" {
				t.Fatalf("unexpected order: %v", names(jobs))
			}

			jobs, err = s.jobs.ListJobs(ctx, models.ListFilter{Limit: 2})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(jobs) != 2 {
				t.Fatalf("expected limit to apply, got %d", len(jobs))
			}

			running := models.JobStatusRunning
			jobs, err = s.jobs.ListJobs(ctx, models.ListFilter{Status: &running})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(jobs) != 0 {
				t.Fatalf("expected no running jobs, got %d", len(jobs))
			}
		})
	}
}

func names(jobs []*models.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Name)
	}
	return out
}

func TestClaimIsExclusive(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newPendingJob("claim")
			if err := s.jobs.CreateJob(ctx, job); err != nil {
				t.Fatalf("create: %v", err)
			}

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.jobs.ClaimJob(ctx, job.ID, time.Now())
					if err == nil {
						wins.Add(1)
					} else if !errors.Is(err, models.ErrConflict) {
						t.Errorf("unexpected claim error: %v", err)
					}
				}()
			}
			wg.Wait()

			if wins.Load() != 1 {
				t.Fatalf("expected exactly one claim to win, got %d", wins.Load())
			}
			got, err := s.jobs.GetJob(ctx, job.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != models.JobStatusRunning || got.StartedAt == nil {
				t.Fatalf("expected running with started_at, got %+v", got)
			}
		})
	}
}

func TestClaimRefusesCancelRequested(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newPendingJob("flagged")
			job.CancelRequested = true
			if err := s.jobs.CreateJob(ctx, job); err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := s.jobs.ClaimJob(ctx, job.ID, time.Now()); !errors.Is(err, models.ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}
			if _, err := s.jobs.ClaimJob(ctx, "missing", time.Now()); !errors.Is(err, models.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestUpdateEnforcesStateMachine(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newPendingJob("machine")
			if err := s.jobs.CreateJob(ctx, job); err != nil {
				t.Fatalf("create: %v", err)
			}

			// pending -> completed skips running
			_, err := s.jobs.UpdateJob(ctx, job.ID, "skip", func(j *models.Job) error {
				j.Status = models.JobStatusCompleted
				return nil
			})
			if !errors.Is(err, models.ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}

			if _, err := s.jobs.ClaimJob(ctx, job.ID, time.Now()); err != nil {
				t.Fatalf("claim: %v", err)
			}

			loss := 1.25
			updated, err := s.jobs.UpdateJob(ctx, job.ID, "progress", func(j *models.Job) error {
				j.Progress = 40
				j.Loss = &loss
				j.Stage = "loading model"
				j.Config.LoRA.Rank = 64
				return nil
			})
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if updated.Config.LoRA.Rank != 8 {
				t.Fatalf("config must stay immutable, got rank %d", updated.Config.LoRA.Rank)
			}

			_, err = s.jobs.UpdateJob(ctx, job.ID, "bad", func(j *models.Job) error {
				j.Progress = 120
				return nil
			})
			if err == nil {
				t.Fatal("expected progress range error")
			}

			failed, err := s.jobs.UpdateJob(ctx, job.ID, "training_failed", func(j *models.Job) error {
				j.Status = models.JobStatusFailed
				j.FailureReason = "out of memory"
				return nil
			})
			if err != nil {
				t.Fatalf("fail: %v", err)
			}
			if failed.CompletedAt == nil || failed.Stage != "" || failed.FailureReason != "out of memory" {
				t.Fatalf("unexpected terminal record: %+v", failed)
			}
			if failed.Progress != 40 || failed.Loss == nil || *failed.Loss != loss {
				t.Fatalf("partial progress must be preserved: %+v", failed)
			}

			_, err = s.jobs.UpdateJob(ctx, job.ID, "revive", func(j *models.Job) error {
				j.Status = models.JobStatusRunning
				return nil
			})
			if !errors.Is(err, models.ErrConflict) {
				t.Fatalf("expected terminal job to reject updates, got %v", err)
			}

			events, err := s.jobs.ListJobEvents(ctx, job.ID, 0)
			if err != nil {
				t.Fatalf("events: %v", err)
			}
			if len(events) != 3 {
				t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
			}
			if events[0].ToStatus != models.JobStatusFailed || events[0].Reason != "training_failed" {
				t.Fatalf("unexpected newest event: %+v", events[0])
			}
			if events[2].FromStatus != nil || events[2].Reason != "job_created" {
				t.Fatalf("unexpected oldest event: %+v", events[2])
			}
		})
	}
}

func TestDeleteRunningConflicts(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newPendingJob("delete")
			if err := s.jobs.CreateJob(ctx, job); err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := s.jobs.ClaimJob(ctx, job.ID, time.Now()); err != nil {
				t.Fatalf("claim: %v", err)
			}

			if err := s.jobs.DeleteJob(ctx, job.ID); !errors.Is(err, models.ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}
			if _, err := s.jobs.GetJob(ctx, job.ID); err != nil {
				t.Fatalf("running job must survive delete: %v", err)
			}

			if _, err := s.jobs.UpdateJob(ctx, job.ID, "cancelled", func(j *models.Job) error {
				j.Status = models.JobStatusCancelled
				return nil
			}); err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if err := s.jobs.DeleteJob(ctx, job.ID); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := s.jobs.GetJob(ctx, job.ID); !errors.Is(err, models.ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
			if err := s.jobs.DeleteJob(ctx, job.ID); !errors.Is(err, models.ErrNotFound) {
				t.Fatalf("expected ErrNotFound on second delete, got %v", err)
			}
			events, err := s.jobs.ListJobEvents(ctx, job.ID, 0)
			if err != nil {
				t.Fatalf("events: %v", err)
			}
			if len(events) != 0 {
				t.Fatalf("expected events to be removed, got %d", len(events))
			}
		})
	}
}

func TestArtifacts(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			adapter := &models.JobArtifact{JobID: "job-1", Type: models.ArtifactTypeAdapter, URI: "file:///a", Meta: map[string]any{"files": float64(2)}}
			if err := s.artifacts.CreateArtifact(ctx, adapter); err != nil {
				t.Fatalf("create: %v", err)
			}
			logArtifact := &models.JobArtifact{JobID: "job-1", Type: models.ArtifactTypeLog, URI: "file:///log"}
			if err := s.artifacts.CreateArtifact(ctx, logArtifact); err != nil {
				t.Fatalf("create: %v", err)
			}
			if adapter.ID == 0 || logArtifact.ID == adapter.ID {
				t.Fatalf("expected distinct ids, got %d and %d", adapter.ID, logArtifact.ID)
			}

			typ := models.ArtifactTypeAdapter
			got, err := s.artifacts.ListJobArtifacts(ctx, "job-1", &typ)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 1 || got[0].URI != "file:///a" || got[0].Meta["files"] != float64(2) {
				t.Fatalf("unexpected artifacts: %+v", got)
			}

			if err := s.artifacts.DeleteJobArtifacts(ctx, "job-1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			got, err = s.artifacts.ListJobArtifacts(ctx, "job-1", nil)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("expected no artifacts, got %d", len(got))
			}
		})
	}
}

func TestRebindPostgres(t *testing.T) {
	db := &DB{Dialect: DialectPostgres}
	got := db.rebind("SELECT * FROM jobs WHERE id = ? AND status = ?")
	want := "SELECT * FROM jobs WHERE id = $1 AND status = $2"
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
}
