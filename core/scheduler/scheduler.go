package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lora-orchestrator/core/models"
	"lora-orchestrator/core/repository"
)

// Runner executes one job to completion
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Options tune the scheduler
type Options struct {
	Tick        time.Duration // how often the queue is checked without a wake-up
	Concurrency int           // jobs trained at the same time
}

// Scheduler hands pending jobs to the runner, oldest first
type Scheduler struct {
	jobStore repository.JobStore
	runner   Runner
	logger   *slog.Logger
	queue    *JobQueue
	opts     Options

	mu     sync.Mutex
	active map[string]bool
	wg     sync.WaitGroup

	wake     chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a new scheduler
func NewScheduler(jobStore repository.JobStore, runner Runner, logger *slog.Logger, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = 5 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Scheduler{
		jobStore: jobStore,
		runner:   runner,
		logger:   logger,
		queue:    NewJobQueue(),
		opts:     opts,
		active:   make(map[string]bool),
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Start runs the scheduling loop until ctx is done or Stop is called.
// Running jobs share ctx; cancelling it interrupts them.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	s.loadPendingJobs(ctx)
	s.processQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.processQueue(ctx)
		case <-s.wake:
			s.processQueue(ctx)
		}
	}
}

// Stop stops taking new work. Jobs already running are not interrupted.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Wait blocks until every started job has returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Enqueue adds a job to the queue and wakes the loop
func (s *Scheduler) Enqueue(job *models.Job) {
	if s.queue.Enqueue(job) {
		s.notify()
	}
}

// IsActive reports whether a job is owned by a worker of this scheduler
func (s *Scheduler) IsActive(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[jobID]
}

// ActiveCount returns the number of jobs currently being run
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// QueueLength returns the number of jobs waiting for a worker
func (s *Scheduler) QueueLength() int {
	return s.queue.Size()
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loadPendingJobs queues pending jobs left over from a previous process
func (s *Scheduler) loadPendingJobs(ctx context.Context) {
	status := models.JobStatusPending
	jobs, err := s.jobStore.ListJobs(ctx, models.ListFilter{Status: &status})
	if err != nil {
		s.logger.ErrorContext(ctx, "[Scheduler] Failed to load pending jobs", "error", err)
		return
	}

	for _, job := range jobs {
		s.queue.Enqueue(job)
	}
	if len(jobs) > 0 {
		s.logger.InfoContext(ctx, "[Scheduler] Re-queued pending jobs", "count", len(jobs))
	}
}

// processQueue starts queued jobs while workers are free
func (s *Scheduler) processQueue(ctx context.Context) {
	for ctx.Err() == nil && s.ActiveCount() < s.opts.Concurrency {
		job := s.queue.PopJob()
		if job == nil {
			return
		}

		// Re-fetch job to get latest state
		fresh, err := s.jobStore.GetJob(ctx, job.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "[Scheduler] Dropping queued job", "job_id", job.ID, "error", err)
			continue
		}
		if fresh.Status != models.JobStatusPending || fresh.CancelRequested {
			continue
		}

		s.startJob(ctx, fresh.ID)
	}
}

// startJob marks the job active before the runner claims it, so a running
// job is never seen without an owner.
func (s *Scheduler) startJob(ctx context.Context, jobID string) {
	s.mu.Lock()
	if s.active[jobID] {
		s.mu.Unlock()
		return
	}
	s.active[jobID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, jobID)
			s.mu.Unlock()
			s.notify()
		}()

		if err := s.runner.Run(ctx, jobID); err != nil {
			s.logger.ErrorContext(ctx, "[Scheduler] Job run failed", "job_id", jobID, "error", err)
		}
	}()
}
