package syncclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lora-orchestrator/core/models"
)

// Fetcher is the part of the API a watcher polls
type Fetcher interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	GetProgress(ctx context.Context, id string, limit int) (*models.JobProgress, error)
}

// Snapshot is one successful poll of a job
type Snapshot struct {
	Job       *models.Job
	Progress  *models.JobProgress
	FetchedAt time.Time
}

// Observer receives the outcome of every poll. Callbacks are made from the
// polling goroutine and must not block.
type Observer interface {
	OnUpdate(jobID string, snap Snapshot)
	OnTerminal(jobID string, snap Snapshot)
	OnSyncError(jobID string, err *SyncError, failures int)
	OnReconnectRequired(jobID string, err *SyncError)
	OnGone(jobID string)
}

// WatchState is the lifecycle of a watcher
type WatchState string

const (
	StatePolling           WatchState = "polling"
	StateReconnectRequired WatchState = "reconnect_required"
	StateTerminal          WatchState = "terminal"
	StateGone              WatchState = "gone"
	StateStopped           WatchState = "stopped"
)

// progressWindow is how many recent samples each poll asks for
const progressWindow = 100

// Watcher polls a single job until it is terminal, gone or stopped
type Watcher struct {
	jobID    string
	fetcher  Fetcher
	policy   Policy
	clock    Clock
	observer Observer
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	gen        uint64 // bumped on every reschedule; stale polls compare and bail
	timer      Timer
	state      WatchState
	failures   int
	lastStatus models.JobStatus
}

func newWatcher(jobID string, fetcher Fetcher, policy Policy, clock Clock, observer Observer, logger *slog.Logger) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		jobID:    jobID,
		fetcher:  fetcher,
		policy:   policy,
		clock:    clock,
		observer: observer,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateStopped,
	}
}

// JobID returns the watched job id
func (w *Watcher) JobID() string { return w.jobID }

// State returns the current lifecycle state
func (w *Watcher) State() WatchState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Failures returns the current count of consecutive failed polls
func (w *Watcher) Failures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures
}

// Start polls immediately and keeps polling on the policy cadence
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil || w.state == StatePolling {
		return
	}
	w.state = StatePolling
	w.scheduleLocked(0)
}

// Reconnect clears the failure count and polls again right away. It reports
// false when the job is terminal, gone or the watcher was stopped.
func (w *Watcher) Reconnect() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil || w.state == StateTerminal || w.state == StateGone {
		return false
	}
	w.failures = 0
	w.state = StatePolling
	w.scheduleLocked(0)
	w.logger.Info("[Sync] Reconnecting", "job_id", w.jobID)
	return true
}

// Stop cancels the pending poll and any request in flight
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.state == StatePolling || w.state == StateReconnectRequired {
		w.state = StateStopped
	}
	w.cancel()
}

func (w *Watcher) scheduleLocked(d time.Duration) {
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
	}
	gen := w.gen
	w.timer = w.clock.AfterFunc(d, func() { w.poll(gen) })
}

func (w *Watcher) poll(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || w.state != StatePolling {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	snap, err := w.fetch()

	w.mu.Lock()
	if gen != w.gen || w.state != StatePolling {
		w.mu.Unlock()
		return
	}
	w.timer = nil

	if err != nil {
		if isGone(err) {
			w.state = StateGone
			w.mu.Unlock()
			w.logger.Warn("[Sync] Job no longer exists", "job_id", w.jobID)
			w.observer.OnGone(w.jobID)
			return
		}

		serr := classify(err)
		w.failures++
		failures := w.failures
		exhausted := failures >= w.policy.MaxFailures
		if exhausted {
			w.state = StateReconnectRequired
		} else {
			w.scheduleLocked(w.policy.Interval(w.lastStatus, failures))
		}
		w.mu.Unlock()

		w.logger.Warn("[Sync] Poll failed", "job_id", w.jobID, "kind", serr.Kind, "failures", failures, "error", serr.Err)
		w.observer.OnSyncError(w.jobID, serr, failures)
		if exhausted {
			w.logger.Error("[Sync] Giving up until reconnect", "job_id", w.jobID, "failures", failures)
			w.observer.OnReconnectRequired(w.jobID, serr)
		}
		return
	}

	w.failures = 0
	w.lastStatus = snap.Job.Status
	terminal := snap.Job.Status.IsTerminal()
	if terminal {
		w.state = StateTerminal
	} else {
		w.scheduleLocked(w.policy.Interval(snap.Job.Status, 0))
	}
	w.mu.Unlock()

	w.observer.OnUpdate(w.jobID, snap)
	if terminal {
		w.logger.Info("[Sync] Job reached terminal state", "job_id", w.jobID, "status", snap.Job.Status)
		w.observer.OnTerminal(w.jobID, snap)
	}
}

// fetch bounds the whole poll, both requests, by the policy's request timeout
func (w *Watcher) fetch() (Snapshot, error) {
	ctx := w.ctx
	if w.policy.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(w.ctx, w.policy.RequestTimeout)
		defer cancel()
	}
	job, err := w.fetcher.GetJob(ctx, w.jobID)
	if err != nil {
		return Snapshot{}, err
	}
	p, err := w.fetcher.GetProgress(ctx, w.jobID, progressWindow)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Job: job, Progress: p, FetchedAt: w.clock.Now()}, nil
}
