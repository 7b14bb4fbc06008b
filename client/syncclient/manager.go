package syncclient

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrNotWatching is returned for a job id the manager has no watcher for
var ErrNotWatching = errors.New("job is not being watched")

// Manager runs one independent watcher per observed job
type Manager struct {
	fetcher  Fetcher
	observer Observer
	policy   Policy
	clock    Clock
	logger   *slog.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// Option configures a Manager
type Option func(*Manager)

func WithPolicy(p Policy) Option { return func(m *Manager) { m.policy = p } }

func WithClock(c Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager creates a manager reporting every watcher into observer
func NewManager(fetcher Fetcher, observer Observer, opts ...Option) *Manager {
	m := &Manager{
		fetcher:  fetcher,
		observer: observer,
		policy:   DefaultPolicy(),
		clock:    RealClock{},
		logger:   slog.Default(),
		watchers: make(map[string]*Watcher),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Watch starts polling a job. Watching a job that is already polled returns
// the existing watcher; a finished watcher is replaced.
func (m *Manager) Watch(jobID string) *Watcher {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.watchers[jobID]; ok {
		switch w.State() {
		case StatePolling, StateReconnectRequired:
			return w
		}
		w.Stop()
	}

	w := newWatcher(jobID, m.fetcher, m.policy, m.clock, m.observer, m.logger)
	m.watchers[jobID] = w
	w.Start()
	m.logger.Info("[Sync] Watching job", "job_id", jobID)
	return w
}

// Unwatch stops polling a job
func (m *Manager) Unwatch(jobID string) {
	m.mu.Lock()
	w, ok := m.watchers[jobID]
	delete(m.watchers, jobID)
	m.mu.Unlock()
	if ok {
		w.Stop()
	}
}

// Reconnect resumes a watcher that gave up after repeated failures
func (m *Manager) Reconnect(jobID string) error {
	m.mu.Lock()
	w, ok := m.watchers[jobID]
	m.mu.Unlock()
	if !ok {
		return ErrNotWatching
	}
	w.Reconnect()
	return nil
}

// StopAll stops every watcher
func (m *Manager) StopAll() {
	m.mu.Lock()
	watchers := m.watchers
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()
	for _, w := range watchers {
		w.Stop()
	}
}

// Watching returns the ids of all watched jobs
func (m *Manager) Watching() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
