package syncclient

import (
	"sort"
	"sync"
)

// View is what a UI shows for one watched job
type View struct {
	JobID     string
	Snapshot  Snapshot
	State     WatchState
	Failures  int
	LastError *SyncError
}

// Session holds the latest view of every watched job. It is the observer the
// watchers report into; readers get copies.
type Session struct {
	mu      sync.RWMutex
	views   map[string]*View
	updates chan string
}

// NewSession creates an empty session. Job ids are sent on Updates whenever
// their view changes; notifications are dropped when the channel is full.
func NewSession() *Session {
	return &Session{
		views:   make(map[string]*View),
		updates: make(chan string, 64),
	}
}

// Updates carries the ids of jobs whose view changed
func (s *Session) Updates() <-chan string { return s.updates }

// View returns the latest view of a job
func (s *Session) View(jobID string) (View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[jobID]
	if !ok {
		return View{}, false
	}
	return *v, true
}

// Views returns every view ordered by job id
func (s *Session) Views() []View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]View, 0, len(s.views))
	for _, v := range s.views {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Forget drops the view of a job
func (s *Session) Forget(jobID string) {
	s.mu.Lock()
	delete(s.views, jobID)
	s.mu.Unlock()
}

func (s *Session) OnUpdate(jobID string, snap Snapshot) {
	s.update(jobID, func(v *View) {
		v.Snapshot = snap
		v.State = StatePolling
		v.Failures = 0
		v.LastError = nil
	})
}

func (s *Session) OnTerminal(jobID string, snap Snapshot) {
	s.update(jobID, func(v *View) {
		v.Snapshot = snap
		v.State = StateTerminal
	})
}

// OnSyncError is only reported while the watcher keeps polling, so it also
// clears a reconnect_required left over from before a reconnect
func (s *Session) OnSyncError(jobID string, err *SyncError, failures int) {
	s.update(jobID, func(v *View) {
		v.State = StatePolling
		v.Failures = failures
		v.LastError = err
	})
}

func (s *Session) OnReconnectRequired(jobID string, err *SyncError) {
	s.update(jobID, func(v *View) {
		v.State = StateReconnectRequired
		v.LastError = err
	})
}

func (s *Session) OnGone(jobID string) {
	s.update(jobID, func(v *View) {
		v.State = StateGone
	})
}

func (s *Session) update(jobID string, fn func(*View)) {
	s.mu.Lock()
	v, ok := s.views[jobID]
	if !ok {
		v = &View{JobID: jobID}
		s.views[jobID] = v
	}
	fn(v)
	s.mu.Unlock()

	select {
	case s.updates <- jobID:
	default:
	}
}
