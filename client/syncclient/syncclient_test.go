package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"lora-orchestrator/core/models"
)

type fakeFetcher struct {
	mu    sync.Mutex
	jobs  map[string]*models.Job
	errs  map[string]error
	calls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		jobs:  make(map[string]*models.Job),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) set(id string, status models.JobStatus, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id] = &models.Job{ID: id, Status: status}
	f.errs[id] = err
}

func (f *fakeFetcher) requests(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeFetcher) GetJob(_ context.Context, id string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	return f.jobs[id].Clone(), nil
}

func (f *fakeFetcher) GetProgress(_ context.Context, id string, _ int) (*models.JobProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &models.JobProgress{JobID: id, Status: f.jobs[id].Status}, nil
}

func newTestManager(f Fetcher) (*Manager, *Session, *FakeClock) {
	clock := NewFakeClock(time.Unix(1700000000, 0))
	session := NewSession()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(f, session, WithClock(clock), WithLogger(logger)), session, clock
}

func nextDelay(t *testing.T, clock *FakeClock) time.Duration {
	t.Helper()
	pending := clock.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected one scheduled poll, got %v", pending)
	}
	return pending[0]
}

func TestPolicyInterval(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		status   models.JobStatus
		failures int
		want     time.Duration
	}{
		{models.JobStatusRunning, 0, 2 * time.Second},
		{models.JobStatusRunning, 1, 3 * time.Second},
		{models.JobStatusRunning, 2, 4500 * time.Millisecond},
		{models.JobStatusRunning, 6, 22781250 * time.Microsecond},
		{models.JobStatusRunning, 7, 30 * time.Second},
		{models.JobStatusRunning, 40, 30 * time.Second},
		{models.JobStatusPending, 0, 5 * time.Second},
		{models.JobStatusPending, 1, 7500 * time.Millisecond},
		{models.JobStatusPending, 6, 56953125 * time.Microsecond},
		{models.JobStatusPending, 7, time.Minute},
		{"", 0, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Interval(tt.status, tt.failures); got != tt.want {
			t.Errorf("Interval(%s, %d) = %v, want %v", tt.status, tt.failures, got, tt.want)
		}
	}
}

func TestRetryCeilingRequiresReconnect(t *testing.T) {
	f := newFakeFetcher()
	f.set("j1", models.JobStatusPending, context.DeadlineExceeded)
	m, session, clock := newTestManager(f)
	policy := DefaultPolicy()

	m.Watch("j1")
	clock.Advance(0)
	for n := 1; n < policy.MaxFailures; n++ {
		d := nextDelay(t, clock)
		if want := policy.Interval(models.JobStatusPending, n); d != want {
			t.Fatalf("after %d failures: next poll in %v, want %v", n, d, want)
		}
		clock.Advance(d)
	}

	if got := f.requests("j1"); got != policy.MaxFailures {
		t.Fatalf("expected %d requests, got %d", policy.MaxFailures, got)
	}
	if pending := clock.Pending(); len(pending) != 0 {
		t.Fatalf("polling should stop at the ceiling, still scheduled %v", pending)
	}
	v, _ := session.View("j1")
	if v.State != StateReconnectRequired || v.Failures != policy.MaxFailures || v.LastError.Kind != KindTimeout {
		t.Fatalf("unexpected view %+v", v)
	}

	// Two more simulated timeouts would be due; none are issued.
	clock.Advance(time.Hour)
	if got := f.requests("j1"); got != policy.MaxFailures {
		t.Fatalf("request issued without reconnect: %d", got)
	}

	if err := m.Reconnect("j1"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(0)
	if got := f.requests("j1"); got != policy.MaxFailures+1 {
		t.Fatalf("reconnect should poll once, got %d requests", got)
	}

	f.set("j1", models.JobStatusRunning, nil)
	clock.Advance(nextDelay(t, clock))
	if d := nextDelay(t, clock); d != policy.Running.Base {
		t.Fatalf("success should reset the interval to base, got %v", d)
	}
	if v, _ := session.View("j1"); v.State != StatePolling || v.Failures != 0 || v.Snapshot.Job.Status != models.JobStatusRunning {
		t.Fatalf("unexpected view after recovery %+v", v)
	}
}

func TestReconnectThenFailureShowsPolling(t *testing.T) {
	f := newFakeFetcher()
	f.set("j1", models.JobStatusRunning, errors.New("connection refused"))
	m, session, clock := newTestManager(f)
	policy := DefaultPolicy()

	m.Watch("j1")
	clock.Advance(0)
	for n := 1; n < policy.MaxFailures; n++ {
		clock.Advance(nextDelay(t, clock))
	}
	if v, _ := session.View("j1"); v.State != StateReconnectRequired {
		t.Fatalf("expected reconnect_required, got %+v", v)
	}

	if err := m.Reconnect("j1"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(0)

	v, _ := session.View("j1")
	if v.State != StatePolling || v.Failures != 1 || v.LastError.Kind != KindNetwork {
		t.Fatalf("view after a failed reconnect poll %+v", v)
	}
	// no status has been seen yet, so the pending cadence applies
	if d := nextDelay(t, clock); d != policy.Interval(models.JobStatusPending, 1) {
		t.Fatalf("next poll in %v", d)
	}
}

// stallingFetcher never answers; it returns once the request context ends
type stallingFetcher struct{}

func (stallingFetcher) GetJob(ctx context.Context, _ string) (*models.Job, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stallingFetcher) GetProgress(ctx context.Context, _ string, _ int) (*models.JobProgress, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPollRespectsRequestTimeout(t *testing.T) {
	clock := NewFakeClock(time.Unix(1700000000, 0))
	session := NewSession()
	policy := DefaultPolicy()
	policy.RequestTimeout = 50 * time.Millisecond
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(stallingFetcher{}, session, WithPolicy(policy), WithClock(clock), WithLogger(logger))
	defer m.StopAll()

	w := m.Watch("j1")
	done := make(chan struct{})
	go func() {
		clock.Advance(0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not time out")
	}

	if w.Failures() != 1 {
		t.Fatalf("expected one failure, got %d", w.Failures())
	}
	v, _ := session.View("j1")
	if v.LastError == nil || v.LastError.Kind != KindTimeout {
		t.Fatalf("expected a timeout error, got %+v", v)
	}
	if d := nextDelay(t, clock); d != policy.Interval("", 1) {
		t.Fatalf("retry scheduled in %v", d)
	}
}

func TestBackoffResetsOnSuccess(t *testing.T) {
	f := newFakeFetcher()
	f.set("j1", models.JobStatusRunning, nil)
	m, _, clock := newTestManager(f)
	policy := DefaultPolicy()

	w := m.Watch("j1")
	clock.Advance(0)
	if d := nextDelay(t, clock); d != 2*time.Second {
		t.Fatalf("running cadence %v", d)
	}

	f.set("j1", models.JobStatusRunning, &APIError{StatusCode: http.StatusServiceUnavailable})
	want := []time.Duration{3 * time.Second, 4500 * time.Millisecond, 6750 * time.Millisecond}
	for i, expected := range want {
		clock.Advance(nextDelay(t, clock))
		if w.Failures() != i+1 {
			t.Fatalf("failures = %d, want %d", w.Failures(), i+1)
		}
		if d := nextDelay(t, clock); d != expected {
			t.Fatalf("interval after %d failures = %v, want %v", i+1, d, expected)
		}
		if d := nextDelay(t, clock); d != policy.Interval(models.JobStatusRunning, i+1) {
			t.Fatalf("interval disagrees with policy: %v", d)
		}
	}

	f.set("j1", models.JobStatusRunning, nil)
	clock.Advance(nextDelay(t, clock))
	if w.Failures() != 0 || nextDelay(t, clock) != 2*time.Second {
		t.Fatalf("success must reset: failures=%d next=%v", w.Failures(), nextDelay(t, clock))
	}
}

func TestTerminalStopsPolling(t *testing.T) {
	f := newFakeFetcher()
	f.set("j1", models.JobStatusRunning, nil)
	m, session, clock := newTestManager(f)

	w := m.Watch("j1")
	clock.Advance(0)
	f.set("j1", models.JobStatusCompleted, nil)
	clock.Advance(nextDelay(t, clock))

	if w.State() != StateTerminal {
		t.Fatalf("state = %s", w.State())
	}
	if pending := clock.Pending(); len(pending) != 0 {
		t.Fatalf("terminal job still scheduled: %v", pending)
	}
	clock.Advance(time.Hour)
	if got := f.requests("j1"); got != 2 {
		t.Fatalf("expected 2 requests, got %d", got)
	}
	if w.Reconnect() {
		t.Fatal("reconnect must not restart a terminal job")
	}
	if v, _ := session.View("j1"); v.State != StateTerminal || v.Snapshot.Job.Status != models.JobStatusCompleted {
		t.Fatalf("unexpected view %+v", v)
	}

	// Watching again after completion starts a fresh watcher.
	if m.Watch("j1") == w {
		t.Fatal("expected a new watcher")
	}
}

func TestGoneStopsPolling(t *testing.T) {
	f := newFakeFetcher()
	f.set("j1", models.JobStatusRunning, &APIError{StatusCode: http.StatusNotFound, Message: "job not found"})
	m, session, clock := newTestManager(f)

	w := m.Watch("j1")
	clock.Advance(0)
	if w.State() != StateGone || len(clock.Pending()) != 0 {
		t.Fatalf("state=%s pending=%v", w.State(), clock.Pending())
	}
	if v, _ := session.View("j1"); v.State != StateGone {
		t.Fatalf("unexpected view %+v", v)
	}
}

func TestWatchersAreIndependent(t *testing.T) {
	f := newFakeFetcher()
	f.set("bad", models.JobStatusPending, errors.New("connection refused"))
	f.set("good", models.JobStatusRunning, nil)
	m, session, clock := newTestManager(f)

	m.Watch("bad")
	m.Watch("good")
	clock.Advance(0)
	for i := 0; i < 3; i++ {
		clock.Advance(2 * time.Second)
	}

	if got := f.requests("good"); got != 4 {
		t.Fatalf("good job polled %d times, want 4", got)
	}
	if got := f.requests("bad"); got != 1 {
		t.Fatalf("bad job polled %d times, want 1", got)
	}
	good, _ := session.View("good")
	bad, _ := session.View("bad")
	if good.Failures != 0 || bad.Failures != 1 || bad.LastError.Kind != KindNetwork {
		t.Fatalf("good=%+v bad=%+v", good, bad)
	}

	m.Unwatch("bad")
	if ids := m.Watching(); len(ids) != 1 || ids[0] != "good" {
		t.Fatalf("watching %v", ids)
	}
	if err := m.Reconnect("bad"); !errors.Is(err, ErrNotWatching) {
		t.Fatalf("expected ErrNotWatching, got %v", err)
	}

	m.StopAll()
	clock.Advance(time.Hour)
	if got := f.requests("good"); got != 4 {
		t.Fatalf("stopped watcher kept polling: %d", got)
	}
}

func TestClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "j1" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "job not found"})
			return
		}
		json.NewEncoder(w).Encode(models.Job{ID: "j1", Status: models.JobStatusRunning})
	})
	mux.HandleFunc("GET /v1/jobs/{id}/progress", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "5" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(models.JobProgress{JobID: "j1", Metrics: []models.ProgressSample{{Step: 1}}})
	})
	mux.HandleFunc("GET /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "running" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"items": []models.Job{{ID: "j1"}}})
	})
	mux.HandleFunc("DELETE /v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "job is running"})
	})
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(srv.URL+"/", time.Second)

	job, err := c.GetJob(ctx, "j1")
	if err != nil || job.Status != models.JobStatusRunning {
		t.Fatalf("GetJob: %v %v", job, err)
	}
	p, err := c.GetProgress(ctx, "j1", 5)
	if err != nil || len(p.Metrics) != 1 {
		t.Fatalf("GetProgress: %v %v", p, err)
	}
	jobs, err := c.ListJobs(ctx, models.JobStatusRunning, 0)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ListJobs: %v %v", jobs, err)
	}

	_, err = c.GetJob(ctx, "nope")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "job not found" {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
	if !isGone(err) {
		t.Fatal("404 should mean the job is gone")
	}

	err = c.DeleteJob(ctx, "j1")
	if serr := classify(err); serr.Kind != KindClient || serr.StatusCode != http.StatusConflict {
		t.Fatalf("unexpected classification %v", serr)
	}

	slow := NewClient(srv.URL, 50*time.Millisecond)
	_, err = slow.CancelJob(ctx, "j1")
	if serr := classify(err); serr.Kind != KindTimeout {
		t.Fatalf("expected timeout, got %v", serr)
	}

	if serr := classify(&APIError{StatusCode: 502}); serr.Kind != KindServer {
		t.Fatalf("expected server error, got %v", serr)
	}
}
