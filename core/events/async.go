package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrQueueFull is returned when the async queue cannot take another message
	ErrQueueFull = errors.New("event queue full")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("event queue closed")
)

// Async hands messages to a single background worker so callers never wait
// on the broker. Messages are delivered in the order they were accepted.
type Async struct {
	next   Publisher
	logger *slog.Logger
	queue  chan JobStatusChanged
	done   chan struct{}

	// ctx outlives request contexts; Close cancels it when draining overruns
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the worker. size bounds the number of queued messages.
func NewAsync(next Publisher, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Async{
		next:   next,
		logger: logger,
		queue:  make(chan JobStatusChanged, size),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go a.run()
	return a
}

// PublishJobStatus queues event without blocking
func (a *Async) PublishJobStatus(_ context.Context, event JobStatusChanged) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer close(a.done)
	for event := range a.queue {
		if err := a.next.PublishJobStatus(a.ctx, event); err != nil {
			a.logger.Warn("[Events] Dropped job status message", "job_id", event.JobID, "to", event.To, "error", err)
		}
	}
}

// Close stops accepting messages and waits for the queue to drain. When ctx
// ends first the message in flight is abandoned and the rest are dropped.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		return ctx.Err()
	}
}
