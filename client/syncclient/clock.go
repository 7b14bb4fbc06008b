package syncclient

import (
	"sort"
	"sync"
	"time"
)

// Clock schedules delayed work. Each scheduled task has its own cancellable
// handle so a watcher can drop a pending poll.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the handle of a scheduled task
type Timer interface {
	// Stop cancels the task; it reports false when the task already ran
	Stop() bool
}

// RealClock runs tasks on the runtime's timers
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// FakeClock runs tasks only when the test advances it. Tasks run
// synchronously inside Advance, in due order.
type FakeClock struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*fakeTask
}

type fakeTask struct {
	clock *FakeClock
	at    time.Time
	seq   int
	f     func()
	done  bool
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTask{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.tasks = append(c.tasks, t)
	return t
}

// Advance moves time forward by d, running every task that falls due
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		t := c.nextDueLocked(target)
		if t == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		t.done = true
		if t.at.After(c.now) {
			c.now = t.at
		}
		c.mu.Unlock()
		t.f()
	}
}

// Pending returns the delays of the scheduled tasks, soonest first
func (c *FakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.tasks {
		if !t.done {
			out = append(out, t.at.Sub(c.now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeTask {
	var next *fakeTask
	live := c.tasks[:0]
	for _, t := range c.tasks {
		if t.done {
			continue
		}
		live = append(live, t)
		if t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) || t.at.Equal(next.at) && t.seq < next.seq {
			next = t
		}
	}
	c.tasks = live
	return next
}

func (t *fakeTask) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
