package syncclient

import (
	"math"
	"time"

	"lora-orchestrator/core/models"
)

// Backoff is the polling cadence for one job status
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Policy controls how often a job is polled and when polling gives up
type Policy struct {
	Running        Backoff
	Pending        Backoff
	Growth         float64 // interval multiplier per consecutive failure
	MaxFailures    int     // consecutive failures before a manual reconnect is required
	RequestTimeout time.Duration
}

// DefaultPolicy polls running jobs faster than pending ones
func DefaultPolicy() Policy {
	return Policy{
		Running:        Backoff{Base: 2 * time.Second, Cap: 30 * time.Second},
		Pending:        Backoff{Base: 5 * time.Second, Cap: 60 * time.Second},
		Growth:         1.5,
		MaxFailures:    10,
		RequestTimeout: 10 * time.Second,
	}
}

// Interval returns the delay before the next poll of a job last seen in
// status after failures consecutive failed polls: min(base·growth^failures, cap)
func (p Policy) Interval(status models.JobStatus, failures int) time.Duration {
	b := p.Pending
	if status == models.JobStatusRunning {
		b = p.Running
	}
	if failures <= 0 {
		return min(b.Base, b.Cap)
	}

	d := float64(b.Base) * math.Pow(p.Growth, float64(failures))
	if d >= float64(b.Cap) {
		return b.Cap
	}
	return time.Duration(d)
}
