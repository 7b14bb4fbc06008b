package progress

import (
	"context"
	"sync"

	"lora-orchestrator/core/models"
)

type run struct {
	samples []models.ProgressSample // circular, len == capacity once full
	head    int                     // index of the oldest sample when full
	full    bool
	sealed  bool
}

func (r *run) last() (models.ProgressSample, bool) {
	if len(r.samples) == 0 {
		return models.ProgressSample{}, false
	}
	if !r.full {
		return r.samples[len(r.samples)-1], true
	}
	i := r.head - 1
	if i < 0 {
		i = len(r.samples) - 1
	}
	return r.samples[i], true
}

func (r *run) ordered() []models.ProgressSample {
	out := make([]models.ProgressSample, 0, len(r.samples))
	if !r.full {
		return append(out, r.samples...)
	}
	out = append(out, r.samples[r.head:]...)
	return append(out, r.samples[:r.head]...)
}

// Ring is an in-process Buffer holding a bounded ring per job
type Ring struct {
	mu       sync.RWMutex
	capacity int
	runs     map[string]*run
}

// NewRing creates a ring buffer keeping capacity samples per job
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{capacity: capacity, runs: make(map[string]*run)}
}

func (b *Ring) Reset(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs[jobID] = &run{samples: make([]models.ProgressSample, 0, b.capacity)}
	return nil
}

func (b *Ring) Append(_ context.Context, jobID string, sample models.ProgressSample) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.runs[jobID]
	if !ok {
		r = &run{samples: make([]models.ProgressSample, 0, b.capacity)}
		b.runs[jobID] = r
	}
	if r.sealed {
		return ErrSealed
	}

	last, hasLast := r.last()
	skip, err := checkStep(hasLast, last.Step, last.Loss, sample)
	if err != nil || skip {
		return err
	}

	if !r.full {
		r.samples = append(r.samples, sample)
		r.full = len(r.samples) == b.capacity
		return nil
	}
	r.samples[r.head] = sample
	r.head = (r.head + 1) % b.capacity
	return nil
}

func (b *Ring) Recent(_ context.Context, jobID string, n int) ([]models.ProgressSample, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.runs[jobID]
	if !ok {
		return []models.ProgressSample{}, nil
	}
	all := r.ordered()
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (b *Ring) Seal(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.runs[jobID]
	if !ok {
		r = &run{}
		b.runs[jobID] = r
	}
	r.sealed = true
	return nil
}

func (b *Ring) Drop(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, jobID)
	return nil
}
