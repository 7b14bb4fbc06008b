package scheduler

import (
	"container/heap"
	"sync"

	"lora-orchestrator/core/models"
)

// JobQueue holds pending jobs in submission order. A job id is queued at
// most once.
type JobQueue struct {
	jobs   []*QueuedJob
	queued map[string]bool
	mu     sync.Mutex
}

// QueuedJob wraps a job with its heap position
type QueuedJob struct {
	Job   *models.Job
	Index int // For heap.Interface
}

// NewJobQueue creates a new job queue
func NewJobQueue() *JobQueue {
	jq := &JobQueue{
		jobs:   make([]*QueuedJob, 0),
		queued: make(map[string]bool),
	}
	heap.Init(jq)
	return jq
}

// Enqueue adds a job to the queue. It reports false when the job is already queued.
func (jq *JobQueue) Enqueue(job *models.Job) bool {
	jq.mu.Lock()
	defer jq.mu.Unlock()

	if jq.queued[job.ID] {
		return false
	}
	jq.queued[job.ID] = true
	heap.Push(jq, &QueuedJob{Job: job})
	return true
}

// PopJob removes and returns the oldest job
func (jq *JobQueue) PopJob() *models.Job {
	jq.mu.Lock()
	defer jq.mu.Unlock()

	if jq.Len() == 0 {
		return nil
	}

	item := heap.Pop(jq).(*QueuedJob)
	delete(jq.queued, item.Job.ID)
	return item.Job
}

// Size returns the number of queued jobs
func (jq *JobQueue) Size() int {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	return jq.Len()
}

// Len returns the number of jobs in the queue
func (jq *JobQueue) Len() int {
	return len(jq.jobs)
}

// Less orders jobs by creation time, then id
func (jq *JobQueue) Less(i, j int) bool {
	a, b := jq.jobs[i].Job, jq.jobs[j].Job
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Swap swaps two jobs
func (jq *JobQueue) Swap(i, j int) {
	jq.jobs[i], jq.jobs[j] = jq.jobs[j], jq.jobs[i]
	jq.jobs[i].Index = i
	jq.jobs[j].Index = j
}

// Push implements heap.Interface
func (jq *JobQueue) Push(x any) {
	n := len(jq.jobs)
	item := x.(*QueuedJob)
	item.Index = n
	jq.jobs = append(jq.jobs, item)
}

// Pop implements heap.Interface
func (jq *JobQueue) Pop() any {
	old := jq.jobs
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	jq.jobs = old[0 : n-1]
	return item
}
