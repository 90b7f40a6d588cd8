package queue

import (
	"context"
	"sync"
)

// MemQueue is an in-process, bounded-channel Queue with a dedup set keyed
// by Job.Key. Sufficient for tests and single-process deployments;
// state is lost on restart.
type MemQueue struct {
	mu      sync.Mutex
	inFlight map[string]bool
	jobs    chan Job
}

// NewMemQueue returns a MemQueue with the given channel capacity (backlog
// before Enqueue blocks).
func NewMemQueue(capacity int) *MemQueue {
	return &MemQueue{
		inFlight: make(map[string]bool),
		jobs:     make(chan Job, capacity),
	}
}

func (q *MemQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	if q.inFlight[job.Key] {
		q.mu.Unlock()
		return ErrAlreadyQueued
	}
	q.inFlight[job.Key] = true
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.inFlight, job.Key)
		q.mu.Unlock()
		return ctx.Err()
	}
}

func (q *MemQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

func (q *MemQueue) Done(ctx context.Context, key string) error {
	q.mu.Lock()
	delete(q.inFlight, key)
	q.mu.Unlock()
	return nil
}
