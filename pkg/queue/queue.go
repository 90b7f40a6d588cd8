// Package queue provides a minimal durable-ish job queue abstraction with
// unique-id deduplication: the turn engine's "at most one turn job in
// flight per conversation" and the summarization worker's "one rollup in
// flight per summary" invariants both rely on a queue that refuses to
// enqueue a second job under an id already in flight. Production
// deployments can swap in any durable queue (a Non-goal of this project)
// behind this same Queue interface; MemQueue and RedisQueue are the two
// reference implementations.
package queue

import (
	"context"
	"errors"
)

// ErrAlreadyQueued is returned by Enqueue when a job with the same
// dedup key is already queued or in flight.
var ErrAlreadyQueued = errors.New("queue: job already in flight")

// Job is one unit of work. Key is the dedup identity (a conversation id
// for turn jobs, a summary id for rollup jobs); Payload is opaque to the
// queue and interpreted by the consumer.
type Job struct {
	Key     string
	Payload []byte
}

// Queue is a job queue with unique-id dedup. Enqueue returns
// ErrAlreadyQueued rather than blocking or silently dropping, so callers
// can treat "already in flight" as a no-op re-dispatch rather than an
// error.
type Queue interface {
	// Enqueue adds a job, failing with ErrAlreadyQueued if Key is already
	// queued or held by an unfinished Dequeue.
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available or ctx is cancelled.
	Dequeue(ctx context.Context) (Job, error)
	// Done releases the dedup key for job.Key, allowing it to be
	// re-enqueued. Must be called exactly once per successful Dequeue,
	// win or lose, or the key leaks and the conversation/summary can
	// never be re-dispatched.
	Done(ctx context.Context, key string) error
}
