package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemQueue_DedupRejectsSecondEnqueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(4)

	require.NoError(t, q.Enqueue(ctx, Job{Key: "conv-1", Payload: []byte("a")}))
	err := q.Enqueue(ctx, Job{Key: "conv-1", Payload: []byte("b")})
	assert.ErrorIs(t, err, ErrAlreadyQueued)
}

func TestMemQueue_DoneReleasesKeyForReEnqueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(4)

	require.NoError(t, q.Enqueue(ctx, Job{Key: "conv-1"}))
	require.NoError(t, q.Done(ctx, "conv-1"))
	assert.NoError(t, q.Enqueue(ctx, Job{Key: "conv-1"}))
}

func TestMemQueue_DequeueReturnsEnqueuedJob(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(4)

	require.NoError(t, q.Enqueue(ctx, Job{Key: "conv-1", Payload: []byte("payload")}))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", job.Key)
	assert.Equal(t, []byte("payload"), job.Payload)
}

func TestMemQueue_DequeueRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	q := NewMemQueue(1)

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemQueue_EnqueueUnblocksOnCancelWhenChannelFull(t *testing.T) {
	q := NewMemQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), Job{Key: "first"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, Job{Key: "second"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the dedup entry for the aborted enqueue must have been released;
	// drain "first" so the re-enqueue has channel room and cannot block
	_, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.NoError(t, q.Enqueue(context.Background(), Job{Key: "second"}))
}

func TestEncodeDecodeJob_RoundTrips(t *testing.T) {
	job := Job{Key: "summary-42", Payload: []byte(`{"from":10,"to":30}`)}
	encoded, err := encodeJob(job)
	require.NoError(t, err)

	decoded, err := decodeJob(encoded)
	require.NoError(t, err)
	assert.Equal(t, job.Key, decoded.Key)
	assert.Equal(t, job.Payload, decoded.Payload)
}

func TestDecodeJob_KeyOnlyPayload(t *testing.T) {
	decoded, err := decodeJob("bare-key")
	require.NoError(t, err)
	assert.Equal(t, "bare-key", decoded.Key)
	assert.Empty(t, decoded.Payload)
}
