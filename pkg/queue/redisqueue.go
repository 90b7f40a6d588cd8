package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a Redis-backed Queue: jobs live on a list, dedup keys live
// as SET NX entries with a TTL so a crashed consumer can't wedge a key
// forever. Suitable for multi-process deployments where MemQueue's
// in-process dedup set wouldn't be shared.
type RedisQueue struct {
	client   *redis.Client
	listKey  string
	dedupTTL time.Duration
}

// NewRedisQueue returns a RedisQueue using listKey as the job list and
// dedupTTL as the max lifetime of an in-flight dedup entry (a safety net
// against a consumer that dies between Dequeue and Done).
func NewRedisQueue(client *redis.Client, listKey string, dedupTTL time.Duration) *RedisQueue {
	return &RedisQueue{client: client, listKey: listKey, dedupTTL: dedupTTL}
}

func (q *RedisQueue) dedupKey(key string) string {
	return q.listKey + ":inflight:" + key
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	ok, err := q.client.SetNX(ctx, q.dedupKey(job.Key), job.Key, q.dedupTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyQueued
	}
	encoded, err := encodeJob(job)
	if err != nil {
		q.client.Del(ctx, q.dedupKey(job.Key))
		return err
	}
	if err := q.client.RPush(ctx, q.listKey, encoded).Err(); err != nil {
		q.client.Del(ctx, q.dedupKey(job.Key))
		return err
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	res, err := q.client.BLPop(ctx, 0, q.listKey).Result()
	if err != nil {
		return Job{}, err
	}
	// BLPop returns [key, value]; we only pushed one list.
	return decodeJob(res[1])
}

func (q *RedisQueue) Done(ctx context.Context, key string) error {
	return q.client.Del(ctx, q.dedupKey(key)).Err()
}

func encodeJob(job Job) (string, error) {
	return job.Key + "\x00" + string(job.Payload), nil
}

func decodeJob(s string) (Job, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return Job{Key: s[:i], Payload: []byte(s[i+1:])}, nil
		}
	}
	return Job{Key: s}, nil
}
