// Package queue is the Redis task queue import jobs are handed off to.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Job is one import to run.
type Job struct {
	ID              string    `json:"id"`
	ImportSessionID uint      `json:"import_session_id"`
	SessionKey      string    `json:"session_key"`
	Attempt         int       `json:"attempt"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
}

// RedisQueue coordinates ready, in-flight and scheduled jobs in Redis.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	jobPrefix     string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue on client. Keys are namespaced under prefix.
func NewRedisQueue(client *redis.Client, prefix string, visibility time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "exchange1c"
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      prefix + ":queue:ready",
		inflightKey:   prefix + ":queue:inflight",
		scheduledKey:  prefix + ":queue:scheduled",
		jobPrefix:     prefix + ":queue:job:",
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) jobKey(id string) string {
	return q.jobPrefix + id
}

// Submit stores the job and pushes it onto the ready list. Returns the job id.
func (q *RedisQueue) Submit(ctx context.Context, job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), payload, 0)
	pipe.RPush(ctx, q.readyKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	return job.ID, nil
}

// Dequeue leases the next ready job. Returns nil when the queue is empty.
// Due retries are promoted before popping.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	if _, err := q.PromoteScheduled(ctx, time.Now(), 100); err != nil {
		return nil, err
	}

	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	raw, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// payload already acked by another worker
		_ = q.client.ZRem(ctx, q.inflightKey, id).Err()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// ExtendLease pushes the visibility deadline of an in-flight job forward.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a finished job.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.jobKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry schedules job to run again after delay with its attempt counter bumped.
func (q *RedisQueue) Retry(ctx context.Context, job Job, delay time.Duration) error {
	job.Attempt++
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), payload, 0)
	pipe.ZRem(ctx, q.inflightKey, job.ID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due retries onto the ready list.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.move(ctx, q.scheduledKey, now, limit)
}

// RequeueExpired reclaims leases whose visibility deadline passed.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.move(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) move(ctx context.Context, from string, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, from, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, from, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Depth returns the number of jobs waiting on the ready list.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
