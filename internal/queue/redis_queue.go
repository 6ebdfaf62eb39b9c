package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"interview-pipeline/internal/config"
)

// NewRedisClient builds the shared client for queue, rate limiting and cache.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisQueue dispatches job IDs through ready, in-flight, scheduled and
// dead-letter keys. Delivery is at-least-once; the job lock in the store
// discards duplicate deliveries.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	dlqKey        string
	visibilityTTL time.Duration
}

func NewRedisQueue(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = 90 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "interviews:queue:ready",
		inflightKey:   "interviews:queue:inflight",
		scheduledKey:  "interviews:queue:scheduled",
		dlqKey:        "interviews:queue:dlq",
		visibilityTTL: visibility,
	}
}

// Enqueue makes a job immediately available to workers.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.RPush(ctx, q.readyKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule defers a job until runAt.
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID}).Err()
}

// PromoteScheduled moves due scheduled jobs to the ready list and returns how many moved.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := moveDueScript.Run(ctx, q.client, []string{q.scheduledKey, q.readyKey}, now.UnixMilli(), limit).Int()
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return n, nil
}

// DequeueWithLease pops the next ready job and leases it for the visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline of an in-flight job one full
// visibility timeout past now. A job that is no longer leased is left alone.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(q.visibilityTTL).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Visibility is the lease length granted by DequeueWithLease and ExtendLease.
func (q *RedisQueue) Visibility() time.Duration {
	return q.visibilityTTL
}

// Ack releases the lease.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// RequeueExpired returns timed-out leases to the ready list.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := requeueScript.Run(ctx, q.client, []string{q.inflightKey, q.readyKey}, now.UnixMilli(), limit).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	return res, nil
}

// Cancel removes a job from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the oldest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// Ping checks connectivity for health endpoints.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

// KEYS[1] source zset, KEYS[2] ready list, ARGV[1] max score, ARGV[2] limit.
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)

var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return ids
`)
