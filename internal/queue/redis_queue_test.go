package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newQueue(t *testing.T, visibility time.Duration) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}), visibility), mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, _ := newQueue(t, time.Minute)
	ctx := context.Background()

	if id, err := q.DequeueWithLease(ctx); err != nil || id != "" {
		t.Fatalf("empty queue returned %q %v", id, err)
	}
	_ = q.Enqueue(ctx, "job-1")
	_ = q.Enqueue(ctx, "job-2")
	if depth, _ := q.ReadyDepth(ctx); depth != 2 {
		t.Fatalf("depth = %d", depth)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("dequeue returned %q %v", id, err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("depth after dequeue = %d", depth)
	}
	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if ids, _ := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10); len(ids) != 0 {
		t.Fatalf("acked job requeued: %v", ids)
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	q, _ := newQueue(t, time.Minute)
	ctx := context.Background()
	_ = q.Enqueue(ctx, "job-1")
	id, _ := q.DequeueWithLease(ctx)

	if ids, _ := q.RequeueExpired(ctx, time.Now(), 10); len(ids) != 0 {
		t.Fatalf("lease reclaimed early: %v", ids)
	}
	ids, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil || len(ids) != 1 || ids[0] != id {
		t.Fatalf("expected %s reclaimed, got %v %v", id, ids, err)
	}
	if again, _ := q.DequeueWithLease(ctx); again != id {
		t.Fatalf("reclaimed job not redelivered, got %q", again)
	}
}

func TestScheduleAndPromote(t *testing.T) {
	q, _ := newQueue(t, time.Minute)
	ctx := context.Background()
	now := time.Now()
	_ = q.Schedule(ctx, "soon", now.Add(time.Second))
	_ = q.Schedule(ctx, "later", now.Add(time.Hour))

	if n, _ := q.PromoteScheduled(ctx, now, 10); n != 0 {
		t.Fatalf("promoted %d before due", n)
	}
	n, err := q.PromoteScheduled(ctx, now.Add(time.Minute), 10)
	if err != nil || n != 1 {
		t.Fatalf("promote returned %d %v", n, err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "soon" {
		t.Fatalf("dequeued %q", id)
	}
}

func TestCancelAndDLQ(t *testing.T) {
	q, _ := newQueue(t, time.Minute)
	ctx := context.Background()
	_ = q.Enqueue(ctx, "job-1")
	_ = q.Schedule(ctx, "job-2", time.Now().Add(time.Hour))

	_ = q.Cancel(ctx, "job-1")
	_ = q.Cancel(ctx, "job-2")
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("cancelled job still ready")
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 10); n != 0 {
		t.Fatalf("cancelled job still scheduled")
	}

	_ = q.DLQPush(ctx, "job-3")
	ids, err := q.DLQPeek(ctx, 10)
	if err != nil || len(ids) != 1 || ids[0] != "job-3" {
		t.Fatalf("dlq = %v %v", ids, err)
	}
}
