package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/groupsub/internal/queue"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestEnqueueDequeue(t *testing.T) {
	_, client := newClient(t)

	enq := queue.Enqueuer{R: client, Prefix: "test"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "demo", Payload: []byte("payload"), IdempotencyKey: "1"}))

	processed := make(chan queue.Task, 1)
	worker := queue.Worker{
		R:                 client,
		Prefix:            "test",
		Kind:              "demo",
		Concurrency:       1,
		VisibilityTimeout: time.Second,
		RetryBase:         10 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		Logger:            zerolog.Nop(),
		Handler: func(ctx context.Context, task queue.Task) error {
			processed <- task
			cancel()
			return nil
		},
	}

	go func() { _ = worker.Run(ctx) }()

	select {
	case task := <-processed:
		require.Equal(t, []byte("payload"), task.Payload)
		require.Equal(t, "1", task.IdempotencyKey)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for payload")
	}
}

func TestEnqueueDeduplicatesPendingKey(t *testing.T) {
	_, client := newClient(t)
	enq := queue.Enqueuer{R: client, Prefix: "dedup"}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "demo", Payload: []byte("x"), IdempotencyKey: "same"}))
	}
	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "demo", Payload: []byte("y"), IdempotencyKey: "other"}))
	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "demo", Payload: []byte("z")}))

	n, err := client.ZCard(ctx, "dedup:queue:demo").Result()
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func TestEnqueueFailureReleasesDedupKey(t *testing.T) {
	_, client := newClient(t)
	enq := queue.Enqueuer{R: client, Prefix: "fail"}
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "fail:queue:demo", "not a zset", 0).Err())
	err := enq.Enqueue(ctx, queue.Task{Kind: "demo", Payload: []byte("x"), IdempotencyKey: "expired:7:42"})
	require.ErrorContains(t, err, "WRONGTYPE")

	exists, err := client.Exists(ctx, "fail:queue:dedup:demo:expired:7:42").Result()
	require.NoError(t, err)
	require.Zero(t, exists)

	require.NoError(t, client.Del(ctx, "fail:queue:demo").Err())
	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "demo", Payload: []byte("x"), IdempotencyKey: "expired:7:42"}))
	n, err := client.ZCard(ctx, "fail:queue:demo").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestEnqueueRejectsInvalidKind(t *testing.T) {
	_, client := newClient(t)
	enq := queue.Enqueuer{R: client}

	require.Error(t, enq.Enqueue(context.Background(), queue.Task{Kind: "Bad Kind"}))
	require.Error(t, enq.Enqueue(context.Background(), queue.Task{}))
	require.Error(t, queue.Enqueuer{}.Enqueue(context.Background(), queue.Task{Kind: "demo"}))
}

func TestWorkerRetries(t *testing.T) {
	_, client := newClient(t)

	enq := queue.Enqueuer{R: client, Prefix: "retry"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "demo", Payload: []byte("retry"), IdempotencyKey: "r1", MaxAttempts: 3}))

	var attempts atomic.Int32
	worker := queue.Worker{
		R:                 client,
		Prefix:            "retry",
		Kind:              "demo",
		Concurrency:       1,
		VisibilityTimeout: time.Second,
		RetryBase:         5 * time.Millisecond,
		RetryJitter:       0.1,
		PollInterval:      5 * time.Millisecond,
		Logger:            zerolog.Nop(),
		Handler: func(ctx context.Context, task queue.Task) error {
			if attempts.Add(1) == 1 {
				return errors.New("fail first")
			}
			cancel()
			return nil
		},
	}

	go func() { _ = worker.Run(ctx) }()

	select {
	case <-ctx.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not retry in time")
	}

	require.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestWorkerDeadLettersAfterMaxAttempts(t *testing.T) {
	_, client := newClient(t)

	enq := queue.Enqueuer{R: client, Prefix: "dead"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "demo", Payload: []byte("never"), IdempotencyKey: "d1", MaxAttempts: 2}))

	var attempts atomic.Int32
	worker := queue.Worker{
		R:                 client,
		Prefix:            "dead",
		Kind:              "demo",
		VisibilityTimeout: time.Second,
		RetryBase:         time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		Logger:            zerolog.Nop(),
		Handler: func(context.Context, queue.Task) error {
			attempts.Add(1)
			return errors.New("always fails")
		},
	}

	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		dead, err := queue.DeadLetters(context.Background(), client, "dead", "demo", 10)
		return err == nil && len(dead) == 1
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	require.EqualValues(t, 2, attempts.Load())
	dead, err := queue.DeadLetters(context.Background(), client, "dead", "demo", 10)
	require.NoError(t, err)
	require.Equal(t, []byte("never"), dead[0].Payload)

	// a dead task frees its key so the same work can be queued again
	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "demo", Payload: []byte("again"), IdempotencyKey: "d1"}))
	n, err := client.ZCard(context.Background(), "dead:queue:demo").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestWorkerRequiresHandler(t *testing.T) {
	_, client := newClient(t)
	require.Error(t, queue.Worker{R: client, Kind: "demo"}.Run(context.Background()))
}
