package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/groupsub/internal/resilience"
)

// Task is a unit of background work.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
	// Attempt is set by the worker, starting at 1.
	Attempt int
}

type taskMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}

// keys builds the Redis key layout shared by producers and workers.
type keys struct {
	prefix string
	kind   string
}

func (k keys) base() string {
	if k.prefix == "" {
		return "queue"
	}
	return k.prefix + ":queue"
}

func (k keys) ready() string      { return k.base() + ":" + k.kind }
func (k keys) processing() string { return k.ready() + ":processing" }
func (k keys) dlq() string        { return k.ready() + ":dlq" }
func (k keys) dedup(key string) string {
	return k.base() + ":dedup:" + k.kind + ":" + key
}

// Enqueuer publishes tasks to a Redis sorted set scored by due time.
type Enqueuer struct {
	R           redis.UniversalClient
	Prefix      string
	DedupTTL    time.Duration
	MaxAttempts int
}

// Enqueue adds the task. A task with an idempotency key is dropped while an
// earlier task with the same key is still pending.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return fmt.Errorf("queue: invalid task kind %q", t.Kind)
	}
	k := keys{prefix: e.Prefix, kind: kind}
	msg := taskMessage{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		MaxAttempts: firstPositive(t.MaxAttempts, e.MaxAttempts, 10),
		AvailableAt: time.Now().Add(t.Delay).UnixNano(),
	}

	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		fresh, err := e.R.SetNX(ctx, k.dedup(msg.Key), "1", ttl).Result()
		if err != nil {
			return fmt.Errorf("queue: dedup %s: %w", msg.Key, err)
		}
		if !fresh {
			return nil
		}
	}

	raw, err := json.Marshal(msg)
	if err == nil {
		err = e.R.ZAdd(ctx, k.ready(), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err()
	}
	if err != nil {
		// the key must not outlive a task that was never queued
		if msg.Key != "" {
			_ = e.R.Del(context.WithoutCancel(ctx), k.dedup(msg.Key)).Err()
		}
		return fmt.Errorf("queue: enqueue %s: %w", kind, err)
	}
	QueueDepth.WithLabelValues(kind).Inc()
	return nil
}

// Worker consumes tasks of one kind.
type Worker struct {
	R                 redis.UniversalClient
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	Handler           func(context.Context, Task) error
	RetryBase         time.Duration
	RetryJitter       float64
	PollInterval      time.Duration
	Logger            zerolog.Logger
}

// Run processes tasks until ctx is cancelled. In-flight tasks sit in a
// processing set so they are redelivered if the worker dies.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return fmt.Errorf("queue: invalid worker kind %q", w.Kind)
	}
	k := keys{prefix: w.Prefix, kind: kind}
	concurrency := firstPositive(w.Concurrency, 1)
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	poll := w.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	requeue := time.NewTicker(min(max(visibility/2, 10*time.Millisecond), time.Second))
	defer requeue.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-requeue.C:
			if err := w.requeueExpired(ctx, k); err != nil && ctx.Err() == nil {
				return err
			}
		default:
		}

		msg, raw, ok, err := w.claim(ctx, k, visibility)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !ok {
			sleep(ctx, poll)
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() { <-sem }()
			defer wg.Done()
			w.handle(ctx, k, raw, msg)
		}()
	}
}

// claim pops the next due task and parks it in the processing set.
func (w Worker) claim(ctx context.Context, k keys, visibility time.Duration) (taskMessage, string, bool, error) {
	now := time.Now().UnixNano()
	due, err := w.R.ZRangeByScore(ctx, k.ready(), &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now, 10), Count: 1}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return taskMessage{}, "", false, err
	}
	if len(due) == 0 {
		return taskMessage{}, "", false, nil
	}
	removed, err := w.R.ZRem(ctx, k.ready(), due[0]).Result()
	if err != nil {
		return taskMessage{}, "", false, err
	}
	if removed == 0 {
		// another worker won the race
		return taskMessage{}, "", false, nil
	}
	QueueDepth.WithLabelValues(k.kind).Dec()

	msg, err := decodeMessage(due[0])
	if err != nil {
		w.Logger.Error().Err(err).Str("kind", k.kind).Msg("queue_decode_failed")
		return taskMessage{}, "", false, nil
	}
	msg.Attempt++
	encoded, err := json.Marshal(msg)
	if err != nil {
		return taskMessage{}, "", false, err
	}
	raw := string(encoded)
	deadline := time.Now().Add(visibility).UnixNano()
	if err := w.R.ZAdd(ctx, k.processing(), redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
		return taskMessage{}, "", false, err
	}
	return msg, raw, true, nil
}

func (w Worker) handle(ctx context.Context, k keys, raw string, msg taskMessage) {
	err := w.Handler(ctx, Task{Kind: msg.Kind, Payload: msg.Payload, IdempotencyKey: msg.Key, MaxAttempts: msg.MaxAttempts, Attempt: msg.Attempt})
	// bookkeeping must finish even when shutdown cancelled ctx
	bg := context.WithoutCancel(ctx)
	_ = w.R.ZRem(bg, k.processing(), raw).Err()
	if err == nil {
		QueueProcessedTotal.WithLabelValues(k.kind, "ok").Inc()
		if msg.Key != "" {
			_ = w.R.Del(bg, k.dedup(msg.Key)).Err()
		}
		return
	}

	logger := w.Logger.With().Str("kind", k.kind).Int("attempt", msg.Attempt).Logger()
	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		QueueProcessedTotal.WithLabelValues(k.kind, "dead").Inc()
		logger.Error().Err(err).Msg("queue_task_dead")
		encoded, mErr := json.Marshal(msg)
		if mErr == nil {
			_ = w.R.LPush(bg, k.dlq(), encoded).Err()
			QueueDLQSize.WithLabelValues(k.kind).Inc()
		}
		if msg.Key != "" {
			_ = w.R.Del(bg, k.dedup(msg.Key)).Err()
		}
		return
	}

	QueueProcessedTotal.WithLabelValues(k.kind, "retry").Inc()
	logger.Warn().Err(err).Msg("queue_task_retry")
	msg.AvailableAt = time.Now().Add(resilience.Backoff(w.RetryBase, msg.Attempt, w.RetryJitter)).UnixNano()
	encoded, mErr := json.Marshal(msg)
	if mErr != nil {
		return
	}
	if err := w.R.ZAdd(bg, k.ready(), redis.Z{Score: float64(msg.AvailableAt), Member: string(encoded)}).Err(); err == nil {
		QueueDepth.WithLabelValues(k.kind).Inc()
	}
}

// requeueExpired moves tasks whose visibility deadline passed back to ready.
func (w Worker) requeueExpired(ctx context.Context, k keys) error {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	expired, err := w.R.ZRangeByScore(ctx, k.processing(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range expired {
		removed, err := w.R.ZRem(ctx, k.processing(), raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := w.R.ZAdd(ctx, k.ready(), redis.Z{Score: float64(msg.AvailableAt), Member: string(encoded)}).Err(); err == nil {
			QueueDepth.WithLabelValues(k.kind).Inc()
		}
	}
	return nil
}

// DeadLetters returns up to limit tasks from the dead-letter list, newest first.
func DeadLetters(ctx context.Context, r redis.UniversalClient, prefix, kind string, limit int64) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	k := keys{prefix: prefix, kind: sanitizeKind(kind)}
	items, err := r.LRange(ctx, k.dlq(), 0, limit-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]Task, 0, len(items))
	for _, raw := range items {
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		out = append(out, Task{Kind: msg.Kind, Payload: msg.Payload, IdempotencyKey: msg.Key, MaxAttempts: msg.MaxAttempts})
	}
	return out, nil
}

func sanitizeKind(kind string) string {
	if kind == "" {
		return ""
	}
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == ':':
		default:
			return ""
		}
	}
	return kind
}

func decodeMessage(raw string) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return taskMessage{}, err
	}
	return msg, nil
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
