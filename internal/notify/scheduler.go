package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/noah-isme/groupsub/internal/queue"
)

// TaskKind is the queue kind carrying subscription notifications.
const TaskKind = "notify_subscription"

// Task is the queued form of a notification.
type Task struct {
	Event   string  `json:"event"`
	Context Context `json:"context"`
}

// Enqueuer publishes queue tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// Scheduler queues notifications for the worker. The same event for the same
// subscription and user is queued once until it is delivered.
type Scheduler struct {
	Queue Enqueuer
}

// Schedule validates the event and enqueues it.
func (s Scheduler) Schedule(ctx context.Context, eventType string, c Context) error {
	if s.Queue == nil {
		return errors.New("notify: queue not configured")
	}
	if _, ok := OptionFor(eventType); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}
	payload, err := json.Marshal(Task{Event: eventType, Context: c})
	if err != nil {
		return fmt.Errorf("notify: encode task: %w", err)
	}
	return s.Queue.Enqueue(ctx, queue.Task{
		Kind:           TaskKind,
		Payload:        payload,
		IdempotencyKey: fmt.Sprintf("%s:%s:%s", eventType, c.SubscriptionID, c.UserID),
	})
}
