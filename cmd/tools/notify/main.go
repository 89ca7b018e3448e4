package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/noah-isme/groupsub/internal/app"
	"github.com/noah-isme/groupsub/internal/config"
	"github.com/noah-isme/groupsub/internal/notify"
	"github.com/noah-isme/groupsub/internal/queue"
)

// notify queues one subscription notification for the worker.
// Usage: notify -event expired -sub 7 -name "Gold" -user 42 -email member@example.com
func main() {
	var (
		event   = flag.String("event", notify.EventExpired, "notification event type")
		subID   = flag.String("sub", "", "subscription id")
		subName = flag.String("name", "", "subscription name shown to the user")
		userID  = flag.String("user", "", "user id")
		email   = flag.String("email", "", "user email address")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := app.NewLogger(cfg, "notify")
	if *subID == "" || *userID == "" {
		logger.Fatal().Msg("-sub and -user are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, logger, app.Options{Name: "groupsub-notify", Redis: true})
	if err != nil {
		logger.Fatal().Err(err).Msg("open dependencies")
	}
	defer deps.Close()

	scheduler := notify.Scheduler{Queue: queue.Enqueuer{
		R:           deps.Redis,
		Prefix:      cfg.QueueRedisPrefix,
		MaxAttempts: cfg.QueueMaxAttempts,
	}}
	c := notify.Context{
		SubscriptionID:   *subID,
		SubscriptionName: *subName,
		UserID:           *userID,
		UserEmail:        *email,
		BoardURL:         cfg.BoardURL,
	}
	if err := scheduler.Schedule(ctx, *event, c); err != nil {
		deps.Close()
		logger.Fatal().Err(err).Str("event", *event).Msg("schedule notification")
	}
	logger.Info().Str("event", *event).Str("subscription_id", *subID).Str("user_id", *userID).Msg("notification scheduled")
}
