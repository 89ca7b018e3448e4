package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/noah-isme/groupsub/internal/app"
	"github.com/noah-isme/groupsub/internal/common"
	"github.com/noah-isme/groupsub/internal/config"
	"github.com/noah-isme/groupsub/internal/notify"
	"github.com/noah-isme/groupsub/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := app.NewLogger(cfg, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, logger, app.Options{Name: "groupsub-worker", Redis: true})
	if err != nil {
		logger.Fatal().Err(err).Msg("open dependencies")
	}
	defer deps.Close()

	notifier := notify.EmailNotifier{
		Mail:     common.LogEmailSender{From: cfg.NotifyEmailFrom, Logger: logger},
		Enabled:  cfg.NotifyEmailEnabled,
		BoardURL: cfg.BoardURL,
		Logger:   logger,
	}

	worker := queue.Worker{
		R:                 deps.Redis,
		Prefix:            cfg.QueueRedisPrefix,
		Kind:              notify.TaskKind,
		Concurrency:       cfg.QueueConcurrency,
		VisibilityTimeout: cfg.QueueVisibility,
		RetryBase:         cfg.QueueBackoffBase,
		RetryJitter:       cfg.QueueBackoffJitter,
		Logger:            logger,
		Handler: func(jobCtx context.Context, task queue.Task) error {
			return notifier.Deliver(jobCtx, task.Payload)
		},
	}

	logger.Info().Str("kind", notify.TaskKind).Int("concurrency", cfg.QueueConcurrency).Msg("worker starting")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}
