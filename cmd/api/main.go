package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/groupsub/internal/app"
	"github.com/noah-isme/groupsub/internal/config"
	"github.com/noah-isme/groupsub/internal/health"
	"github.com/noah-isme/groupsub/internal/ipn"
	"github.com/noah-isme/groupsub/internal/lock"
	"github.com/noah-isme/groupsub/internal/obs"
	"github.com/noah-isme/groupsub/internal/ratelimit"
	"github.com/noah-isme/groupsub/internal/resilience"
	"github.com/noah-isme/groupsub/internal/security"
	"github.com/noah-isme/groupsub/internal/transaction"
)

const serviceName = "groupsub-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := app.NewLogger(cfg, "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, logger, app.Options{Name: serviceName, Database: true, Redis: true})
	if err != nil {
		logger.Fatal().Err(err).Msg("open dependencies")
	}
	defer deps.Close()

	breaker := resilience.NewBreaker(cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerOpenFor).
		WithTarget("paypal").
		WithLogger(logger)
	transport := ipn.NewHTTPTransport(ipn.HTTPTransportConfig{Breaker: breaker})
	processor := &transaction.Processor{
		Store:    transaction.NewPGStore(deps.DB),
		Locker:   lock.Locker{R: deps.Redis, RetryBackoff: cfg.LockRetryBackoff, MaxWait: cfg.LockTTL},
		LockTTL:  cfg.LockTTL,
		Business: cfg.PayPalBusiness,
		Logger:   logger,
	}
	verifier := ipn.NewVerifier(ipn.Config{Sandbox: cfg.PayPalSandbox}, transport, processor, logger)

	ipnLimit, err := newIPNRateLimit(cfg, deps, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("configure ipn rate limit")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if cfg.Obs.EnableTracing {
		r.Use(obs.TracingMiddleware)
	}
	if cfg.Obs.EnablePrometheus {
		httpMetrics := obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.MetricsBuckets), nil)
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)

	if cfg.Obs.EnablePrometheus {
		r.Handle("/metrics", promhttp.Handler())
	}

	healthHandler := health.Handler{Checks: deps.HealthChecks()}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	bodyLimit := security.BodyLimit{
		Max: cfg.IPNMaxBodyBytes,
		OnReject: func(r *http.Request, status int) {
			zerolog.Ctx(r.Context()).Warn().Int("status", status).Int64("max_bytes", cfg.IPNMaxBodyBytes).Msg("ipn_body_rejected")
		},
	}
	r.With(ipnLimit.Middleware, bodyLimit.Middleware).Post("/groupsub/ipn", verifier.Handle)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// postback and processing are each bounded by ipn.DefaultTimeout
		WriteTimeout: 2*ipn.DefaultTimeout + 15*time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Bool("sandbox", cfg.PayPalSandbox).Str("verify_url", verifier.Endpoint()).Msg("server starting")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
		return
	case <-ctx.Done():
	}

	health.SetReady(false)
	logger.Info().Msg("server draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*ipn.DefaultTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	logger.Info().Msg("server stopped")
}

func newIPNRateLimit(cfg *config.Config, deps *app.Dependencies, logger zerolog.Logger) (ratelimit.Handler, error) {
	h := ratelimit.Handler{
		OnError: func(err error) { logger.Warn().Err(err).Msg("ipn_rate_limit_unavailable") },
	}
	if cfg.IPNRateLimit == "" {
		return h, nil
	}
	store, err := ratelimit.NewStore(deps.Redis, cfg.QueueRedisPrefix)
	if err != nil {
		return h, err
	}
	h.Limiter, err = ratelimit.New(cfg.IPNRateLimit, store)
	return h, err
}
