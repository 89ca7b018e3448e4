// Package app wires the infrastructure shared by the groupsub binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/groupsub/internal/config"
	"github.com/noah-isme/groupsub/internal/health"
	"github.com/noah-isme/groupsub/internal/obs"
)

// Dependencies holds the connections a binary opened at startup.
type Dependencies struct {
	DB    *pgxpool.Pool
	Redis *redis.Client

	tracingShutdown func(context.Context) error
	logger          zerolog.Logger
}

// Options selects which dependencies Open initialises.
type Options struct {
	Name     string
	Database bool
	Redis    bool
}

// NewLogger builds the process logger from the observability settings.
func NewLogger(cfg *config.Config, component string) zerolog.Logger {
	return obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().
		Str("env", cfg.AppEnv).
		Str("component", component).
		Logger()
}

// Open initialises tracing, metrics and the requested connections. A tracing
// failure is logged and tracing stays disabled.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*Dependencies, error) {
	deps := &Dependencies{logger: logger}

	if cfg.Obs.EnablePrometheus {
		obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)
	}
	if cfg.Obs.EnableTracing {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   opts.Name,
			Endpoint:      cfg.Obs.OTLPEndpoint,
			Exporter:      cfg.Obs.TracingExporter,
			SamplingRatio: cfg.Obs.SamplingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			deps.tracingShutdown = shutdown
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if opts.Database {
		pool, err := openDatabase(connectCtx, cfg.DatabaseURL, opts.Name)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.DB = pool
	}
	if opts.Redis {
		client, err := openRedis(connectCtx, cfg.RedisURL, cfg.Obs.EnablePrometheus, logger)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.Redis = client
	}
	return deps, nil
}

// HealthChecks returns readiness probes for the opened connections.
func (d *Dependencies) HealthChecks() []health.Check {
	var checks []health.Check
	if d.DB != nil {
		checks = append(checks, health.Check{Name: "db", Timeout: 500 * time.Millisecond, Probe: d.DB.Ping})
	}
	if d.Redis != nil {
		checks = append(checks, health.Check{Name: "redis", Timeout: 300 * time.Millisecond, Probe: func(ctx context.Context) error {
			return d.Redis.Ping(ctx).Err()
		}})
	}
	return checks
}

// Close releases connections and flushes pending spans.
func (d *Dependencies) Close() {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
	if d.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.tracingShutdown(ctx); err != nil {
			d.logger.Error().Err(err).Msg("shutdown tracer")
		}
	}
}

func openDatabase(ctx context.Context, url, name string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, errors.New("app: DATABASE_URL is empty")
	}
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = name

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func openRedis(ctx context.Context, url string, metrics bool, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
