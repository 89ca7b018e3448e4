package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv      string `validate:"required"`
	Port        string `validate:"required"`
	DatabaseURL string `validate:"required"`
	RedisURL    string `validate:"required"`

	PayPalSandbox   bool
	PayPalBusiness  string `validate:"omitempty,email"`
	IPNMaxBodyBytes int64  `validate:"gt=0"`
	IPNRateLimit    string

	BoardURL           string `validate:"omitempty,url"`
	NotifyEmailEnabled bool
	NotifyEmailFrom    string `validate:"omitempty,email"`

	LockTTL          time.Duration `validate:"gt=0"`
	LockRetryBackoff time.Duration `validate:"gt=0"`

	QueueRedisPrefix   string
	QueueConcurrency   int           `validate:"gte=1"`
	QueueMaxAttempts   int           `validate:"gte=1"`
	QueueVisibility    time.Duration `validate:"gt=0"`
	QueueBackoffBase   time.Duration `validate:"gt=0"`
	QueueBackoffJitter float64       `validate:"gte=0,lte=1"`

	BreakerMinRequests  int           `validate:"gte=1"`
	BreakerFailureRatio float64       `validate:"gt=0,lte=1"`
	BreakerOpenFor      time.Duration `validate:"gt=0"`

	Obs ObsConfig
}

// ObsConfig controls logging, metrics and tracing.
type ObsConfig struct {
	LogFormat        string `validate:"oneof=json console text"`
	LogLevel         string
	MetricsNamespace string `validate:"required"`
	EnablePrometheus bool
	MetricsBuckets   string
	EnableTracing    bool
	TracingExporter  string
	OTLPEndpoint     string
	SamplingRatio    float64 `validate:"gte=0,lte=1"`
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		Port:        valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL: k.String("DATABASE_URL"),
		RedisURL:    k.String("REDIS_URL"),

		PayPalSandbox:   parseBool(k.String("PAYPAL_SANDBOX")),
		PayPalBusiness:  strings.TrimSpace(k.String("PAYPAL_BUSINESS")),
		IPNMaxBodyBytes: parseInt64(k.String("IPN_MAX_BODY_BYTES"), 64<<10),
		IPNRateLimit:    strings.TrimSpace(k.String("IPN_RATE_LIMIT")),

		BoardURL:           strings.TrimRight(strings.TrimSpace(k.String("BOARD_URL")), "/"),
		NotifyEmailEnabled: parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
		NotifyEmailFrom:    strings.TrimSpace(k.String("NOTIFY_EMAIL_FROM")),

		LockTTL:          parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),

		QueueRedisPrefix:   valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "groupsub"),
		QueueConcurrency:   int(parseInt64(k.String("QUEUE_CONCURRENCY"), 4)),
		QueueMaxAttempts:   int(parseInt64(k.String("QUEUE_MAX_ATTEMPTS"), 10)),
		QueueVisibility:    parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "30s"),
		QueueBackoffBase:   parseDuration(k.String("QUEUE_BACKOFF_BASE"), "1s"),
		QueueBackoffJitter: parseFloat(k.String("QUEUE_BACKOFF_JITTER"), 0.2),

		BreakerMinRequests:  int(parseInt64(k.String("BREAKER_MIN_REQUESTS"), 10)),
		BreakerFailureRatio: parseFloat(k.String("BREAKER_FAILURE_RATIO"), 0.5),
		BreakerOpenFor:      parseDuration(k.String("BREAKER_OPEN_FOR"), "30s"),

		Obs: ObsConfig{
			LogFormat:        strings.ToLower(valueOrDefault(k.String("OBS_LOG_FORMAT"), "json")),
			LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "groupsub"),
			EnablePrometheus: parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
			MetricsBuckets:   k.String("OBS_METRICS_BUCKETS_MS"),
			EnableTracing:    parseBoolDefault(k.String("OBS_ENABLE_TRACING"), false),
			TracingExporter:  valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
			OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
			SamplingRatio:    parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
		},
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt64(value string, fallback int64) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseFloat(value string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseBoolDefault(value string, fallback bool) bool {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return parseBool(value)
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
