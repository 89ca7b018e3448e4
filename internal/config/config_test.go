package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/groupsub/internal/config"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":       "postgres://localhost:5432/groupsub",
		"REDIS_URL":          "redis://localhost:6379/0",
		"PAYPAL_SANDBOX":     "",
		"PAYPAL_BUSINESS":    "",
		"IPN_MAX_BODY_BYTES": "",
		"BOARD_URL":          "",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(baseEnv())
	require.NoError(t, err)

	require.False(t, cfg.PayPalSandbox)
	require.Equal(t, int64(64<<10), cfg.IPNMaxBodyBytes)
	require.Equal(t, 30*time.Second, cfg.LockTTL)
}

func TestLoadSandboxAndBoardURL(t *testing.T) {
	env := baseEnv()
	env["PAYPAL_SANDBOX"] = "true"
	env["PAYPAL_BUSINESS"] = "seller@example.com"
	env["BOARD_URL"] = "https://forum.example.com/"

	cfg, err := config.LoadForTests(env)
	require.NoError(t, err)

	require.True(t, cfg.PayPalSandbox)
	require.Equal(t, "seller@example.com", cfg.PayPalBusiness)
	require.Equal(t, "https://forum.example.com", cfg.BoardURL)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	env := baseEnv()
	env["DATABASE_URL"] = ""

	_, err := config.LoadForTests(env)
	require.Error(t, err)
}

func TestLoadRejectsInvalidBusinessEmail(t *testing.T) {
	env := baseEnv()
	env["PAYPAL_BUSINESS"] = "not-an-email"

	_, err := config.LoadForTests(env)
	require.Error(t, err)
}

func TestHTTPAddr(t *testing.T) {
	require.Equal(t, ":8080", (&config.Config{}).HTTPAddr())
	require.Equal(t, ":9000", (&config.Config{Port: "9000"}).HTTPAddr())
	require.Equal(t, ":9001", (&config.Config{Port: ":9001"}).HTTPAddr())
}

func TestLoadObservabilityDefaults(t *testing.T) {
	env := baseEnv()
	env["OBS_LOG_FORMAT"] = ""
	env["OBS_ENABLE_PROMETHEUS"] = ""
	env["OBS_METRICS_NAMESPACE"] = ""

	cfg, err := config.LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, "json", cfg.Obs.LogFormat)
	require.Equal(t, "groupsub", cfg.Obs.MetricsNamespace)
	require.True(t, cfg.Obs.EnablePrometheus)
	require.False(t, cfg.Obs.EnableTracing)
}

func TestLoadRejectsUnknownLogFormat(t *testing.T) {
	env := baseEnv()
	env["OBS_LOG_FORMAT"] = "xml"

	_, err := config.LoadForTests(env)
	require.Error(t, err)
}
