package main

import (
	"flag"
	"os"
	"strings"

	"github.com/noah-isme/groupsub/internal/config"
	"github.com/noah-isme/groupsub/internal/db/migrations"
	"github.com/noah-isme/groupsub/internal/obs"
)

// migrate applies or rolls back the embedded schema.
// Usage: migrate [-database URL] [-steps N] up|down|version
func main() {
	var (
		databaseURL = flag.String("database", "", "postgres URL; defaults to DATABASE_URL from the environment")
		steps       = flag.Int("steps", 0, "number of migrations to roll back with down; 0 rolls back all")
	)
	flag.Parse()

	logger := obs.NewLogger(os.Getenv("OBS_LOG_FORMAT"), os.Getenv("OBS_LOG_LEVEL")).With().Str("component", "migrate").Logger()

	url := strings.TrimSpace(*databaseURL)
	if url == "" {
		cfg, err := config.Load()
		if err != nil {
			logger.Fatal().Err(err).Msg("load config")
		}
		url = cfg.DatabaseURL
	}

	m, err := migrations.New(url)
	if err != nil {
		logger.Fatal().Err(err).Msg("open migrator")
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Error().AnErr("source", srcErr).AnErr("database", dbErr).Msg("close migrator")
		}
	}()

	cmd := strings.ToLower(strings.TrimSpace(flag.Arg(0)))
	switch cmd {
	case "", "up":
		err = migrations.Up(m)
	case "down":
		err = migrations.Down(m, *steps)
	case "version":
	default:
		logger.Fatal().Str("command", cmd).Msg("unknown command, want up, down or version")
	}
	if err != nil {
		logger.Fatal().Err(err).Str("command", cmd).Msg("migrate failed")
	}

	version, dirty, err := m.Version()
	if err != nil {
		logger.Info().Str("command", cmd).Msg("no migrations applied")
		return
	}
	logger.Info().Str("command", cmd).Uint("version", version).Bool("dirty", dirty).Msg("migrate complete")
}
