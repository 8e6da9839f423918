package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/yourorg/yield-intel/internal/config"
	"github.com/yourorg/yield-intel/internal/store"
	"github.com/yourorg/yield-intel/internal/store/memory"
	"github.com/yourorg/yield-intel/internal/store/postgres"
)

// setupLogging configures the logging for the application. LOG_FILE adds a rotated file
// next to stdout.
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	if path := os.Getenv("LOG_FILE"); path != "" {
		logrus.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    config.GetEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxAge:     config.GetEnvAsInt("LOG_MAX_AGE_DAYS", 14),
			MaxBackups: 5,
			Compress:   true,
		}))
	}

	logrus.Info("Logging configured")
}

// openStore connects to Postgres and migrates it, or falls back to the memory store when
// no DSN is configured.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logrus.Warn("DATABASE_URL not set, using the in-memory store")
		return memory.New(), func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logrus.Info("Postgres store ready")
	return postgres.NewStore(pool), pool.Close, nil
}
