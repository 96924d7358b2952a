package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/ionolab/ismrfetch/internal/runconfig"
	"github.com/ionolab/ismrfetch/pkg/api"
	"github.com/ionolab/ismrfetch/pkg/auth"
	"github.com/ionolab/ismrfetch/pkg/downloader"
	"github.com/ionolab/ismrfetch/pkg/logging"
)

// Exit codes. A throttle abort must be distinguishable from a run that
// merely completed with some failed targets.
const (
	ExitSuccess        = 0
	ExitStartupError   = 1
	ExitInvalidConfig  = 2
	ExitPartialFailure = 3
	ExitThrottleAbort  = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("Error loading .env file")
	}

	log := logrus.New()
	if os.Getenv("LOG_FORMAT") == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(logging.NewConsoleFormatter())
	}

	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(level)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	runCfg, err := runconfig.Load(log)
	if err != nil {
		log.WithError(err).Error("Invalid run configuration")
		return ExitInvalidConfig
	}

	authCfg, err := auth.NewConfigFromEnv(log)
	if err != nil {
		log.WithError(err).Error("Invalid auth configuration")
		return ExitInvalidConfig
	}

	apiCfg, err := api.NewConfigFromEnv(log)
	if err != nil {
		log.WithError(err).Error("Invalid API configuration")
		return ExitInvalidConfig
	}

	dlCfg, err := downloader.NewConfigFromEnv(log)
	if err != nil {
		log.WithError(err).Error("Invalid downloader configuration")
		return ExitInvalidConfig
	}

	authenticator, err := auth.NewAuthenticator(authCfg)
	if err != nil {
		log.WithError(err).Error("Failed to create authenticator")
		return ExitInvalidConfig
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		log.WithError(err).Error("Failed to create API client")
		return ExitInvalidConfig
	}

	d, err := downloader.New(dlCfg, authenticator, client)
	if err != nil {
		log.WithError(err).Error("Failed to create downloader")
		return ExitInvalidConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info("Received shutdown signal")
		cancel()
	}()

	// Authenticate once at startup; rejected credentials end the run before
	// any targets are planned.
	if err := authenticator.Refresh(ctx, false); err != nil {
		log.WithError(err).Error("Authentication failed")
		return ExitStartupError
	}

	r, err := runCfg.Range()
	if err != nil {
		log.WithError(err).Error("Invalid date range")
		return ExitInvalidConfig
	}

	if runCfg.Interval > 0 {
		err := d.RunEvery(ctx, runCfg.Interval, runCfg.Stations, r)
		switch {
		case errors.Is(err, downloader.ErrTooManyRequests):
			return ExitThrottleAbort
		case errors.Is(err, context.Canceled):
			return ExitSuccess
		case err != nil:
			log.WithError(err).Error("Scheduled runs stopped")
			return ExitStartupError
		}
		return ExitSuccess
	}

	stats, err := d.Run(ctx, runCfg.Stations, r)
	switch {
	case errors.Is(err, downloader.ErrTooManyRequests):
		return ExitThrottleAbort
	case err != nil:
		log.WithError(err).Error("Run failed")
		return ExitStartupError
	case stats.Failed > 0:
		return ExitPartialFailure
	}
	return ExitSuccess
}
