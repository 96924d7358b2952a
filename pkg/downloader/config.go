package downloader

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/ionolab/ismrfetch/pkg/daterange"
	"github.com/ionolab/ismrfetch/pkg/throttle"
)

// Default configuration values
const (
	// DefaultMaxWorkers is the size of the download worker pool
	DefaultMaxWorkers = 5
	// DefaultMaxAttempts is the per-target retry budget
	DefaultMaxAttempts = 3
	// DefaultThrottleTolerance is the number of consecutive 429 responses
	// that aborts the whole run
	DefaultThrottleTolerance = 2
	// DefaultRetryBackoff is the pause before retrying after a request error
	DefaultRetryBackoff = 5 * time.Second
	// DefaultThrottleBackoff is the pause before retrying after a 429
	DefaultThrottleBackoff = 10 * time.Second
	// DefaultOutputDir is where downloaded files land
	DefaultOutputDir = "downloads"
	// DefaultLogsDir is where per-run artifacts are written
	DefaultLogsDir = "logs"
	// DefaultDataset names the dataset recorded in the no-data artifact
	DefaultDataset = "ismr"
)

// Config holds the download orchestration settings.
// Environment variables:
//   - ISMR_OUTPUT_DIR: download directory (default: downloads)
//   - ISMR_LOGS_DIR: run artifact directory (default: logs)
//   - ISMR_MAX_WORKERS: worker pool size (default: 5)
//   - ISMR_MAX_CHUNK_DAYS: max days per request (default: 62)
//   - ISMR_MAX_ATTEMPTS: retry budget per target (default: 3)
//   - ISMR_REQUESTS_PER_MINUTE: per-worker pacing (default: 30)
//   - ISMR_THROTTLE_TOLERANCE: consecutive 429s before aborting (default: 2)
//   - ISMR_OVERWRITE: re-download files that already exist (default: false)
type Config struct {
	// OutputDir is the flat directory downloaded files are written to
	OutputDir string
	// LogsDir holds the per-run log, files list and no-data record
	LogsDir string
	// Dataset is recorded per no-data entry
	Dataset string
	// MaxWorkers is the fixed worker pool size
	MaxWorkers int
	// MaxChunkDays bounds the span of each request chunk
	MaxChunkDays int
	// MaxAttempts is the retry budget per download target
	MaxAttempts int
	// RequestsPerMinute paces each worker's outbound requests
	RequestsPerMinute int
	// ThrottleTolerance is the consecutive-429 count that aborts the run
	ThrottleTolerance int
	// RetryBackoff is the pause between attempts after request errors
	RetryBackoff time.Duration
	// ThrottleBackoff is the pause between attempts after a 429
	ThrottleBackoff time.Duration
	// Overwrite re-downloads files whose target filename already exists
	Overwrite bool
	// Logger is the configured logrus logger instance
	Logger *logrus.Logger
}

// NewConfigFromEnv creates a Config from environment variables, loading a
// .env file first if one is present.
func NewConfigFromEnv(logger *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		OutputDir:         getEnvOrDefault("ISMR_OUTPUT_DIR", DefaultOutputDir),
		LogsDir:           getEnvOrDefault("ISMR_LOGS_DIR", DefaultLogsDir),
		Dataset:           getEnvOrDefault("ISMR_DATASET", DefaultDataset),
		MaxWorkers:        envInt(logger, "ISMR_MAX_WORKERS", DefaultMaxWorkers),
		MaxChunkDays:      envInt(logger, "ISMR_MAX_CHUNK_DAYS", daterange.DefaultMaxChunkDays),
		MaxAttempts:       envInt(logger, "ISMR_MAX_ATTEMPTS", DefaultMaxAttempts),
		RequestsPerMinute: envInt(logger, "ISMR_REQUESTS_PER_MINUTE", throttle.DefaultRequestsPerMinute),
		ThrottleTolerance: envInt(logger, "ISMR_THROTTLE_TOLERANCE", DefaultThrottleTolerance),
		RetryBackoff:      DefaultRetryBackoff,
		ThrottleBackoff:   DefaultThrottleBackoff,
		Overwrite:         os.Getenv("ISMR_OVERWRITE") == "true",
		Logger:            logger,
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("downloader: output directory is required")
	}
	if c.LogsDir == "" {
		return fmt.Errorf("downloader: logs directory is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("downloader: logger is required")
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("downloader: max workers must be >= 1, got %d", c.MaxWorkers)
	}
	if c.MaxChunkDays < 1 {
		return fmt.Errorf("downloader: max chunk days must be >= 1, got %d", c.MaxChunkDays)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("downloader: max attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.RequestsPerMinute < 1 {
		return fmt.Errorf("downloader: requests per minute must be >= 1, got %d", c.RequestsPerMinute)
	}
	if c.ThrottleTolerance < 1 {
		return fmt.Errorf("downloader: throttle tolerance must be >= 1, got %d", c.ThrottleTolerance)
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.ThrottleBackoff <= 0 {
		c.ThrottleBackoff = DefaultThrottleBackoff
	}
	if c.Dataset == "" {
		c.Dataset = DefaultDataset
	}
	return nil
}

func envInt(logger *logrus.Logger, key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"key":     key,
			"value":   v,
			"default": defaultValue,
		}).Warn("Failed to parse environment variable, using default")
		return defaultValue
	}
	return n
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
