package api

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Default configuration values
const (
	// DefaultBaseURL is the production ISMR query tool API
	DefaultBaseURL = "https://api-ismrquerytool.fct.unesp.br/api/v1"
	// DefaultDownloadEndpoint is the metadata endpoint for ISMR downloads
	DefaultDownloadEndpoint = "/data/download/ismr"
	// DefaultRequestTimeout is the timeout in seconds for metadata requests
	DefaultRequestTimeout = 30
	// DefaultDownloadTimeout is the timeout in seconds to first byte for
	// streamed file downloads
	DefaultDownloadTimeout = 60
)

// Config holds the API transport settings.
// Environment variables:
//   - ISMR_API_BASE_URL: API base URL (default: production API)
//   - ISMR_DOWNLOAD_ENDPOINT: metadata endpoint path (default: /data/download/ismr)
//   - ISMR_REQUEST_TIMEOUT: metadata request timeout in seconds (default: 30)
//   - ISMR_DOWNLOAD_TIMEOUT: download header timeout in seconds (default: 60)
//   - ISMR_TLS_SKIP_VERIFY: disable TLS certificate verification (default: false)
type Config struct {
	// BaseURL is the API root all endpoints are resolved against
	BaseURL string
	// DownloadEndpoint is the metadata endpoint path
	DownloadEndpoint string
	// RequestTimeout bounds each metadata request end to end
	RequestTimeout time.Duration
	// DownloadTimeout bounds the wait for response headers on streamed
	// downloads; the body itself may take longer
	DownloadTimeout time.Duration
	// InsecureSkipVerify disables TLS certificate verification. Only for
	// debugging against test deployments.
	InsecureSkipVerify bool
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
		BaseURL:            getEnvOrDefault("ISMR_API_BASE_URL", DefaultBaseURL),
		DownloadEndpoint:   getEnvOrDefault("ISMR_DOWNLOAD_ENDPOINT", DefaultDownloadEndpoint),
		RequestTimeout:     time.Duration(envInt(logger, "ISMR_REQUEST_TIMEOUT", DefaultRequestTimeout)) * time.Second,
		DownloadTimeout:    time.Duration(envInt(logger, "ISMR_DOWNLOAD_TIMEOUT", DefaultDownloadTimeout)) * time.Second,
		InsecureSkipVerify: os.Getenv("ISMR_TLS_SKIP_VERIFY") == "true",
		Logger:             logger,
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("api: base URL is required")
	}
	if c.DownloadEndpoint == "" {
		return fmt.Errorf("api: download endpoint is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("api: logger is required")
	}
	if c.RequestTimeout < 1*time.Second {
		return fmt.Errorf("api: request timeout must be at least 1 second, got %v", c.RequestTimeout)
	}
	if c.DownloadTimeout < 1*time.Second {
		return fmt.Errorf("api: download timeout must be at least 1 second, got %v", c.DownloadTimeout)
	}
	return nil
}

// DownloadURL returns the full metadata endpoint URL.
func (c *Config) DownloadURL() string {
	return c.BaseURL + c.DownloadEndpoint
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
