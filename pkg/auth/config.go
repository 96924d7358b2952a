package auth

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
	// DefaultLoginURL is the ISMR token-issuing endpoint
	DefaultLoginURL = "https://api-ismrquerytool.fct.unesp.br/api/v1/user/token"
	// DefaultTokenFile is where the acquired token is cached between runs
	DefaultTokenFile = ".token.json"
	// DefaultRequestTimeout is the timeout in seconds for login requests
	DefaultRequestTimeout = 20
	// DefaultTokenTTL is assumed when the API omits an expiry
	DefaultTokenTTL = 3 * time.Hour
)

// Config holds the authenticator settings.
// Environment variables:
//   - ISMR_EMAIL: account email (required)
//   - ISMR_PASSWORD: account password (required)
//   - ISMR_LOGIN_URL: token endpoint URL (default: production API)
//   - ISMR_TOKEN_FILE: token cache path (default: .token.json)
//   - ISMR_AUTH_TIMEOUT: login request timeout in seconds (default: 20)
type Config struct {
	// LoginURL is the token-issuing endpoint
	LoginURL string
	// Email is the account email used to request tokens
	Email string
	// Password is the account password used to request tokens
	Password string
	// TokenFile is the on-disk token cache path; empty disables caching
	TokenFile string
	// RequestTimeout bounds each login request
	RequestTimeout time.Duration
	// TokenTTL is the assumed validity when the API omits expires_at
	TokenTTL time.Duration
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

	timeout := DefaultRequestTimeout
	if v := os.Getenv("ISMR_AUTH_TIMEOUT"); v != "" {
		if t, err := strconv.Atoi(v); err == nil {
			timeout = t
		} else {
			logger.WithFields(logrus.Fields{
				"value":   v,
				"default": DefaultRequestTimeout,
			}).Warn("Failed to parse ISMR_AUTH_TIMEOUT, using default")
		}
	}

	config := &Config{
		LoginURL:       getEnvOrDefault("ISMR_LOGIN_URL", DefaultLoginURL),
		Email:          os.Getenv("ISMR_EMAIL"),
		Password:       os.Getenv("ISMR_PASSWORD"),
		TokenFile:      getEnvOrDefault("ISMR_TOKEN_FILE", DefaultTokenFile),
		RequestTimeout: time.Duration(timeout) * time.Second,
		TokenTTL:       DefaultTokenTTL,
		Logger:         logger,
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.LoginURL == "" {
		return fmt.Errorf("auth: login URL is required")
	}
	if c.Email == "" || c.Password == "" {
		return fmt.Errorf("auth: email and password are required")
	}
	if c.Logger == nil {
		return fmt.Errorf("auth: logger is required")
	}
	if c.RequestTimeout < 1*time.Second {
		return fmt.Errorf("auth: request timeout must be at least 1 second, got %v", c.RequestTimeout)
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
