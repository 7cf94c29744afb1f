// Package config provides configuration loading and management for the OCPI
// peering service. It handles environment variable parsing and provides
// default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// godotenv.Load() does not override already-set environment variables,
// preserving OS env > .env precedence.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the OCPI peering service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Party registry connection string (PostgreSQL)
	NATSURL     string // NATS server URL for lifecycle events

	// Local party identity
	CountryCode  string // ISO-3166 alpha-2 country code of the local party
	PartyID      string // 3-letter party identifier of the local party
	Roles        []string // Roles the local party plays (CPO, EMSP, ...)
	BusinessName string // Organization name sent in business details
	ExternalURL  string // Public base URL peers use to reach our versions endpoint

	// Provisioning token handed to a peer out of band so it can start the
	// registration handshake against us. Optional.
	BootstrapToken string

	// Outbound call policy
	MaxRetries          int           // Retry budget for retryable outbound calls
	RequestTimeout      time.Duration // Per-attempt timeout for ordinary calls
	RegistrationTimeout time.Duration // Per-attempt timeout for the credentials POST step
	TokenBase64         bool          // Base64-encode outbound tokens (OCPI 2.2+)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort                = "8080"
	defaultEnv                 = "dev"
	defaultMaxRetries          = 3
	defaultRequestTimeout      = 10 * time.Second
	defaultRegistrationTimeout = 30 * time.Second
)

// Load reads environment variables and produces a Config suitable for
// wiring the service. Returns an error if required parameters are missing.
func Load() (Config, error) {
	cfg := Config{
		Env:                 getEnv("OCPI_ENV", defaultEnv),
		Port:                getEnv("OCPI_PORT", defaultPort),
		MaxRetries:          defaultMaxRetries,
		RequestTimeout:      defaultRequestTimeout,
		RegistrationTimeout: defaultRegistrationTimeout,
	}

	if dsn, exists := os.LookupEnv("OCPI_DB_DSN"); exists {
		cfg.DatabaseDSN = dsn
	}

	if natsURL, exists := os.LookupEnv("OCPI_NATS_URL"); exists {
		cfg.NATSURL = natsURL
	}

	cfg.CountryCode = os.Getenv("OCPI_COUNTRY_CODE")
	cfg.PartyID = os.Getenv("OCPI_PARTY_ID")
	cfg.BusinessName = getEnv("OCPI_BUSINESS_NAME", "gridlink")
	cfg.ExternalURL = os.Getenv("OCPI_EXTERNAL_URL")

	if roles, exists := os.LookupEnv("OCPI_ROLES"); exists {
		cfg.Roles = strings.Split(roles, ",")
		for i, role := range cfg.Roles {
			cfg.Roles[i] = strings.ToUpper(strings.TrimSpace(role))
		}
	} else {
		cfg.Roles = []string{"CPO"}
	}

	if maxRetries, exists := os.LookupEnv("OCPI_MAX_RETRIES"); exists {
		if n, err := strconv.Atoi(maxRetries); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}

	if timeout, exists := os.LookupEnv("OCPI_REQUEST_TIMEOUT"); exists {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.RequestTimeout = d
		}
	}

	if timeout, exists := os.LookupEnv("OCPI_REGISTRATION_TIMEOUT"); exists {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.RegistrationTimeout = d
		}
	}

	cfg.BootstrapToken = os.Getenv("OCPI_BOOTSTRAP_TOKEN")

	if base64, exists := os.LookupEnv("OCPI_TOKEN_BASE64"); exists {
		cfg.TokenBase64 = parseBool(base64)
	}

	// Validate required parameters
	if cfg.CountryCode == "" {
		return cfg, fmt.Errorf("OCPI_COUNTRY_CODE is required")
	}
	if cfg.PartyID == "" {
		return cfg, fmt.Errorf("OCPI_PARTY_ID is required")
	}
	if cfg.ExternalURL == "" {
		return cfg, fmt.Errorf("OCPI_EXTERNAL_URL is required")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
