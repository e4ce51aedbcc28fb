// Package config handles agent configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all agent configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Identity
	DeviceID string
	OrgID    string

	// Database: PostgreSQL connection string (optional, in-memory if not set)
	DatabaseURL string

	// Remote authority
	RemoteBaseURL string
	RemoteToken   string

	// Verification pipeline
	SampleEvery     int     // process every Nth camera frame
	MatchThreshold  float64 // minimum face-match confidence
	GeofenceLat     float64
	GeofenceLng     float64
	GeofenceRadiusM float64

	// Scheduling
	SyncInterval      time.Duration
	ReconcileInterval time.Duration
	ConnectivityPoll  time.Duration

	// Notifications
	WebhookURL    string // optional push notification endpoint
	WebhookSecret string

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultSampleEvery       = 60
	DefaultMatchThreshold    = 0.85
	DefaultGeofenceRadiusM   = 150
	DefaultSyncInterval      = 30 * time.Second
	DefaultReconcileInterval = time.Minute
	DefaultConnectivityPoll  = 15 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DeviceID:          os.Getenv("DEVICE_ID"),
		OrgID:             os.Getenv("ORG_ID"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RemoteBaseURL:     os.Getenv("REMOTE_BASE_URL"),
		RemoteToken:       os.Getenv("REMOTE_TOKEN"),
		SampleEvery:       getEnvInt("SAMPLE_EVERY", DefaultSampleEvery),
		MatchThreshold:    getEnvFloat("MATCH_THRESHOLD", DefaultMatchThreshold),
		GeofenceLat:       getEnvFloat("GEOFENCE_LAT", 0),
		GeofenceLng:       getEnvFloat("GEOFENCE_LNG", 0),
		GeofenceRadiusM:   getEnvFloat("GEOFENCE_RADIUS_M", DefaultGeofenceRadiusM),
		SyncInterval:      getEnvDuration("SYNC_INTERVAL", DefaultSyncInterval),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ConnectivityPoll:  getEnvDuration("CONNECTIVITY_POLL", DefaultConnectivityPoll),
		WebhookURL:        os.Getenv("WEBHOOK_URL"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("DEVICE_ID is required")
	}
	if c.OrgID == "" {
		return fmt.Errorf("ORG_ID is required")
	}
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("REMOTE_BASE_URL is required")
	}
	if c.SampleEvery < 1 {
		return fmt.Errorf("SAMPLE_EVERY must be >= 1, got %d", c.SampleEvery)
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold > 1 {
		return fmt.Errorf("MATCH_THRESHOLD must be in (0, 1], got %v", c.MatchThreshold)
	}
	if c.GeofenceRadiusM <= 0 {
		return fmt.Errorf("GEOFENCE_RADIUS_M must be positive, got %v", c.GeofenceRadiusM)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
