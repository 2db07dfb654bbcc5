// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Backing services. Each is optional; an unset URL selects the
	// in-memory implementation.
	DatabaseURL      string   `env:"DATABASE_URL"`
	MigrateOnStart   bool     `env:"MIGRATE_ON_START" envDefault:"false"`
	RedisURL         string   `env:"REDIS_URL"`
	KafkaBrokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopicPrefix string   `env:"KAFKA_TOPIC_PREFIX" envDefault:"nirbhaya."`
	OTLPEndpoint     string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Collaborators
	DirectionsURL   string        `env:"DIRECTIONS_URL"`
	CrimeURL        string        `env:"CRIME_URL"`
	PlacesURL       string        `env:"PLACES_URL"`
	ImageryURL      string        `env:"IMAGERY_URL"`
	UpstreamAPIKey  string        `env:"UPSTREAM_API_KEY"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"2s"`

	// Security
	RateLimitPerMinute int      `env:"RATE_LIMIT_PER_MINUTE" envDefault:"100"`
	CORSOrigins        []string `env:"CORS_ORIGINS" envSeparator:","`
	AnonymizerSecret   string   `env:"ANONYMIZER_SECRET"`
	AuthSecret         string   `env:"AUTH_SECRET"`      // signs device tokens, at least 32 bytes
	OperatorAPIKey     string   `env:"OPERATOR_API_KEY"` // empty disables operator routes

	// Lifetimes and cadences
	PositionTTL          time.Duration `env:"POSITION_TTL" envDefault:"60s"`
	ZoneTTL              time.Duration `env:"ZONE_TTL" envDefault:"120s"`
	RouteCacheTTL        time.Duration `env:"ROUTE_CACHE_TTL" envDefault:"1h"`
	CrimeCacheTTL        time.Duration `env:"CRIME_CACHE_TTL" envDefault:"24h"`
	AggregationInterval  time.Duration `env:"AGGREGATION_INTERVAL" envDefault:"10s"`
	RadarRefreshInterval time.Duration `env:"RADAR_REFRESH_INTERVAL" envDefault:"5s"`
	SweepInterval        time.Duration `env:"SWEEP_INTERVAL" envDefault:"15s"`
	SOSMaxDuration       time.Duration `env:"SOS_MAX_DURATION" envDefault:"2h"`
	AnonymizerRotation   time.Duration `env:"ANONYMIZER_ROTATION" envDefault:"24h"`
	AuthTokenTTL         time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"24h"`
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that values are usable
func (c *Config) Validate() error {
	var errs []error

	switch c.Env {
	case "development", "staging", "production":
	default:
		errs = append(errs, fmt.Errorf("ENV must be development, staging or production, got %q", c.Env))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if c.RateLimitPerMinute <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_MINUTE must be positive"))
	}

	for name, d := range map[string]time.Duration{
		"POSITION_TTL":           c.PositionTTL,
		"ZONE_TTL":               c.ZoneTTL,
		"ROUTE_CACHE_TTL":        c.RouteCacheTTL,
		"CRIME_CACHE_TTL":        c.CrimeCacheTTL,
		"AGGREGATION_INTERVAL":   c.AggregationInterval,
		"RADAR_REFRESH_INTERVAL": c.RadarRefreshInterval,
		"SWEEP_INTERVAL":         c.SweepInterval,
		"SOS_MAX_DURATION":       c.SOSMaxDuration,
		"ANONYMIZER_ROTATION":    c.AnonymizerRotation,
		"UPSTREAM_TIMEOUT":       c.UpstreamTimeout,
		"AUTH_TOKEN_TTL":         c.AuthTokenTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.SOSMaxDuration > 0 && c.SOSMaxDuration < c.RadarRefreshInterval {
		errs = append(errs, errors.New("SOS_MAX_DURATION must be at least one radar refresh"))
	}

	for name, raw := range map[string]string{
		"DIRECTIONS_URL": c.DirectionsURL,
		"CRIME_URL":      c.CrimeURL,
		"PLACES_URL":     c.PlacesURL,
		"IMAGERY_URL":    c.ImageryURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL", name))
		}
	}

	if c.IsProduction() && c.AnonymizerSecret == "" {
		errs = append(errs, errors.New("ANONYMIZER_SECRET is required in production"))
	}
	if c.AuthSecret != "" && len(c.AuthSecret) < 32 {
		errs = append(errs, errors.New("AUTH_SECRET must be at least 32 bytes"))
	}
	if c.IsProduction() && c.AuthSecret == "" {
		errs = append(errs, errors.New("AUTH_SECRET is required in production"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Brokers returns the Kafka broker list with blanks dropped.
func (c *Config) Brokers() []string {
	out := make([]string, 0, len(c.KafkaBrokers))
	for _, b := range c.KafkaBrokers {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
