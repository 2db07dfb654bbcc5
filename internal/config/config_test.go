package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Port:                 "8080",
		Env:                  "development",
		LogLevel:             "info",
		LogFormat:            "text",
		RateLimitPerMinute:   100,
		PositionTTL:          time.Minute,
		ZoneTTL:              2 * time.Minute,
		RouteCacheTTL:        time.Hour,
		CrimeCacheTTL:        24 * time.Hour,
		AggregationInterval:  10 * time.Second,
		RadarRefreshInterval: 5 * time.Second,
		SweepInterval:        15 * time.Second,
		SOSMaxDuration:       2 * time.Hour,
		AnonymizerRotation:   24 * time.Hour,
		UpstreamTimeout:      2 * time.Second,
		AuthTokenTTL:         24 * time.Hour,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 60*time.Second, cfg.PositionTTL)
	assert.Equal(t, 120*time.Second, cfg.ZoneTTL)
	assert.Equal(t, time.Hour, cfg.RouteCacheTTL)
	assert.Equal(t, 24*time.Hour, cfg.CrimeCacheTTL)
	assert.Equal(t, 10*time.Second, cfg.AggregationInterval)
	assert.Equal(t, 5*time.Second, cfg.RadarRefreshInterval)
	assert.Equal(t, 2*time.Hour, cfg.SOSMaxDuration)
	assert.Equal(t, 100, cfg.RateLimitPerMinute)
	assert.Equal(t, "nirbhaya.", cfg.KafkaTopicPrefix)
	assert.Equal(t, 24*time.Hour, cfg.AuthTokenTTL)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "KAFKA_BROKERS", "k1:9092, ,k2:9092")
	setEnv(t, "RADAR_REFRESH_INTERVAL", "2s")
	setEnv(t, "RATE_LIMIT_PER_MINUTE", "30")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers())
	assert.Equal(t, 2*time.Second, cfg.RadarRefreshInterval)
	assert.Equal(t, 30, cfg.RateLimitPerMinute)
}

func TestLoad_BadDuration(t *testing.T) {
	setEnv(t, "POSITION_TTL", "sixty")

	_, err := Load()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"unknown env", func(c *Config) { c.Env = "qa" }, "ENV must be"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"zero rate limit", func(c *Config) { c.RateLimitPerMinute = 0 }, "RATE_LIMIT_PER_MINUTE"},
		{"zero ttl", func(c *Config) { c.PositionTTL = 0 }, "POSITION_TTL must be positive"},
		{"sos shorter than refresh", func(c *Config) { c.SOSMaxDuration = time.Second }, "SOS_MAX_DURATION"},
		{"relative upstream url", func(c *Config) { c.CrimeURL = "/incidents" }, "CRIME_URL"},
		{"production needs secret", func(c *Config) { c.Env = "production" }, "ANONYMIZER_SECRET"},
		{"production needs auth secret", func(c *Config) { c.Env = "production"; c.AnonymizerSecret = "s3cret" }, "AUTH_SECRET is required"},
		{"short auth secret", func(c *Config) { c.AuthSecret = "short" }, "AUTH_SECRET must be at least 32 bytes"},
		{"zero token ttl", func(c *Config) { c.AuthTokenTTL = 0 }, "AUTH_TOKEN_TTL"},
		{"production with secrets", func(c *Config) {
			c.Env = "production"
			c.AnonymizerSecret = "s3cret"
			c.AuthSecret = "0123456789abcdef0123456789abcdef"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}
