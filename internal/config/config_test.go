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

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Unsetenv(key)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Port:              "5000",
		MLPredictURL:      DefaultMLPredictURL,
		MLTimeout:         DefaultMLTimeout,
		RuleThreshold:     DefaultRuleThreshold,
		VelocityWindow:    DefaultVelocityWindow,
		FailureWindow:     DefaultFailureWindow,
		HistoryLimit:      DefaultHistoryLimit,
		KnownFraudIPLimit: DefaultKnownFraudIPLimit,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "")
	setEnv(t, "RULE_THRESHOLD", "")
	setEnv(t, "KAFKA_BROKERS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultRuleThreshold, cfg.RuleThreshold)
	assert.Equal(t, DefaultReportingEntityID, cfg.ReportingEntityID)
	assert.Equal(t, DefaultHighRiskCountries, cfg.HighRiskCountries)
	assert.Equal(t, DefaultKafkaTopic, cfg.KafkaTopic)
	assert.False(t, cfg.KafkaEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "RULE_THRESHOLD", "0.55")
	setEnv(t, "VELOCITY_WINDOW", "30m")
	setEnv(t, "FAILURE_WINDOW", "3600")
	setEnv(t, "HIGH_RISK_COUNTRIES", "KP, SY ,")
	setEnv(t, "KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	setEnv(t, "AUTO_MIGRATE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.InDelta(t, 0.55, cfg.RuleThreshold, 1e-9)
	assert.Equal(t, 30*time.Minute, cfg.VelocityWindow)
	assert.Equal(t, time.Hour, cfg.FailureWindow)
	assert.Equal(t, []string{"KP", "SY"}, cfg.HighRiskCountries)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.KafkaEnabled())
	assert.True(t, cfg.AutoMigrate)
}

func TestLoad_GeoLookupURL(t *testing.T) {
	unsetEnv(t, "GEO_LOOKUP_URL")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultGeoLookupURL, cfg.GeoLookupURL)

	setEnv(t, "GEO_LOOKUP_URL", "")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.GeoLookupURL, "explicitly empty disables lookups")

	setEnv(t, "GEO_LOOKUP_URL", "http://geo.internal:8080")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "http://geo.internal:8080", cfg.GeoLookupURL)

	setEnv(t, "GEO_LOOKUP_URL", "geo.internal")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_InvalidThreshold(t *testing.T) {
	setEnv(t, "RULE_THRESHOLD", "1.5")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RULE_THRESHOLD")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing port",
			mutate:  func(c *Config) { c.Port = "" },
			wantErr: "PORT is required",
		},
		{
			name:    "missing ML URL",
			mutate:  func(c *Config) { c.MLPredictURL = "" },
			wantErr: "ML_PREDICT_URL is required",
		},
		{
			name:    "relative ML URL",
			mutate:  func(c *Config) { c.MLPredictURL = "/predict" },
			wantErr: "absolute URL",
		},
		{
			name:    "non-http notify URL",
			mutate:  func(c *Config) { c.NotifyURL = "ftp://sms.example.com" },
			wantErr: "http or https",
		},
		{
			name:    "zero threshold",
			mutate:  func(c *Config) { c.RuleThreshold = 0 },
			wantErr: "RULE_THRESHOLD",
		},
		{
			name:    "negative velocity window",
			mutate:  func(c *Config) { c.VelocityWindow = -time.Second },
			wantErr: "VELOCITY_WINDOW",
		},
		{
			name:    "zero history limit",
			mutate:  func(c *Config) { c.HistoryLimit = 0 },
			wantErr: "HISTORY_LIMIT",
		},
		{
			name: "kafka without topic",
			mutate: func(c *Config) {
				c.KafkaBrokers = []string{"localhost:9092"}
				c.KafkaTopic = ""
			},
			wantErr: "KAFKA_TOPIC",
		},
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

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, 42, getEnvInt("TEST_INT", 0))
	assert.Equal(t, 99, getEnvInt("NONEXISTENT_VAR", 99))
	assert.Equal(t, 99, getEnvInt("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_SECS", "15")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", 0))
	assert.Equal(t, 15*time.Second, getEnvDuration("TEST_SECS", 0))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_BAD_DUR", time.Minute))
}

func TestGetEnvList_OnlySeparators(t *testing.T) {
	setEnv(t, "TEST_LIST", " , ,")
	assert.Equal(t, []string{"x"}, getEnvList("TEST_LIST", []string{"x"}))
}
