// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // apply goose migrations at startup

	// Upstream collaborators
	MLPredictURL  string
	MLTimeout     time.Duration
	GeoLookupURL  string // empty disables lookups; every IP resolves to Unknown
	GeoTimeout    time.Duration
	NotifyURL     string // SMS gateway; notifications are only logged when empty
	NotifySecret  string // HMAC secret for signing gateway requests
	NotifyFrom    string
	NotifyTimeout time.Duration

	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Risk assessment
	ReportingEntityID    string
	RuleThreshold        float64
	VelocityWindow       time.Duration
	FailureWindow        time.Duration
	HistoryLimit         int
	KnownFraudIPLimit    int
	HighRiskCountries    []string
	HighRiskPaymentModes []string
	HighRiskChannels     []string

	// Kafka ingestion (disabled when no brokers are set)
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Observability
	OTLPEndpoint string

	// HTTP hardening
	RateLimitRPM int
	CORSOrigins  []string
}

// Defaults
const (
	DefaultPort              = "5000"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultMLPredictURL      = "http://localhost:5001/predict"
	DefaultMLTimeout         = 5 * time.Second
	DefaultGeoLookupURL      = "https://ipapi.co"
	DefaultGeoTimeout        = 3 * time.Second
	DefaultNotifyTimeout     = 10 * time.Second
	DefaultBreakerThreshold  = 5
	DefaultBreakerCooldown   = 30 * time.Second
	DefaultReportingEntityID = "SEBI - ID"
	DefaultRuleThreshold     = 0.7
	DefaultVelocityWindow    = 60 * time.Minute
	DefaultFailureWindow     = 24 * time.Hour
	DefaultHistoryLimit      = 50
	DefaultKnownFraudIPLimit = 1000
	DefaultKafkaTopic        = "transaction-requests"
	DefaultKafkaGroupID      = "fraud-detection-consumer-group"
	DefaultRateLimitRPM      = 600
	DefaultCORSOrigin        = "http://localhost:5173"
)

var (
	DefaultHighRiskCountries    = []string{"PK", "US", "IR", "BY", "RU"}
	DefaultHighRiskPaymentModes = []string{"cryptocurrency", "wire_transfer", "gift_card"}
	DefaultHighRiskChannels     = []string{"api", "third_party_processor"}
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		AutoMigrate:          getEnvBool("AUTO_MIGRATE", false),
		MLPredictURL:         getEnv("ML_PREDICT_URL", DefaultMLPredictURL),
		MLTimeout:            getEnvDuration("ML_TIMEOUT", DefaultMLTimeout),
		GeoLookupURL:         getEnvOrUnset("GEO_LOOKUP_URL", DefaultGeoLookupURL),
		GeoTimeout:           getEnvDuration("GEO_TIMEOUT", DefaultGeoTimeout),
		NotifyURL:            os.Getenv("NOTIFY_URL"),
		NotifySecret:         os.Getenv("NOTIFY_SECRET"),
		NotifyFrom:           os.Getenv("NOTIFY_FROM"),
		NotifyTimeout:        getEnvDuration("NOTIFY_TIMEOUT", DefaultNotifyTimeout),
		BreakerThreshold:     getEnvInt("BREAKER_THRESHOLD", DefaultBreakerThreshold),
		BreakerCooldown:      getEnvDuration("BREAKER_COOLDOWN", DefaultBreakerCooldown),
		ReportingEntityID:    getEnv("REPORTING_ENTITY_ID", DefaultReportingEntityID),
		RuleThreshold:        getEnvFloat("RULE_THRESHOLD", DefaultRuleThreshold),
		VelocityWindow:       getEnvDuration("VELOCITY_WINDOW", DefaultVelocityWindow),
		FailureWindow:        getEnvDuration("FAILURE_WINDOW", DefaultFailureWindow),
		HistoryLimit:         getEnvInt("HISTORY_LIMIT", DefaultHistoryLimit),
		KnownFraudIPLimit:    getEnvInt("KNOWN_FRAUD_IP_LIMIT", DefaultKnownFraudIPLimit),
		HighRiskCountries:    getEnvList("HIGH_RISK_COUNTRIES", DefaultHighRiskCountries),
		HighRiskPaymentModes: getEnvList("HIGH_RISK_PAYMENT_MODES", DefaultHighRiskPaymentModes),
		HighRiskChannels:     getEnvList("HIGH_RISK_CHANNELS", DefaultHighRiskChannels),
		KafkaBrokers:         getEnvList("KAFKA_BROKERS", nil),
		KafkaTopic:           getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		KafkaGroupID:         getEnv("KAFKA_GROUP_ID", DefaultKafkaGroupID),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:         getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		CORSOrigins:          getEnvList("CORS_ORIGINS", []string{DefaultCORSOrigin}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	if c.MLPredictURL == "" {
		return fmt.Errorf("ML_PREDICT_URL is required")
	}
	if err := validateURL("ML_PREDICT_URL", c.MLPredictURL); err != nil {
		return err
	}
	if c.NotifyURL != "" {
		if err := validateURL("NOTIFY_URL", c.NotifyURL); err != nil {
			return err
		}
	}
	if c.GeoLookupURL != "" {
		if err := validateURL("GEO_LOOKUP_URL", c.GeoLookupURL); err != nil {
			return err
		}
	}

	if c.RuleThreshold <= 0 || c.RuleThreshold > 1 {
		return fmt.Errorf("RULE_THRESHOLD must be in (0, 1], got %v", c.RuleThreshold)
	}
	if c.VelocityWindow <= 0 {
		return fmt.Errorf("VELOCITY_WINDOW must be positive")
	}
	if c.FailureWindow <= 0 {
		return fmt.Errorf("FAILURE_WINDOW must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive")
	}
	if c.KnownFraudIPLimit <= 0 {
		return fmt.Errorf("KNOWN_FRAUD_IP_LIMIT must be positive")
	}
	if c.MLTimeout <= 0 {
		return fmt.Errorf("ML_TIMEOUT must be positive")
	}

	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// KafkaEnabled reports whether Kafka ingestion should be started.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Helper functions

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", key)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https", key)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrUnset falls back to defaultValue only when key is not set at all,
// so an explicitly empty value switches the feature off.
func getEnvOrUnset(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "1h") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
