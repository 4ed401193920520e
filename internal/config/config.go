// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	LogLevel      string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS"`
	ConsumerGroup string   `mapstructure:"CONSUMER_GROUP"`
	// TopicReplication is the replication factor of topics the services create
	TopicReplication int16    `mapstructure:"TOPIC_REPLICATION"`
	APIKeys          []string `mapstructure:"API_KEYS"`
	OTLPEndpoint     string   `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate  float64  `mapstructure:"TRACE_SAMPLE_RATE"`
	NodeID           int64    `mapstructure:"NODE_ID"`
	RandomSeed       uint64   `mapstructure:"RANDOM_SEED"`
	Workers          int      `mapstructure:"WORKERS"`
	QueueSize        int      `mapstructure:"QUEUE_SIZE"`

	ReceivedDelay        time.Duration `mapstructure:"RECEIVED_DELAY"`
	ValidatedDelay       time.Duration `mapstructure:"VALIDATED_DELAY"`
	DecisionDelay        time.Duration `mapstructure:"DECISION_DELAY"`
	AppealReviewDelay    time.Duration `mapstructure:"APPEAL_REVIEW_DELAY"`
	PaymentInterval      time.Duration `mapstructure:"PAYMENT_INTERVAL"`
	FollowUpInterval     time.Duration `mapstructure:"FOLLOWUP_INTERVAL"`
	ProcessingStaleAfter time.Duration `mapstructure:"PROCESSING_STALE_AFTER"`
	DeniedStaleAfter     time.Duration `mapstructure:"DENIED_STALE_AFTER"`
	MaxResubmissions     int           `mapstructure:"MAX_RESUBMISSIONS"`
	AcceptWeight         int           `mapstructure:"ACCEPT_WEIGHT"`
	DenyWeight           int           `mapstructure:"DENY_WEIGHT"`
	RejectWeight         int           `mapstructure:"REJECT_WEIGHT"`
	AppealApprovalRate   float64       `mapstructure:"APPEAL_APPROVAL_RATE"`
	PaymentSuccessRate   float64       `mapstructure:"PAYMENT_SUCCESS_RATE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "KAFKA_BROKERS",
	"CONSUMER_GROUP", "TOPIC_REPLICATION", "API_KEYS", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE", "NODE_ID",
	"RANDOM_SEED", "WORKERS", "QUEUE_SIZE", "RECEIVED_DELAY", "VALIDATED_DELAY",
	"DECISION_DELAY", "APPEAL_REVIEW_DELAY", "PAYMENT_INTERVAL", "FOLLOWUP_INTERVAL",
	"PROCESSING_STALE_AFTER", "DENIED_STALE_AFTER", "MAX_RESUBMISSIONS",
	"ACCEPT_WEIGHT", "DENY_WEIGHT", "REJECT_WEIGHT", "APPEAL_APPROVAL_RATE",
	"PAYMENT_SUCCESS_RATE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("CONSUMER_GROUP", "charge-intake")
	v.SetDefault("TOPIC_REPLICATION", 1)
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("RANDOM_SEED", 0)
	v.SetDefault("WORKERS", 16)
	v.SetDefault("QUEUE_SIZE", 4096)
	v.SetDefault("RECEIVED_DELAY", "2s")
	v.SetDefault("VALIDATED_DELAY", "3s")
	v.SetDefault("DECISION_DELAY", "5s")
	v.SetDefault("APPEAL_REVIEW_DELAY", "10s")
	v.SetDefault("PAYMENT_INTERVAL", "30s")
	v.SetDefault("FOLLOWUP_INTERVAL", "1h")
	v.SetDefault("PROCESSING_STALE_AFTER", "72h")
	v.SetDefault("DENIED_STALE_AFTER", "168h")
	v.SetDefault("MAX_RESUBMISSIONS", 2)
	v.SetDefault("ACCEPT_WEIGHT", 75)
	v.SetDefault("DENY_WEIGHT", 15)
	v.SetDefault("REJECT_WEIGHT", 10)
	v.SetDefault("APPEAL_APPROVAL_RATE", 0.3)
	v.SetDefault("PAYMENT_SUCCESS_RATE", 0.95)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// The .env file is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.APIKeys = splitList(v.GetString("API_KEYS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsePostgres reports whether a database is configured; otherwise the
// in-memory ledger is used.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.IsProduction() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required in production")
	}
	for name, d := range map[string]time.Duration{
		"RECEIVED_DELAY":      c.ReceivedDelay,
		"VALIDATED_DELAY":     c.ValidatedDelay,
		"DECISION_DELAY":      c.DecisionDelay,
		"APPEAL_REVIEW_DELAY": c.AppealReviewDelay,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	if c.PaymentInterval <= 0 || c.FollowUpInterval <= 0 {
		return fmt.Errorf("PAYMENT_INTERVAL and FOLLOWUP_INTERVAL must be positive")
	}
	if c.MaxResubmissions < 0 {
		return fmt.Errorf("MAX_RESUBMISSIONS must not be negative, got %d", c.MaxResubmissions)
	}
	if c.AcceptWeight < 0 || c.DenyWeight < 0 || c.RejectWeight < 0 ||
		c.AcceptWeight+c.DenyWeight+c.RejectWeight == 0 {
		return fmt.Errorf("decision weights must be non-negative with a positive sum")
	}
	for name, rate := range map[string]float64{
		"APPEAL_APPROVAL_RATE": c.AppealApprovalRate,
		"PAYMENT_SUCCESS_RATE": c.PaymentSuccessRate,
		"TRACE_SAMPLE_RATE":    c.TraceSampleRate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, rate)
		}
	}
	if c.TopicReplication < 1 {
		return fmt.Errorf("TOPIC_REPLICATION must be at least 1, got %d", c.TopicReplication)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("NODE_ID must be within [0,1023], got %d", c.NodeID)
	}
	return nil
}
