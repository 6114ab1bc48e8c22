// Package config loads process settings from the environment, after an
// optional .env file.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type DBConfig struct {
	URL      string `envconfig:"DATABASE_URL"`
	Username string `envconfig:"DB_USERNAME"`
	Password string `envconfig:"DB_PASSWORD"`
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME"`
}

// ConnString returns DATABASE_URL, or builds one from the DB_* parts.
func (c DBConfig) ConnString() (string, error) {
	if c.URL != "" {
		return c.URL, nil
	}
	if c.Username == "" || c.Password == "" || c.Name == "" {
		return "", fmt.Errorf("DATABASE_URL or DB_USERNAME, DB_PASSWORD and DB_NAME are required")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.Username, c.Password, c.Host, c.Port, c.Name), nil
}

type QueueConfig struct {
	// Backend selects the job runtime: "redis" or "memory".
	Backend                  string `envconfig:"QUEUE_BACKEND" default:"redis"`
	RedisURL                 string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	Prefix                   string `envconfig:"QUEUE_PREFIX" default:"genflow"`
	OrchestrationConcurrency int    `envconfig:"ORCHESTRATION_CONCURRENCY" default:"5"`
}

type RecoveryConfig struct {
	StallThreshold time.Duration `envconfig:"RECOVERY_STALL_THRESHOLD" default:"15m"`
	Interval       time.Duration `envconfig:"RECOVERY_INTERVAL" default:"5m"`
}

type ProviderConfig struct {
	ImageURL      string        `envconfig:"PROVIDER_IMAGE_URL"`
	VideoURL      string        `envconfig:"PROVIDER_VIDEO_URL"`
	LLMURL        string        `envconfig:"PROVIDER_LLM_URL"`
	ProcessingURL string        `envconfig:"PROVIDER_PROCESSING_URL"`
	APIKey        string        `envconfig:"PROVIDER_API_KEY"`
	Timeout       time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"30s"`
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"INFO"`
	Format string `envconfig:"LOG_FORMAT" default:"text"`
}

type Config struct {
	DB          DBConfig       `envconfig:""`
	Queue       QueueConfig    `envconfig:""`
	Recovery    RecoveryConfig `envconfig:""`
	Providers   ProviderConfig `envconfig:""`
	Log         LogConfig      `envconfig:""`
	HTTPPort    string         `envconfig:"PORT" default:"8080"`
	PricingFile string         `envconfig:"PRICING_FILE"`
}

// Load reads .env when present and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the environment only.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %v", err)
	}
	switch cfg.Queue.Backend {
	case "redis", "memory":
	default:
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q (want redis or memory)", cfg.Queue.Backend)
	}
	return &cfg, nil
}
