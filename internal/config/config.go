package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config represents the entire application configuration
type Config struct {
	Env       string          `json:"env"`
	Port      int             `json:"port"`
	AppName   string          `json:"app_name"`
	MongoDB   MongoDBConfig   `json:"mongodb"`
	Redis     RedisConfig     `json:"redis"`
	RabbitMQ  RabbitMQConfig  `json:"rabbitmq"`
	Gemini    GeminiConfig    `json:"gemini"`
	AWS       AWSConfig       `json:"aws"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Webhook   WebhookConfig   `json:"webhook"`
	Batch     BatchConfig     `json:"batch"`
	Logging   LoggingConfig   `json:"logging"`
	CORS      CORSConfig      `json:"cors"`
}

// MongoDBConfig contains MongoDB connection details
type MongoDBConfig struct {
	URI      string `json:"uri"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       string `json:"db"`
}

type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// RabbitMQConfig contains the intake queue connection details
type RabbitMQConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	VHost         string `json:"vhost"`
	ExchangeName  string `json:"exchange_name"`
	QueueName     string `json:"queue_name"`
	PrefetchCount int    `json:"prefetch_count"`
	Enabled       bool   `json:"enabled"`
}

// GeminiConfig contains the AI collaborator client settings
type GeminiConfig struct {
	APIKey            string `json:"api_key"`
	BaseURL           string `json:"base_url"`
	Model             string `json:"model"`
	RequestsPerMinute int    `json:"requests_per_minute"`
	MaxRetries        int    `json:"max_retries"`
	TimeoutSec        int    `json:"timeout_sec"`
}

// AWSConfig contains S3 access for s3:// document origins
type AWSConfig struct {
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Enabled   bool   `json:"enabled"`
}

// SchedulerConfig bounds the background worker pool
type SchedulerConfig struct {
	Workers             int `json:"workers"`
	QueueSize           int `json:"queue_size"`
	TaskTimeoutSec      int `json:"task_timeout_sec"`
	HeartbeatTimeoutSec int `json:"heartbeat_timeout_sec"`
	SweepIntervalSec    int `json:"sweep_interval_sec"`
}

// TaskTimeout returns the per-task execution limit.
func (c SchedulerConfig) TaskTimeout() time.Duration {
	if c.TaskTimeoutSec <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.TaskTimeoutSec) * time.Second
}

// HeartbeatTimeout returns the age after which a worker counts as stuck.
func (c SchedulerConfig) HeartbeatTimeout() time.Duration {
	if c.HeartbeatTimeoutSec <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

// SweepInterval returns how often the stale-worker sweep runs.
func (c SchedulerConfig) SweepInterval() time.Duration {
	if c.SweepIntervalSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// WebhookConfig controls delivery retry behaviour
type WebhookConfig struct {
	MaxAttempts      int `json:"max_attempts"`
	InitialBackoffMS int `json:"initial_backoff_ms"`
	TimeoutSec       int `json:"timeout_sec"`
}

// BatchConfig holds batch completion policy knobs
type BatchConfig struct {
	// When set, a batch with any failed file finishes as failed instead of
	// completed. Default keeps partial failure inside the result payload.
	FailOnPartialFailure bool `json:"fail_on_partial_failure"`
}

// LoggingConfig contains logging-related configurations
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age,omitempty"`
}

// LoadConfig reads configuration from the specified file path
func LoadConfig(filePath string) (*Config, error) {
	configData, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}
