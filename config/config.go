package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"veritrain-orchestrator/core/gate"
	"veritrain-orchestrator/core/models"
	"veritrain-orchestrator/core/monitoring"
	"veritrain-orchestrator/core/scheduler"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Logging mode: development or production
	Mode string `yaml:"mode"`

	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Storage     StorageConfig     `yaml:"storage"`
	Redis       RedisConfig       `yaml:"redis"`
	JobQueue    QueueConfig       `yaml:"job_queue"`
	QualityGate QualityGateConfig `yaml:"quality_gate"`
	Training    TrainingConfig    `yaml:"training"`
	Monitor     MonitorConfig     `yaml:"monitor"`
}

// ServerConfig holds the HTTP server settings
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the record store. Driver is memory or postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// StorageConfig selects the blob store. Backend is fs or s3.
type StorageConfig struct {
	Backend string   `yaml:"backend"`
	Root    string   `yaml:"root"`
	S3      S3Config `yaml:"s3"`
}

// S3Config holds the S3 blob store settings
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// RedisConfig enables progress push over redis when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Buffer   int    `yaml:"buffer"`
}

// QueueConfig holds the job queue settings
type QueueConfig struct {
	Workers     int            `yaml:"workers"`
	MaxQueued   int            `yaml:"max_queued"`
	Concurrency map[string]int `yaml:"concurrency"`
	Retry       RetryConfig    `yaml:"retry"`
	Retention   time.Duration  `yaml:"retention"`
}

// RetryConfig holds the transient failure retry policy
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
}

// QualityGateConfig holds the promotion policy
type QualityGateConfig struct {
	Thresholds    Thresholds    `yaml:"thresholds"`
	MetricTimeout time.Duration `yaml:"metric_timeout"`
}

// TrainingConfig holds the simulated trainer settings
type TrainingConfig struct {
	EpochDuration time.Duration `yaml:"epoch_duration"`
}

// MonitorConfig holds the supervisor settings
type MonitorConfig struct {
	Interval          time.Duration `yaml:"interval"`
	StallTimeout      time.Duration `yaml:"stall_timeout"`
	ProgressRetention time.Duration `yaml:"progress_retention"`
}

// Thresholds keeps gate thresholds in the order they appear in the file
type Thresholds []gate.Threshold

// UnmarshalYAML reads a mapping of metric name to threshold, preserving order
func (t *Thresholds) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: thresholds must be a mapping of metric to value", node.Line)
	}
	out := make(Thresholds, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		var v float64
		if err := value.Decode(&v); err != nil {
			return fmt.Errorf("line %d: threshold %q: %w", value.Line, key.Value, err)
		}
		out = append(out, gate.Threshold{Metric: key.Value, Value: v})
	}
	*t = out
	return nil
}

// Default returns the configuration used when nothing is configured
func Default() *Config {
	queue := scheduler.DefaultConfig()
	monitor := monitoring.DefaultMonitorConfig()
	concurrency := make(map[string]int, len(queue.Concurrency))
	for kind, n := range queue.Concurrency {
		concurrency[string(kind)] = n
	}
	return &Config{
		Mode: "development",
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{Driver: "memory"},
		Storage: StorageConfig{
			Backend: "fs",
			Root:    "./data",
			S3:      S3Config{Region: "us-east-1"},
		},
		Redis: RedisConfig{Buffer: 256},
		JobQueue: QueueConfig{
			Workers:     queue.Workers,
			MaxQueued:   queue.MaxQueued,
			Concurrency: concurrency,
			Retry: RetryConfig{
				MaxAttempts:   queue.Retry.MaxAttempts,
				BackoffBase:   queue.Retry.BackoffBase,
				BackoffFactor: queue.Retry.BackoffFactor,
				MaxBackoff:    queue.Retry.MaxBackoff,
			},
			Retention: queue.Retention,
		},
		QualityGate: QualityGateConfig{
			Thresholds:    Thresholds(gate.DefaultThresholds()),
			MetricTimeout: 30 * time.Second,
		},
		Training: TrainingConfig{EpochDuration: time.Second},
		Monitor: MonitorConfig{
			Interval:          monitor.Interval,
			StallTimeout:      monitor.StallTimeout,
			ProgressRetention: monitor.ProgressRetention,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (if path is not empty), then environment variables
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Mode = getEnv("LOG_MODE", c.Mode)
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.Driver = getEnv("DATABASE_DRIVER", c.Database.Driver)
	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Root = getEnv("STORAGE_ROOT", c.Storage.Root)
	c.Storage.S3.Bucket = getEnv("S3_BUCKET", c.Storage.S3.Bucket)
	c.Storage.S3.Region = getEnv("AWS_REGION", c.Storage.S3.Region)
	c.Storage.S3.Endpoint = getEnv("S3_ENDPOINT", c.Storage.S3.Endpoint)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.JobQueue.Workers = getEnvInt("JOB_QUEUE_WORKERS", c.JobQueue.Workers)
}

// Validate reports every configuration problem at once
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port == "" {
		problems = append(problems, "server.port is required")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			problems = append(problems, "database.url is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("database.driver must be memory or postgres, got %q", c.Database.Driver))
	}
	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Root == "" {
			problems = append(problems, "storage.root is required for the fs backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			problems = append(problems, "storage.s3.bucket is required for the s3 backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.backend must be fs or s3, got %q", c.Storage.Backend))
	}
	if c.JobQueue.Workers < 1 {
		problems = append(problems, "job_queue.workers must be positive")
	}
	for kind, n := range c.JobQueue.Concurrency {
		if !knownKind(kind) {
			problems = append(problems, fmt.Sprintf("job_queue.concurrency: unknown job kind %q", kind))
		} else if n < 1 {
			problems = append(problems, fmt.Sprintf("job_queue.concurrency.%s must be positive", kind))
		}
	}
	if c.JobQueue.Retry.MaxAttempts < 1 {
		problems = append(problems, "job_queue.retry.max_attempts must be at least 1")
	}
	if c.JobQueue.Retry.BackoffFactor < 1 {
		problems = append(problems, "job_queue.retry.backoff_factor must be at least 1")
	}
	if len(c.QualityGate.Thresholds) == 0 {
		problems = append(problems, "quality_gate.thresholds must name at least one metric")
	}
	seen := make(map[string]bool)
	for _, t := range c.QualityGate.Thresholds {
		if seen[t.Metric] {
			problems = append(problems, fmt.Sprintf("quality_gate.thresholds: %s listed twice", t.Metric))
		}
		seen[t.Metric] = true
	}
	if c.Monitor.Interval <= 0 {
		problems = append(problems, "monitor.interval must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SchedulerConfig returns the job queue settings
func (c *Config) SchedulerConfig() scheduler.Config {
	out := scheduler.DefaultConfig()
	out.Workers = c.JobQueue.Workers
	out.MaxQueued = c.JobQueue.MaxQueued
	out.Retention = c.JobQueue.Retention
	for kind, n := range c.JobQueue.Concurrency {
		out.Concurrency[models.JobKind(kind)] = n
	}
	out.Retry = scheduler.RetryPolicy{
		MaxAttempts:   c.JobQueue.Retry.MaxAttempts,
		BackoffBase:   c.JobQueue.Retry.BackoffBase,
		BackoffFactor: c.JobQueue.Retry.BackoffFactor,
		MaxBackoff:    c.JobQueue.Retry.MaxBackoff,
	}
	return out
}

// MonitorSettings returns the supervisor settings
func (c *Config) MonitorSettings() monitoring.MonitorConfig {
	return monitoring.MonitorConfig{
		Interval:          c.Monitor.Interval,
		StallTimeout:      c.Monitor.StallTimeout,
		ProgressRetention: c.Monitor.ProgressRetention,
	}
}

func knownKind(kind string) bool {
	for _, k := range models.JobKinds {
		if string(k) == kind {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
