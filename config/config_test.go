package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"veritrain-orchestrator/core/gate"
	"veritrain-orchestrator/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "fs", cfg.Storage.Backend)
	assert.Equal(t, Thresholds(gate.DefaultThresholds()), cfg.QualityGate.Thresholds)

	sched := cfg.SchedulerConfig()
	assert.Equal(t, 4, sched.Concurrency[models.JobKindQualityGate])
	assert.Equal(t, 1, sched.Concurrency[models.JobKindTrain])
	assert.Equal(t, 3, sched.Retry.MaxAttempts)
}

func TestLoadFilePreservesThresholdOrder(t *testing.T) {
	path := writeConfig(t, `
quality_gate:
  thresholds:
    language_consistency: 0.95
    alignment_rate: 0.85
    duplicate_rate: 0.1
  metric_timeout: 10s
job_queue:
  concurrency:
    train: 2
  retry:
    max_attempts: 5
    backoff_base: 2s
    backoff_factor: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Thresholds{
		{Metric: gate.MetricLanguageConsistency, Value: 0.95},
		{Metric: gate.MetricAlignmentRate, Value: 0.85},
		{Metric: gate.MetricDuplicateRate, Value: 0.1},
	}, cfg.QualityGate.Thresholds)
	assert.Equal(t, 10*time.Second, cfg.QualityGate.MetricTimeout)

	sched := cfg.SchedulerConfig()
	assert.Equal(t, 2, sched.Concurrency[models.JobKindTrain])
	// kinds not named in the file keep their defaults
	assert.Equal(t, 4, sched.Concurrency[models.JobKindQualityGate])
	assert.Equal(t, 5, sched.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, sched.Retry.BackoffBase)
	assert.Equal(t, 3.0, sched.Retry.BackoffFactor)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"9000\"\n")
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/veritrain?sslmode=disable")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown kind", "job_queue:\n  concurrency:\n    render: 1\n", `unknown job kind "render"`},
		{"zero limit", "job_queue:\n  concurrency:\n    train: 0\n", "job_queue.concurrency.train must be positive"},
		{"postgres without url", "database:\n  driver: postgres\n", "database.url is required"},
		{"s3 without bucket", "storage:\n  backend: s3\n", "storage.s3.bucket is required"},
		{"empty thresholds", "quality_gate:\n  thresholds: {}\n", "at least one metric"},
		{"thresholds as list", "quality_gate:\n  thresholds: [0.8]\n", "thresholds must be a mapping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
