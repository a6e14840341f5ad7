package monitoring

import (
	"context"
	"fmt"
	"time"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/experiment"
	"veritrain-orchestrator/core/logger"
	"veritrain-orchestrator/core/models"
	"veritrain-orchestrator/core/progress"
	"veritrain-orchestrator/core/repository"
)

// JobLookup is the view of the job queue the monitor needs
type JobLookup interface {
	Get(jobID string) (*models.Job, error)
	Cancel(jobID string) bool
}

// MonitorConfig holds the monitor settings
type MonitorConfig struct {
	Interval          time.Duration
	StallTimeout      time.Duration // 0 disables stall detection
	ProgressRetention time.Duration
}

// DefaultMonitorConfig returns the default monitor settings
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:          30 * time.Second,
		StallTimeout:      30 * time.Minute,
		ProgressRetention: time.Hour,
	}
}

// JobMonitor fails running experiments whose train job is gone, finished
// without settling the experiment, or stopped reporting progress
type JobMonitor struct {
	experiments repository.ExperimentStore
	jobs        JobLookup
	machine     *experiment.Machine
	publisher   *progress.Publisher
	cfg         MonitorConfig
	log         *logger.Logger
	now         func() time.Time
}

// NewJobMonitor creates a new job monitor
func NewJobMonitor(
	experiments repository.ExperimentStore,
	jobs JobLookup,
	machine *experiment.Machine,
	publisher *progress.Publisher,
	cfg MonitorConfig,
	log *logger.Logger,
) *JobMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &JobMonitor{
		experiments: experiments,
		jobs:        jobs,
		machine:     machine,
		publisher:   publisher,
		cfg:         cfg,
		log:         log.With("component", "job_monitor"),
		now:         time.Now,
	}
}

// Start runs the monitoring loop until ctx is done
func (jm *JobMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(jm.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jm.Sweep(ctx)
		}
	}
}

// Sweep checks every running experiment once and returns how many were failed
func (jm *JobMonitor) Sweep(ctx context.Context) int {
	status := models.ExperimentStatusRunning
	running, err := jm.experiments.FindExperiments(ctx, repository.ExperimentFilter{Status: &status})
	if err != nil {
		jm.log.Warn("failed to fetch running experiments", "error", err)
		return 0
	}

	failed := 0
	for _, e := range running {
		if e.JobHandle == nil {
			jm.log.Warn("running experiment has no job", "experiment_id", e.ID)
			continue
		}
		if cause := jm.checkExperiment(e); cause != nil {
			if jm.fail(ctx, e, cause) {
				failed++
			}
		}
	}
	if jm.cfg.ProgressRetention > 0 {
		if pruned := jm.publisher.Prune(jm.cfg.ProgressRetention); pruned > 0 {
			jm.log.Debug("pruned progress topics", "count", pruned)
		}
	}
	return failed
}

// checkExperiment returns why the experiment must be failed, or nil if it is healthy
func (jm *JobMonitor) checkExperiment(e *models.Experiment) error {
	job, err := jm.jobs.Get(*e.JobHandle)
	if err != nil {
		return apperr.New(apperr.CodeFatal, "job %s is unknown to the queue", *e.JobHandle)
	}
	if job.State.Terminal() {
		return apperr.New(apperr.CodeFatal, "job %s ended as %s without settling the experiment", job.ID, job.State)
	}
	if jm.cfg.StallTimeout > 0 && job.State == models.JobStateRunning {
		last := lastActivity(e, job)
		if idle := jm.now().Sub(last); idle > jm.cfg.StallTimeout {
			return apperr.New(apperr.CodeFatal, "no progress for %s", idle.Truncate(time.Second))
		}
	}
	return nil
}

func (jm *JobMonitor) fail(ctx context.Context, e *models.Experiment, cause error) bool {
	jobID := *e.JobHandle
	if _, err := jm.machine.Fail(ctx, e.ID, jobID, cause); err != nil {
		// settled concurrently by its own job or a stop
		jm.log.Debug("experiment already settled", "experiment_id", e.ID, "error", err)
		return false
	}
	jm.jobs.Cancel(jobID)
	jm.publisher.Finish(e.ID)
	jm.log.Warn("failed unhealthy experiment", "experiment_id", e.ID, "job_id", jobID, "reason", cause)
	return true
}

func lastActivity(e *models.Experiment, job *models.Job) time.Time {
	last := job.SubmittedAt
	if job.StartedAt != nil {
		last = *job.StartedAt
	}
	if e.Progress != nil && e.Progress.LastUpdate.After(last) {
		last = e.Progress.LastUpdate
	}
	return last
}

// RunMetrics is a point-in-time view of one experiment's run
type RunMetrics struct {
	ExperimentID string                  `json:"experiment_id"`
	Status       models.ExperimentStatus `json:"status"`
	JobState     models.JobState         `json:"job_state,omitempty"`
	Attempts     int                     `json:"attempts,omitempty"`
	CurrentEpoch int                     `json:"current_epoch"`
	TotalEpochs  int                     `json:"total_epochs"`
	Loss         *float64                `json:"loss,omitempty"`
	StartTime    *time.Time              `json:"start_time,omitempty"`
	ElapsedTime  string                  `json:"elapsed_time,omitempty"`
}

// GetRunMetrics returns metrics for an experiment's run
func (jm *JobMonitor) GetRunMetrics(ctx context.Context, experimentID string) (*RunMetrics, error) {
	e, err := jm.experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	metrics := &RunMetrics{
		ExperimentID: e.ID,
		Status:       e.Status,
		TotalEpochs:  e.Config.Epochs,
		StartTime:    e.StartedAt,
	}
	if e.JobHandle != nil {
		if job, err := jm.jobs.Get(*e.JobHandle); err == nil {
			metrics.JobState = job.State
			metrics.Attempts = job.Attempts
		}
	}
	if e.Progress != nil {
		loss := e.Progress.Loss
		metrics.CurrentEpoch = e.Progress.CurrentEpoch
		metrics.Loss = &loss
	}
	if e.StartedAt != nil {
		end := jm.now()
		if e.CompletedAt != nil {
			end = *e.CompletedAt
		}
		metrics.ElapsedTime = fmt.Sprint(end.Sub(*e.StartedAt).Truncate(time.Second))
	}
	return metrics, nil
}
