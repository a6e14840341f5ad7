package monitoring

import (
	"context"
	"fmt"
	"sort"

	"veritrain-orchestrator/core/models"
	"veritrain-orchestrator/core/repository"
	"veritrain-orchestrator/core/scheduler"
)

// QueueStatter reports job queue statistics
type QueueStatter interface {
	Stats() scheduler.Stats
}

// MetricsExporter exports queue and lifecycle metrics in the Prometheus text format
type MetricsExporter struct {
	queue       QueueStatter
	datasets    repository.DatasetStore
	experiments repository.ExperimentStore
}

// NewMetricsExporter creates a new metrics exporter
func NewMetricsExporter(queue QueueStatter, datasets repository.DatasetStore, experiments repository.ExperimentStore) *MetricsExporter {
	return &MetricsExporter{
		queue:       queue,
		datasets:    datasets,
		experiments: experiments,
	}
}

var (
	datasetStatuses = []models.DatasetStatus{
		models.DatasetStatusDraft,
		models.DatasetStatusGatePending,
		models.DatasetStatusPassed,
		models.DatasetStatusBlocked,
	}
	experimentStatuses = []models.ExperimentStatus{
		models.ExperimentStatusPending,
		models.ExperimentStatusRunning,
		models.ExperimentStatusCompleted,
		models.ExperimentStatusFailed,
		models.ExperimentStatusStopped,
	}
)

// GetPrometheusMetrics returns metrics in Prometheus format
func (me *MetricsExporter) GetPrometheusMetrics(ctx context.Context) (string, error) {
	stats := me.queue.Stats()

	var metrics string

	// Queue depth
	metrics += "# HELP veritrain_jobs_queued Jobs waiting in the queue\n"
	metrics += "# TYPE veritrain_jobs_queued gauge\n"
	for _, kind := range models.JobKinds {
		metrics += fmt.Sprintf("veritrain_jobs_queued{kind=\"%s\"} %d\n", kind, stats.Queued[kind])
	}

	metrics += "# HELP veritrain_jobs_running Jobs currently executing\n"
	metrics += "# TYPE veritrain_jobs_running gauge\n"
	for _, kind := range models.JobKinds {
		metrics += fmt.Sprintf("veritrain_jobs_running{kind=\"%s\"} %d\n", kind, stats.Running[kind])
	}

	// Lifetime totals
	metrics += "# HELP veritrain_jobs_finished_total Jobs that reached a terminal state\n"
	metrics += "# TYPE veritrain_jobs_finished_total counter\n"
	metrics += fmt.Sprintf("veritrain_jobs_finished_total{state=\"%s\"} %d\n", models.JobStateSucceeded, stats.Succeeded)
	metrics += fmt.Sprintf("veritrain_jobs_finished_total{state=\"%s\"} %d\n", models.JobStateFailed, stats.Failed)
	metrics += fmt.Sprintf("veritrain_jobs_finished_total{state=\"%s\"} %d\n", models.JobStateCancelled, stats.Cancelled)

	metrics += "# HELP veritrain_job_retries_total Attempts rescheduled after a transient failure\n"
	metrics += "# TYPE veritrain_job_retries_total counter\n"
	metrics += fmt.Sprintf("veritrain_job_retries_total %d\n", stats.Retried)

	datasets, err := me.GetDatasetCounts(ctx)
	if err != nil {
		return "", err
	}
	metrics += "# HELP veritrain_datasets Dataset versions by gate status\n"
	metrics += "# TYPE veritrain_datasets gauge\n"
	for _, status := range datasetStatuses {
		metrics += fmt.Sprintf("veritrain_datasets{status=\"%s\"} %d\n", status, datasets[status])
	}

	experiments, err := me.GetExperimentCounts(ctx)
	if err != nil {
		return "", err
	}
	metrics += "# HELP veritrain_experiments Experiments by status\n"
	metrics += "# TYPE veritrain_experiments gauge\n"
	for _, status := range experimentStatuses {
		metrics += fmt.Sprintf("veritrain_experiments{status=\"%s\"} %d\n", status, experiments[status])
	}

	// Loss of running experiments
	status := models.ExperimentStatusRunning
	running, err := me.experiments.FindExperiments(ctx, repository.ExperimentFilter{Status: &status})
	if err != nil {
		return "", err
	}
	sort.Slice(running, func(i, j int) bool { return running[i].ID < running[j].ID })
	metrics += "# HELP veritrain_experiment_loss Latest reported training loss\n"
	metrics += "# TYPE veritrain_experiment_loss gauge\n"
	for _, e := range running {
		if e.Progress == nil {
			continue
		}
		metrics += fmt.Sprintf("veritrain_experiment_loss{experiment_id=\"%s\",dataset_id=\"%s\"} %.4f\n",
			e.ID, e.DatasetID, e.Progress.Loss)
	}

	return metrics, nil
}

// GetDatasetCounts returns the number of dataset versions per status
func (me *MetricsExporter) GetDatasetCounts(ctx context.Context) (map[models.DatasetStatus]int, error) {
	datasets, err := me.datasets.FindDatasets(ctx, repository.DatasetFilter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[models.DatasetStatus]int)
	for _, d := range datasets {
		counts[d.Status]++
	}
	return counts, nil
}

// GetExperimentCounts returns the number of experiments per status
func (me *MetricsExporter) GetExperimentCounts(ctx context.Context) (map[models.ExperimentStatus]int, error) {
	experiments, err := me.experiments.FindExperiments(ctx, repository.ExperimentFilter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[models.ExperimentStatus]int)
	for _, e := range experiments {
		counts[e.Status]++
	}
	return counts, nil
}
