package gate

import (
	"context"
	"strings"
	"time"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/locks"
	"veritrain-orchestrator/core/logger"
	"veritrain-orchestrator/core/models"
	"veritrain-orchestrator/core/repository"
	"veritrain-orchestrator/core/scheduler"
)

// SnapshotLoader reads the sentence pairs of a dataset version
type SnapshotLoader interface {
	Load(ctx context.Context, dataset *models.Dataset) (*models.DatasetSnapshot, error)
}

// Service runs quality gate jobs and commits their verdicts
type Service struct {
	datasets repository.DatasetStore
	events   repository.EventLog
	loader   SnapshotLoader
	policy   *Policy
	locks    *locks.KeyedMutex // shared with every dataset writer
	runs     *locks.KeyedMutex // one evaluation in flight per dataset
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates a new quality gate service. datasetLocks must be the
// same keyed mutex every other dataset writer uses.
func NewService(
	datasets repository.DatasetStore,
	events repository.EventLog,
	loader SnapshotLoader,
	policy *Policy,
	datasetLocks *locks.KeyedMutex,
	log *logger.Logger,
) *Service {
	return &Service{
		datasets: datasets,
		events:   events,
		loader:   loader,
		policy:   policy,
		locks:    datasetLocks,
		runs:     locks.NewKeyedMutex(),
		log:      log.With("component", "quality_gate"),
		now:      time.Now,
	}
}

// Policy returns the policy the service judges with
func (s *Service) Policy() *Policy {
	return s.policy
}

// Run evaluates the dataset for the given gate job. Evaluations of one
// dataset run one at a time, but the dataset itself is only locked to check
// and to commit, so a newer submission is never held up by a running
// evaluation. A run whose job is no longer the dataset's latest gate
// submission is discarded and returns a nil result. On any error the
// dataset is left untouched so the job can be retried.
func (s *Service) Run(ctx context.Context, datasetID, jobID string) (*models.QualityGateResult, error) {
	release := s.runs.Lock(datasetID)
	defer release()

	dataset, current, err := s.latest(ctx, datasetID, jobID)
	if err != nil || !current {
		return nil, err
	}

	s.log.Info("quality gate started", "dataset_id", datasetID, "job_id", jobID)

	snapshot, err := s.loader.Load(ctx, dataset)
	if err != nil {
		return nil, err
	}
	result, err := s.policy.Evaluate(ctx, snapshot)
	if err != nil {
		s.log.Warn("quality gate evaluation failed", "dataset_id", datasetID, "job_id", jobID, "error", err)
		return nil, err
	}
	result.JobID = jobID
	return s.commit(ctx, datasetID, jobID, result)
}

// commit stores the verdict if jobID is still the latest submission
func (s *Service) commit(ctx context.Context, datasetID, jobID string, result *models.QualityGateResult) (*models.QualityGateResult, error) {
	unlock := s.locks.Lock(datasetID)
	defer unlock()

	dataset, err := s.datasets.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if !s.isLatest(dataset, jobID) {
		return nil, nil
	}

	from := dataset.Status
	dataset.QualityGate = result
	dataset.Status = models.DatasetStatusPassed
	if result.Status == models.GateStatusFailed {
		dataset.Status = models.DatasetStatusBlocked
	}
	dataset.UpdatedAt = s.now()
	if err := s.datasets.SaveDataset(ctx, dataset); err != nil {
		return nil, err
	}

	s.recordTransition(ctx, dataset, from, result)
	s.log.Info("quality gate completed",
		"dataset_id", datasetID,
		"status", dataset.Status,
		"metrics", result.Metrics,
	)
	return result.Clone(), nil
}

// latest loads the dataset under its lock and reports whether jobID is its
// latest pending gate submission
func (s *Service) latest(ctx context.Context, datasetID, jobID string) (*models.Dataset, bool, error) {
	unlock := s.locks.Lock(datasetID)
	defer unlock()

	dataset, err := s.datasets.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, false, err
	}
	return dataset, s.isLatest(dataset, jobID), nil
}

func (s *Service) isLatest(dataset *models.Dataset, jobID string) bool {
	if dataset.GateJobID != nil && *dataset.GateJobID == jobID && dataset.Status == models.DatasetStatusGatePending {
		return true
	}
	s.log.Info("quality gate run superseded",
		"dataset_id", dataset.ID,
		"job_id", jobID,
		"status", dataset.Status,
	)
	return false
}

// Handler adapts the service to the job queue
func (s *Service) Handler() scheduler.Handler {
	return scheduler.HandlerFunc{
		JobKind: models.JobKindQualityGate,
		Fn: func(jc *scheduler.JobContext) error {
			if jc.CancelRequested() {
				return apperr.New(apperr.CodeCancelled, "quality gate cancelled before start")
			}
			_, err := s.Run(jc.Ctx, jc.Job.Payload, jc.Job.ID)
			return err
		},
	}
}

func (s *Service) recordTransition(ctx context.Context, d *models.Dataset, from models.DatasetStatus, result *models.QualityGateResult) {
	f := string(from)
	reason := "quality gate passed"
	if len(result.BlockReasons) > 0 {
		reason = "quality gate blocked: " + strings.Join(result.BlockReasons, "; ")
	}
	event := &models.TransitionEvent{
		EntityKind: models.EntityDataset,
		EntityID:   d.ID,
		FromStatus: &f,
		ToStatus:   string(d.Status),
		Reason:     reason,
		Meta: map[string]interface{}{
			"job_id":  result.JobID,
			"metrics": result.Metrics,
		},
	}
	if err := s.events.AppendEvent(ctx, event); err != nil {
		s.log.Warn("failed to record dataset event", "dataset_id", d.ID, "error", err)
	}
}
