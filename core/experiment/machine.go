// Package experiment owns every status change of an experiment. Callers
// never write experiment status directly; pipeline-driven transitions are
// accepted only from the job that currently owns the experiment.
package experiment

import (
	"context"
	"time"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/locks"
	"veritrain-orchestrator/core/logger"
	"veritrain-orchestrator/core/models"
	"veritrain-orchestrator/core/repository"
)

// SubmitFunc allocates the train job for an experiment
type SubmitFunc func(ctx context.Context, experimentID string) (jobID string, err error)

// Machine serialises transitions per experiment
type Machine struct {
	experiments repository.ExperimentStore
	datasets    repository.DatasetStore
	events      repository.EventLog
	locks       *locks.KeyedMutex
	log         *logger.Logger
	now         func() time.Time
}

// NewMachine creates a new experiment state machine
func NewMachine(
	experiments repository.ExperimentStore,
	datasets repository.DatasetStore,
	events repository.EventLog,
	experimentLocks *locks.KeyedMutex,
	log *logger.Logger,
) *Machine {
	return &Machine{
		experiments: experiments,
		datasets:    datasets,
		events:      events,
		locks:       experimentLocks,
		log:         log.With("component", "experiment"),
		now:         time.Now,
	}
}

// Start moves a pending experiment to running. The dataset must have passed
// its gate; otherwise DATASET_NOT_READY is returned and nothing changes. If
// the queue rejects the job the experiment fails.
func (m *Machine) Start(ctx context.Context, id string, submit SubmitFunc) (*models.Experiment, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	e, err := m.experiments.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != models.ExperimentStatusPending {
		return nil, apperr.InvalidTransition("experiment", id, e.Status, models.ExperimentStatusRunning)
	}

	dataset, err := m.datasets.GetDataset(ctx, e.DatasetID)
	if err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return nil, apperr.New(apperr.CodeDatasetNotReady, "dataset %s does not exist", e.DatasetID)
		}
		return nil, err
	}
	if dataset.Status != models.DatasetStatusPassed {
		return nil, apperr.New(apperr.CodeDatasetNotReady, "dataset %s is %s, not passed", dataset.ID, dataset.Status)
	}

	jobID, submitErr := submit(ctx, id)
	now := m.now()
	from := e.Status
	if submitErr != nil {
		e.Status = models.ExperimentStatusFailed
		e.CompletedAt = &now
		e.Error = apperr.Detail(submitErr)
		e.UpdatedAt = now
		if err := m.experiments.SaveExperiment(ctx, e); err != nil {
			return nil, err
		}
		m.record(ctx, e, from, "submission rejected", map[string]interface{}{"code": e.Error.Code})
		return e, submitErr
	}

	e.Status = models.ExperimentStatusRunning
	e.JobHandle = &jobID
	e.StartedAt = &now
	e.UpdatedAt = now
	if err := m.experiments.SaveExperiment(ctx, e); err != nil {
		return nil, err
	}
	m.record(ctx, e, from, "submitted", map[string]interface{}{"job_id": jobID})
	m.log.Info("experiment started", "experiment_id", id, "job_id", jobID, "dataset_id", e.DatasetID)
	return e, nil
}

// Attach returns the experiment if jobID still owns it and it is running
func (m *Machine) Attach(ctx context.Context, id, jobID string) (*models.Experiment, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	e, err := m.owned(ctx, id, jobID)
	if err != nil {
		return nil, err
	}
	if e.Status != models.ExperimentStatusRunning {
		return nil, apperr.New(apperr.CodeNotRunning, "experiment %s is %s", id, e.Status)
	}
	return e, nil
}

// Complete moves a running experiment to completed with its final metrics
func (m *Machine) Complete(ctx context.Context, id, jobID string, metrics models.ExperimentMetrics) (*models.Experiment, error) {
	return m.finish(ctx, id, jobID, models.ExperimentStatusCompleted, "training completed", func(e *models.Experiment) {
		e.Metrics = &metrics
	})
}

// Fail moves a running experiment to failed. Progress and checkpoint
// references are kept.
func (m *Machine) Fail(ctx context.Context, id, jobID string, cause error) (*models.Experiment, error) {
	detail := apperr.Detail(cause)
	if detail == nil {
		detail = &models.ErrorDetail{Code: string(apperr.CodeInternal), Message: "unknown failure"}
	}
	return m.finish(ctx, id, jobID, models.ExperimentStatusFailed, detail.Message, func(e *models.Experiment) {
		e.Error = detail
	})
}

// Stop moves a running experiment to stopped. Any other state yields
// NOT_RUNNING. The returned experiment carries the job handle to cancel.
func (m *Machine) Stop(ctx context.Context, id string) (*models.Experiment, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	e, err := m.experiments.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != models.ExperimentStatusRunning {
		return nil, apperr.New(apperr.CodeNotRunning, "experiment %s is %s", id, e.Status)
	}
	from := e.Status
	now := m.now()
	e.Status = models.ExperimentStatusStopped
	e.CompletedAt = &now
	e.UpdatedAt = now
	if err := m.experiments.SaveExperiment(ctx, e); err != nil {
		return nil, err
	}
	m.record(ctx, e, from, "stopped by caller", nil)
	m.log.Info("experiment stopped", "experiment_id", id)
	return e, nil
}

// RecordProgress stores the latest snapshot. Snapshots older than the
// stored one are ignored. Recording is allowed after a stop so the last
// finished epoch is never lost.
func (m *Machine) RecordProgress(ctx context.Context, id, jobID string, snapshot models.ProgressSnapshot) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	e, err := m.owned(ctx, id, jobID)
	if err != nil {
		return err
	}
	if e.Progress != nil && snapshot.CurrentEpoch < e.Progress.CurrentEpoch {
		return nil
	}
	e.Progress = &snapshot
	e.UpdatedAt = m.now()
	return m.experiments.SaveExperiment(ctx, e)
}

// RecordCheckpoint stores the checkpoint reference of the owning job
func (m *Machine) RecordCheckpoint(ctx context.Context, id, jobID, uri string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	e, err := m.owned(ctx, id, jobID)
	if err != nil {
		return err
	}
	e.CheckpointURI = &uri
	e.UpdatedAt = m.now()
	return m.experiments.SaveExperiment(ctx, e)
}

// Note appends an event to the experiment's log without changing its status
func (m *Machine) Note(ctx context.Context, id, reason string, meta map[string]interface{}) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	e, err := m.experiments.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	m.record(ctx, e, e.Status, reason, meta)
	return nil
}

// UpdateConfig replaces the training recipe. Only the owner may change it,
// and only while the experiment is pending.
func (m *Machine) UpdateConfig(ctx context.Context, id, callerID string, config models.TrainingConfig) (*models.Experiment, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	e, err := m.experiments.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.OwnerID != callerID {
		return nil, apperr.New(apperr.CodeForbidden, "experiment %s is owned by another user", id)
	}
	if e.Status != models.ExperimentStatusPending {
		return nil, apperr.New(apperr.CodeInvalidTransition, "experiment %s is %s; config is frozen once submitted", id, e.Status)
	}
	e.Config = config.Clone()
	e.UpdatedAt = m.now()
	if err := m.experiments.SaveExperiment(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (m *Machine) finish(
	ctx context.Context,
	id, jobID string,
	to models.ExperimentStatus,
	reason string,
	apply func(e *models.Experiment),
) (*models.Experiment, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	e, err := m.owned(ctx, id, jobID)
	if err != nil {
		return nil, err
	}
	if !e.Status.CanTransition(to) {
		return nil, apperr.InvalidTransition("experiment", id, e.Status, to)
	}
	from := e.Status
	now := m.now()
	e.Status = to
	e.CompletedAt = &now
	e.UpdatedAt = now
	apply(e)
	if err := m.experiments.SaveExperiment(ctx, e); err != nil {
		return nil, err
	}

	meta := map[string]interface{}{"job_id": jobID}
	if e.Error != nil {
		meta["code"] = e.Error.Code
	}
	m.record(ctx, e, from, reason, meta)
	m.log.Info("experiment finished", "experiment_id", id, "status", to)
	return e, nil
}

// owned loads the experiment and checks that jobID is its current job
func (m *Machine) owned(ctx context.Context, id, jobID string) (*models.Experiment, error) {
	e, err := m.experiments.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.JobHandle == nil || *e.JobHandle != jobID {
		return nil, apperr.New(apperr.CodeInvalidTransition, "job %s does not own experiment %s", jobID, id)
	}
	return e, nil
}

func (m *Machine) record(ctx context.Context, e *models.Experiment, from models.ExperimentStatus, reason string, meta map[string]interface{}) {
	f := string(from)
	event := &models.TransitionEvent{
		EntityKind: models.EntityExperiment,
		EntityID:   e.ID,
		FromStatus: &f,
		ToStatus:   string(e.Status),
		Reason:     reason,
		Meta:       meta,
	}
	if err := m.events.AppendEvent(ctx, event); err != nil {
		m.log.Warn("failed to record experiment event", "experiment_id", e.ID, "error", err)
	}
}
