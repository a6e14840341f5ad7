// Package engine is the public face of the orchestrator. It wires the job
// queue, quality gate, experiment state machine, training executor and
// progress publisher together and exposes the operations callers use.
package engine

import (
	"context"
	"fmt"
	"time"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/evaluation"
	"veritrain-orchestrator/core/executor"
	"veritrain-orchestrator/core/experiment"
	"veritrain-orchestrator/core/gate"
	"veritrain-orchestrator/core/locks"
	"veritrain-orchestrator/core/logger"
	"veritrain-orchestrator/core/models"
	"veritrain-orchestrator/core/progress"
	"veritrain-orchestrator/core/repository"
	"veritrain-orchestrator/core/scheduler"
	"veritrain-orchestrator/storage"
)

// Options configures the engine's collaborators. Nil collaborators get the
// simulated defaults.
type Options struct {
	Queue         scheduler.Config
	Thresholds    []gate.Threshold
	MetricTimeout time.Duration
	Registry      *gate.Registry
	Blobs         storage.BlobStore
	Trainer       executor.Trainer
	Evaluator     evaluation.Evaluator
	Sinks         []progress.Sink
}

// Engine is the experiment and quality gate orchestration engine
type Engine struct {
	store     repository.Store
	sched     *scheduler.Scheduler
	gate      *gate.Service
	machine   *experiment.Machine
	publisher *progress.Publisher

	datasetLocks *locks.KeyedMutex
	lineageLocks *locks.KeyedMutex

	log *logger.Logger
	now func() time.Time
}

// New wires an engine over store. Blobs is required: datasets are read from
// it and checkpoints written to it.
func New(store repository.Store, opts Options, log *logger.Logger) (*Engine, error) {
	if opts.Blobs == nil {
		return nil, fmt.Errorf("engine requires a blob store")
	}
	if opts.Registry == nil {
		opts.Registry = gate.NewBuiltinRegistry()
	}
	if len(opts.Thresholds) == 0 {
		opts.Thresholds = gate.DefaultThresholds()
	}
	if opts.MetricTimeout <= 0 {
		opts.MetricTimeout = 30 * time.Second
	}
	if opts.Trainer == nil {
		opts.Trainer = executor.NewSimulatedTrainer(time.Second)
	}
	if opts.Evaluator == nil {
		opts.Evaluator = evaluation.SimulatedEvaluator{}
	}

	policy, err := gate.NewPolicy(opts.Registry, opts.Thresholds, opts.MetricTimeout)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:        store,
		datasetLocks: locks.NewKeyedMutex(),
		lineageLocks: locks.NewKeyedMutex(),
		log:          log.With("component", "engine"),
		now:          time.Now,
	}
	loader := storage.NewJSONLSnapshotLoader(opts.Blobs)
	e.sched = scheduler.NewScheduler(opts.Queue, store, log)
	e.publisher = progress.NewPublisher(log, opts.Sinks...)
	e.gate = gate.NewService(store, store, loader, policy, e.datasetLocks, log)
	e.machine = experiment.NewMachine(store, store, store, locks.NewKeyedMutex(), log)

	trainer := executor.NewTrainingExecutor(
		e.machine,
		store,
		store,
		loader,
		opts.Trainer,
		storage.NewCheckpointManager(opts.Blobs, store),
		e.publisher,
		e.sched,
		log,
	)
	evaluator := evaluation.NewService(store, store, store, opts.Evaluator, log)

	for _, h := range []scheduler.Handler{e.gate.Handler(), trainer.Handler(), evaluator.Handler()} {
		if err := e.sched.Register(h); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Start launches the job queue workers
func (e *Engine) Start(ctx context.Context) {
	e.sched.Start(ctx)
	e.log.Info("engine started")
}

// Stop stops accepting work and waits for running jobs to return
func (e *Engine) Stop() {
	e.sched.Stop()
	e.log.Info("engine stopped")
}

// Scheduler returns the job queue
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Machine returns the experiment state machine
func (e *Engine) Machine() *experiment.Machine { return e.machine }

// Publisher returns the progress publisher
func (e *Engine) Publisher() *progress.Publisher { return e.publisher }

// Store returns the record store
func (e *Engine) Store() repository.Store { return e.store }

// Thresholds returns the gate policy in effect
func (e *Engine) Thresholds() []models.ThresholdSnapshot {
	return e.gate.Policy().Thresholds()
}

// SubmitQualityGate enqueues a gate run for the dataset and returns its job id.
// The newest submission supersedes any earlier run that has not committed.
func (e *Engine) SubmitQualityGate(ctx context.Context, datasetID string) (string, error) {
	unlock := e.datasetLocks.Lock(datasetID)
	defer unlock()

	d, err := e.store.GetDataset(ctx, datasetID)
	if err != nil {
		return "", err
	}
	if d.Status.Gated() {
		return "", apperr.New(apperr.CodeInvalidTransition,
			"dataset %s is %s; revise it into a new version to evaluate again", datasetID, d.Status)
	}

	jobID, err := e.sched.Submit(ctx, models.JobKindQualityGate, datasetID)
	if err != nil {
		return "", err
	}
	from := d.Status
	d.Status = models.DatasetStatusGatePending
	d.GateJobID = &jobID
	d.UpdatedAt = e.now()
	if err := e.store.SaveDataset(ctx, d); err != nil {
		// the run will find it is not the latest submission and discard itself
		e.sched.Cancel(jobID)
		return "", err
	}
	e.recordDataset(ctx, d, &from, "quality gate submitted", map[string]interface{}{"job_id": jobID})
	e.log.Info("quality gate submitted", "dataset_id", datasetID, "job_id", jobID)
	return jobID, nil
}

// GetQualityGateResult returns the committed verdict of the dataset
func (e *Engine) GetQualityGateResult(ctx context.Context, datasetID string) (*models.QualityGateResult, error) {
	d, err := e.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if d.QualityGate == nil {
		return nil, apperr.New(apperr.CodeNotYetRun, "dataset %s has no quality gate result", datasetID)
	}
	return d.QualityGate.Clone(), nil
}

// SubmitExperiment starts a pending experiment and returns its train job id
func (e *Engine) SubmitExperiment(ctx context.Context, experimentID string) (string, error) {
	exp, err := e.machine.Start(ctx, experimentID, func(ctx context.Context, id string) (string, error) {
		return e.sched.Submit(ctx, models.JobKindTrain, id)
	})
	if err != nil {
		return "", err
	}
	return *exp.JobHandle, nil
}

// StopExperiment stops a running experiment and cancels its job best-effort.
// It returns NOT_RUNNING if the experiment is not running.
func (e *Engine) StopExperiment(ctx context.Context, experimentID string) error {
	exp, err := e.machine.Stop(ctx, experimentID)
	if err != nil {
		return err
	}
	if exp.JobHandle == nil {
		e.publisher.Finish(experimentID)
		return nil
	}

	jobID := *exp.JobHandle
	cancelled := e.sched.Cancel(jobID)
	// A running job finishes the progress topic itself once it reaches its
	// next cancellation point.
	if job, err := e.sched.Get(jobID); err != nil || job.State != models.JobStateRunning {
		e.publisher.Finish(experimentID)
	}
	e.log.Info("experiment stop requested", "experiment_id", experimentID, "job_id", jobID, "job_cancelled", cancelled)
	return nil
}

// SubscribeProgress attaches a progress reader. For a finished experiment
// the subscription yields the last stored snapshot, if any, and closes.
func (e *Engine) SubscribeProgress(ctx context.Context, experimentID string) (*progress.Subscription, error) {
	exp, err := e.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.Status.Terminal() && !e.jobRunning(exp) {
		if _, ok := e.publisher.Latest(experimentID); !ok && exp.Progress != nil {
			e.publisher.Publish(*exp.Progress)
		}
		e.publisher.Finish(experimentID)
	}
	return e.publisher.Subscribe(experimentID), nil
}

func (e *Engine) jobRunning(exp *models.Experiment) bool {
	if exp.JobHandle == nil {
		return false
	}
	job, err := e.sched.Get(*exp.JobHandle)
	return err == nil && job.State == models.JobStateRunning
}

// GetJob returns a job of the queue
func (e *Engine) GetJob(jobID string) (*models.Job, error) {
	return e.sched.Get(jobID)
}

// AwaitJob blocks until the job is terminal or ctx is done
func (e *Engine) AwaitJob(ctx context.Context, jobID string) (models.JobOutcome, error) {
	return e.sched.Await(ctx, jobID)
}

// CancelJob requests cancellation of a job. Train jobs are stopped through
// StopExperiment so the experiment records the stop.
func (e *Engine) CancelJob(ctx context.Context, jobID string) (bool, error) {
	job, err := e.sched.Get(jobID)
	if err != nil {
		return false, err
	}
	if job.Kind == models.JobKindTrain {
		if err := e.StopExperiment(ctx, job.Payload); err != nil {
			if apperr.Is(err, apperr.CodeNotRunning) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	return e.sched.Cancel(jobID), nil
}

// QueueStats returns the job queue statistics
func (e *Engine) QueueStats() scheduler.Stats {
	return e.sched.Stats()
}

func (e *Engine) recordDataset(ctx context.Context, d *models.Dataset, from *models.DatasetStatus, reason string, meta map[string]interface{}) {
	event := &models.TransitionEvent{
		EntityKind: models.EntityDataset,
		EntityID:   d.ID,
		ToStatus:   string(d.Status),
		Reason:     reason,
		Meta:       meta,
	}
	if from != nil {
		f := string(*from)
		event.FromStatus = &f
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.log.Warn("failed to record dataset event", "dataset_id", d.ID, "error", err)
	}
}
