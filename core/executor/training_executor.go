// Package executor drives an experiment through its training pipeline:
// load_dataset, load_model, train_loop, checkpoint, trigger_evaluation.
package executor

import (
	"context"
	"errors"
	"io"
	"time"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/experiment"
	"veritrain-orchestrator/core/logger"
	"veritrain-orchestrator/core/models"
	"veritrain-orchestrator/core/progress"
	"veritrain-orchestrator/core/repository"
	"veritrain-orchestrator/core/scheduler"
)

// DatasetLoader reads the content of a dataset version
type DatasetLoader interface {
	Load(ctx context.Context, dataset *models.Dataset) (*models.DatasetSnapshot, error)
}

// Checkpointer persists the final checkpoint of an experiment
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, experimentID string, epoch int, write func(w io.Writer) error, meta map[string]interface{}) (string, error)
}

// ReasonEvaluationEnqueueFailed is logged on a completed experiment whose
// evaluation job could not be queued
const ReasonEvaluationEnqueueFailed = "evaluation_enqueue_failed"

// JobSubmitter enqueues follow-up jobs
type JobSubmitter interface {
	Submit(ctx context.Context, kind models.JobKind, payload string) (string, error)
}

// TrainingExecutor executes train jobs
type TrainingExecutor struct {
	machine     *experiment.Machine
	datasets    repository.DatasetStore
	models      repository.ModelStore
	loader      DatasetLoader
	trainer     Trainer
	checkpoints Checkpointer
	publisher   *progress.Publisher
	jobs        JobSubmitter
	log         *logger.Logger
	now         func() time.Time
}

// NewTrainingExecutor creates a new training executor
func NewTrainingExecutor(
	machine *experiment.Machine,
	datasets repository.DatasetStore,
	modelStore repository.ModelStore,
	loader DatasetLoader,
	trainer Trainer,
	checkpoints Checkpointer,
	publisher *progress.Publisher,
	jobs JobSubmitter,
	log *logger.Logger,
) *TrainingExecutor {
	return &TrainingExecutor{
		machine:     machine,
		datasets:    datasets,
		models:      modelStore,
		loader:      loader,
		trainer:     trainer,
		checkpoints: checkpoints,
		publisher:   publisher,
		jobs:        jobs,
		log:         log.With("component", "training_executor"),
		now:         time.Now,
	}
}

// Handler adapts the executor to the job queue
func (e *TrainingExecutor) Handler() scheduler.Handler {
	return scheduler.HandlerFunc{
		JobKind: models.JobKindTrain,
		Fn:      e.ExecuteJob,
	}
}

// ExecuteJob runs the pipeline for the experiment named by the job payload.
// The progress topic is finished on every exit path.
func (e *TrainingExecutor) ExecuteJob(jc *scheduler.JobContext) error {
	ctx := jc.Ctx
	experimentID := jc.Job.Payload
	jobID := jc.Job.ID
	defer e.publisher.Finish(experimentID)

	exp, err := e.machine.Attach(ctx, experimentID, jobID)
	if err != nil {
		if apperr.Is(err, apperr.CodeNotRunning) {
			return apperr.Wrap(apperr.CodeCancelled, err, "experiment %s left running before training began", experimentID)
		}
		return err
	}
	log := e.log.With("experiment_id", experimentID, "job_id", jobID)
	if jc.CancelRequested() {
		return apperr.New(apperr.CodeCancelled, "experiment %s stopped before training began", experimentID)
	}

	// load_dataset
	dataset, err := e.datasets.GetDataset(ctx, exp.DatasetID)
	if err != nil {
		return e.fail(ctx, exp, jobID, "load_dataset", err)
	}
	snapshot, err := e.loader.Load(ctx, dataset)
	if err != nil {
		return e.fail(ctx, exp, jobID, "load_dataset", err)
	}

	// load_model
	input := TrainingInput{Experiment: exp, Dataset: snapshot}
	if input.BaseModel, err = e.loadModel(ctx, exp.BaseModelID); err != nil {
		return e.fail(ctx, exp, jobID, "load_model", err)
	}
	if exp.AdapterID != nil {
		if input.Adapter, err = e.loadModel(ctx, *exp.AdapterID); err != nil {
			return e.fail(ctx, exp, jobID, "load_model", err)
		}
	}
	session, err := e.trainer.Open(ctx, input)
	if err != nil {
		return e.fail(ctx, exp, jobID, "load_model", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn("failed to close training session", "error", err)
		}
	}()

	// train_loop
	total := exp.Config.Epochs
	var last EpochResult
	stepsDone := 0
	for epoch := 1; epoch <= total; epoch++ {
		result, err := session.TrainEpoch(ctx, epoch)
		if err != nil {
			return e.fail(ctx, exp, jobID, "train_loop", err)
		}
		last = result
		stepsDone += result.Steps

		update := models.ProgressSnapshot{
			ExperimentID: experimentID,
			CurrentEpoch: epoch,
			TotalEpochs:  total,
			CurrentStep:  stepsDone,
			TotalSteps:   result.Steps * total,
			Loss:         result.Loss,
			LastUpdate:   e.now(),
		}
		e.publisher.Publish(update)
		if err := e.machine.RecordProgress(ctx, experimentID, jobID, update); err != nil {
			if apperr.Is(err, apperr.CodeInvalidTransition) {
				return apperr.Wrap(apperr.CodeCancelled, err, "experiment %s was taken over", experimentID)
			}
			log.Warn("failed to record progress", "epoch", epoch, "error", err)
		}
		log.Debug("epoch finished", "epoch", epoch, "total_epochs", total, "loss", result.Loss)

		if jc.CancelRequested() {
			log.Info("training stopped", "epoch", epoch)
			return apperr.New(apperr.CodeCancelled, "experiment %s stopped after epoch %d", experimentID, epoch)
		}
	}

	// checkpoint
	if !jc.EnterUncancellable() {
		return apperr.New(apperr.CodeCancelled, "experiment %s stopped before checkpoint", experimentID)
	}
	if !exp.Config.SkipCheckpoint {
		uri, err := e.checkpoints.SaveCheckpoint(ctx, experimentID, total, func(w io.Writer) error {
			return session.SaveCheckpoint(ctx, w)
		}, map[string]interface{}{"loss": last.Loss, "job_id": jobID})
		if err != nil {
			return e.fail(ctx, exp, jobID, "checkpoint", apperr.Fatal(err, "checkpoint write failed"))
		}
		if err := e.machine.RecordCheckpoint(ctx, experimentID, jobID, uri); err != nil {
			return e.fail(ctx, exp, jobID, "checkpoint", err)
		}
		log.Info("checkpoint saved", "uri", uri)
	}

	metrics := models.ExperimentMetrics{FinalLoss: last.Loss, EpochsCompleted: total}
	if _, err := e.machine.Complete(ctx, experimentID, jobID, metrics); err != nil {
		if apperr.Is(err, apperr.CodeInvalidTransition) {
			log.Info("experiment stopped during checkpoint, skipping evaluation")
			return apperr.Wrap(apperr.CodeCancelled, err, "experiment %s stopped before completion", experimentID)
		}
		return err
	}

	// trigger_evaluation
	evalJobID, err := e.jobs.Submit(context.WithoutCancel(ctx), models.JobKindEvaluate, experimentID)
	if err != nil {
		log.Warn("failed to enqueue evaluation", "error", err)
		meta := map[string]interface{}{"code": string(apperr.CodeOf(err)), "error": err.Error()}
		if nerr := e.machine.Note(context.WithoutCancel(ctx), experimentID, ReasonEvaluationEnqueueFailed, meta); nerr != nil {
			log.Warn("failed to record evaluation enqueue failure", "error", nerr)
		}
		return nil
	}
	log.Info("training completed", "final_loss", last.Loss, "evaluate_job_id", evalJobID)
	return nil
}

func (e *TrainingExecutor) loadModel(ctx context.Context, id string) (*models.Model, error) {
	model, err := e.models.GetModel(ctx, id)
	if apperr.Is(err, apperr.CodeNotFound) {
		return nil, apperr.Fatal(err, "model %s is not registered", id)
	}
	return model, err
}

// fail moves the experiment to failed and returns the cause for the job record.
// Losing ownership means another actor already settled the experiment.
func (e *TrainingExecutor) fail(ctx context.Context, exp *models.Experiment, jobID, phase string, cause error) error {
	var typed *apperr.Error
	if !errors.As(cause, &typed) && apperr.CodeOf(cause) == apperr.CodeInternal {
		cause = apperr.Fatal(cause, "%s failed", phase)
	}
	e.log.Error("training pipeline failed",
		"experiment_id", exp.ID,
		"job_id", jobID,
		"phase", phase,
		"error", cause,
	)
	if _, err := e.machine.Fail(context.WithoutCancel(ctx), exp.ID, jobID, cause); err != nil {
		if apperr.Is(err, apperr.CodeInvalidTransition) {
			return apperr.Wrap(apperr.CodeCancelled, cause, "experiment %s settled during %s", exp.ID, phase)
		}
		e.log.Warn("failed to record experiment failure", "experiment_id", exp.ID, "error", err)
	}
	return cause
}
