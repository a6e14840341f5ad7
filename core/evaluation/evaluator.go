// Package evaluation runs the evaluate job enqueued after a successful
// training run and stores its scores.
package evaluation

import (
	"context"
	"math"
	"time"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/logger"
	"veritrain-orchestrator/core/models"
	"veritrain-orchestrator/core/repository"
	"veritrain-orchestrator/core/scheduler"
)

const (
	TrackSpoken  = "spoken"
	TrackWritten = "written"
)

// Request describes one checkpoint to evaluate
type Request struct {
	Experiment    *models.Experiment
	CheckpointURI string
	Track         string
}

// Evaluator scores a checkpoint. Errors classified TRANSIENT are retried by the queue.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (map[string]float64, error)
}

// SimulatedEvaluator derives stable scores from the final training loss
type SimulatedEvaluator struct{}

// Evaluate returns bleu, rouge_l and ribes in [0, 1]. Written text scores
// higher than spoken text for the same loss.
func (SimulatedEvaluator) Evaluate(ctx context.Context, req Request) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	quality := 0.5
	if req.Experiment.Metrics != nil {
		quality = clamp(1 - req.Experiment.Metrics.FinalLoss)
	}
	lo, hi := 0.40, 0.75
	if req.Track == TrackSpoken {
		lo, hi = 0.30, 0.60
	}
	bleu := lo + (hi-lo)*quality
	return map[string]float64{
		"bleu":    round2(bleu),
		"rouge_l": round2(clamp(bleu + 0.07)),
		"ribes":   round2(0.6 + 0.3*quality),
	}, nil
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// TrackFor maps a dataset scene to its evaluation track
func TrackFor(scene string) string {
	if scene == "meeting" {
		return TrackSpoken
	}
	return TrackWritten
}

// Service runs evaluate jobs
type Service struct {
	experiments repository.ExperimentStore
	datasets    repository.DatasetStore
	evaluations repository.EvaluationStore
	evaluator   Evaluator
	log         *logger.Logger
	now         func() time.Time
}

// NewService creates a new evaluation service
func NewService(
	experiments repository.ExperimentStore,
	datasets repository.DatasetStore,
	evaluations repository.EvaluationStore,
	evaluator Evaluator,
	log *logger.Logger,
) *Service {
	return &Service{
		experiments: experiments,
		datasets:    datasets,
		evaluations: evaluations,
		evaluator:   evaluator,
		log:         log.With("component", "evaluation"),
		now:         time.Now,
	}
}

// Run evaluates the experiment's checkpoint. The evaluation id is the job id,
// so a retried attempt overwrites rather than duplicates.
func (s *Service) Run(ctx context.Context, experimentID, jobID string) (*models.Evaluation, error) {
	exp, err := s.experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.Status != models.ExperimentStatusCompleted {
		return nil, apperr.New(apperr.CodeInvalidTransition, "experiment %s is %s, only completed experiments are evaluated", experimentID, exp.Status)
	}

	track := TrackWritten
	if dataset, err := s.datasets.GetDataset(ctx, exp.DatasetID); err == nil {
		track = TrackFor(dataset.Scene)
	} else if !apperr.Is(err, apperr.CodeNotFound) {
		return nil, err
	}

	req := Request{Experiment: exp, Track: track}
	if exp.CheckpointURI != nil {
		req.CheckpointURI = *exp.CheckpointURI
	}
	scores, err := s.evaluator.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}

	evaluation := &models.Evaluation{
		ID:            jobID,
		ExperimentID:  experimentID,
		CheckpointURI: req.CheckpointURI,
		Track:         track,
		Scores:        scores,
		CreatedAt:     s.now(),
	}
	if err := s.evaluations.SaveEvaluation(ctx, evaluation); err != nil {
		return nil, err
	}
	s.log.Info("evaluation saved", "experiment_id", experimentID, "job_id", jobID, "track", track, "scores", scores)
	return evaluation, nil
}

// Handler adapts the service to the job queue
func (s *Service) Handler() scheduler.Handler {
	return scheduler.HandlerFunc{
		JobKind: models.JobKindEvaluate,
		Fn: func(jc *scheduler.JobContext) error {
			if jc.CancelRequested() {
				return apperr.New(apperr.CodeCancelled, "evaluation cancelled before start")
			}
			_, err := s.Run(jc.Ctx, jc.Job.Payload, jc.Job.ID)
			return err
		},
	}
}
