package executor

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"veritrain-orchestrator/core/models"
)

// TrainingInput is everything a trainer needs to open a session
type TrainingInput struct {
	Experiment *models.Experiment
	Dataset    *models.DatasetSnapshot
	BaseModel  *models.Model
	Adapter    *models.Model // nil unless the experiment continues an adapter
}

// EpochResult is what one training epoch reports back
type EpochResult struct {
	Loss  float64
	Steps int
}

// Trainer opens training sessions
type Trainer interface {
	Open(ctx context.Context, input TrainingInput) (Session, error)
}

// Session is one training run. TrainEpoch is called once per epoch in
// order, then SaveCheckpoint at most once.
type Session interface {
	TrainEpoch(ctx context.Context, epoch int) (EpochResult, error)
	SaveCheckpoint(ctx context.Context, w io.Writer) error
	Close() error
}

// SimulatedTrainer produces a deterministic decreasing loss without touching
// any accelerator. It is the default trainer for local runs and tests.
type SimulatedTrainer struct {
	EpochDuration time.Duration
}

// NewSimulatedTrainer creates a new simulated trainer
func NewSimulatedTrainer(epochDuration time.Duration) *SimulatedTrainer {
	return &SimulatedTrainer{EpochDuration: epochDuration}
}

// Open starts a simulated session
func (t *SimulatedTrainer) Open(_ context.Context, input TrainingInput) (Session, error) {
	steps := 1
	if input.Dataset != nil && input.Experiment.Config.BatchSize > 0 {
		batch := input.Experiment.Config.BatchSize
		if n := (len(input.Dataset.Pairs) + batch - 1) / batch; n > 0 {
			steps = n
		}
	}
	return &simulatedSession{
		input:    input,
		duration: t.EpochDuration,
		steps:    steps,
	}, nil
}

type simulatedSession struct {
	input    TrainingInput
	duration time.Duration
	steps    int
	epochs   int
	loss     float64
}

// SimulatedLoss is the loss reported for an epoch
func SimulatedLoss(epoch int) float64 {
	return 0.5 - 0.03*float64(epoch-1)
}

func (s *simulatedSession) TrainEpoch(ctx context.Context, epoch int) (EpochResult, error) {
	if s.duration > 0 {
		timer := time.NewTimer(s.duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return EpochResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	s.epochs = epoch
	s.loss = SimulatedLoss(epoch)
	return EpochResult{Loss: s.loss, Steps: s.steps}, nil
}

func (s *simulatedSession) SaveCheckpoint(_ context.Context, w io.Writer) error {
	return json.NewEncoder(w).Encode(map[string]interface{}{
		"experiment_id": s.input.Experiment.ID,
		"base_model":    s.input.BaseModel.ID,
		"epochs":        s.epochs,
		"final_loss":    s.loss,
		"config":        s.input.Experiment.Config,
	})
}

func (s *simulatedSession) Close() error { return nil }
