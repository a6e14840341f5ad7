package models

import (
	"encoding/json"
	"time"
)

// Experiment is one training + evaluation run of a dataset version on a base model
type Experiment struct {
	ID            string
	Name          string
	OwnerID       string
	DatasetID     string
	BaseModelID   string
	AdapterID     *string
	Config        TrainingConfig
	Status        ExperimentStatus
	JobHandle     *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Progress      *ProgressSnapshot
	CheckpointURI *string
	Metrics       *ExperimentMetrics
	Error         *ErrorDetail
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ExperimentStatus is the lifecycle state of an experiment
type ExperimentStatus string

const (
	ExperimentStatusPending   ExperimentStatus = "pending"
	ExperimentStatusRunning   ExperimentStatus = "running"
	ExperimentStatusCompleted ExperimentStatus = "completed"
	ExperimentStatusFailed    ExperimentStatus = "failed"
	ExperimentStatusStopped   ExperimentStatus = "stopped"
)

// experimentTransitions lists every legal edge of the experiment lifecycle.
// pending->failed only happens when the queue rejects the submission.
var experimentTransitions = map[ExperimentStatus][]ExperimentStatus{
	ExperimentStatusPending: {ExperimentStatusRunning, ExperimentStatusFailed},
	ExperimentStatusRunning: {ExperimentStatusCompleted, ExperimentStatusFailed, ExperimentStatusStopped},
}

// Terminal reports whether no further transition is possible
func (s ExperimentStatus) Terminal() bool {
	return s == ExperimentStatusCompleted || s == ExperimentStatusFailed || s == ExperimentStatusStopped
}

// CanTransition reports whether from -> to is a legal lifecycle edge
func (s ExperimentStatus) CanTransition(to ExperimentStatus) bool {
	for _, next := range experimentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// TrainingConfig is the training recipe of an experiment
type TrainingConfig struct {
	Epochs         int                    `json:"epochs" yaml:"epochs"`
	BatchSize      int                    `json:"batch_size" yaml:"batch_size"`
	LearningRate   float64                `json:"learning_rate" yaml:"learning_rate"`
	WarmupSteps    int                    `json:"warmup_steps" yaml:"warmup_steps"`
	Optimizer      string                 `json:"optimizer" yaml:"optimizer"`
	Seed           int64                  `json:"seed" yaml:"seed"`
	DatasetVersion int                    `json:"dataset_version,omitempty" yaml:"dataset_version"`
	LoRA           map[string]interface{} `json:"lora_config,omitempty" yaml:"lora_config"`
	Environment    map[string]string      `json:"environment,omitempty" yaml:"environment"`
	SkipCheckpoint bool                   `json:"skip_checkpoint,omitempty" yaml:"skip_checkpoint"`
}

// DefaultTrainingConfig returns the recipe defaults used when a field is left unset
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:       10,
		BatchSize:    16,
		LearningRate: 1e-4,
		WarmupSteps:  100,
		Optimizer:    "adamw",
		Seed:         42,
	}
}

// UnsetTrainingConfig returns an empty recipe whose sentinel fields are
// marked unset. WarmupSteps and Seed treat zero as a real value, so a
// negative value stands for "use the default".
func UnsetTrainingConfig() TrainingConfig {
	return TrainingConfig{WarmupSteps: -1, Seed: -1}
}

// UnmarshalJSON decodes a recipe, leaving omitted warmup_steps and seed unset
// rather than zero
func (c *TrainingConfig) UnmarshalJSON(data []byte) error {
	type plain TrainingConfig
	out := plain(UnsetTrainingConfig())
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*c = TrainingConfig(out)
	return nil
}

// Clone returns a deep copy of the config
func (c TrainingConfig) Clone() TrainingConfig {
	out := c
	if c.LoRA != nil {
		out.LoRA = make(map[string]interface{}, len(c.LoRA))
		for k, v := range c.LoRA {
			out.LoRA[k] = v
		}
	}
	if c.Environment != nil {
		out.Environment = make(map[string]string, len(c.Environment))
		for k, v := range c.Environment {
			out.Environment[k] = v
		}
	}
	return out
}

// ExperimentMetrics are the final training metrics of a completed run
type ExperimentMetrics struct {
	FinalLoss       float64 `json:"final_loss"`
	EpochsCompleted int     `json:"epochs_completed"`
}

// ErrorDetail is the machine-readable reason attached to failed jobs and experiments
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Clone returns a deep copy of the experiment
func (e *Experiment) Clone() *Experiment {
	if e == nil {
		return nil
	}
	out := *e
	out.AdapterID = cloneString(e.AdapterID)
	out.Config = e.Config.Clone()
	out.JobHandle = cloneString(e.JobHandle)
	out.StartedAt = cloneTime(e.StartedAt)
	out.CompletedAt = cloneTime(e.CompletedAt)
	out.CheckpointURI = cloneString(e.CheckpointURI)
	if e.Progress != nil {
		p := *e.Progress
		out.Progress = &p
	}
	if e.Metrics != nil {
		m := *e.Metrics
		out.Metrics = &m
	}
	if e.Error != nil {
		d := *e.Error
		out.Error = &d
	}
	return &out
}
