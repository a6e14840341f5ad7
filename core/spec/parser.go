package spec

import (
	"fmt"
	"math"
	"strings"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/models"

	"gopkg.in/yaml.v3"
)

// ExperimentSpec represents the YAML experiment specification
type ExperimentSpec struct {
	Experiment ExperimentSpecBody `yaml:"experiment"`
}

// ExperimentSpecBody represents the experiment section of the spec
type ExperimentSpecBody struct {
	Name        string                 `yaml:"name"`
	Owner       string                 `yaml:"owner"`
	Dataset     string                 `yaml:"dataset"`
	BaseModel   string                 `yaml:"base_model"`
	Adapter     string                 `yaml:"adapter,omitempty"`
	Seed        *int64                 `yaml:"seed,omitempty"`
	Training    ExperimentSpecTraining `yaml:"training"`
	Environment map[string]string      `yaml:"environment,omitempty"`
}

// ExperimentSpecTraining represents the training recipe. Unset fields take the defaults.
type ExperimentSpecTraining struct {
	Epochs         int                    `yaml:"epochs"`
	BatchSize      int                    `yaml:"batch_size"`
	LearningRate   float64                `yaml:"learning_rate"`
	WarmupSteps    *int                   `yaml:"warmup_steps,omitempty"`
	Optimizer      string                 `yaml:"optimizer"`
	DatasetVersion int                    `yaml:"dataset_version,omitempty"`
	LoRA           map[string]interface{} `yaml:"lora_config,omitempty"`
	SkipCheckpoint bool                   `yaml:"skip_checkpoint,omitempty"`
}

// Draft is a parsed experiment ready to be created
type Draft struct {
	Name        string
	OwnerID     string
	DatasetID   string
	BaseModelID string
	AdapterID   *string
	Config      models.TrainingConfig
}

// knownOptimizers lists the optimizers a recipe may name
var knownOptimizers = map[string]bool{
	"adamw":     true,
	"adam":      true,
	"sgd":       true,
	"adafactor": true,
}

// ParseExperimentSpec parses a YAML experiment specification
func ParseExperimentSpec(specYAML string) (*Draft, error) {
	var spec ExperimentSpec
	if err := yaml.Unmarshal([]byte(specYAML), &spec); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "failed to parse YAML")
	}
	body := spec.Experiment
	if body.Name == "" || body.Dataset == "" || body.BaseModel == "" {
		return nil, apperr.Validation("experiment name, dataset and base_model are required")
	}

	cfg := models.TrainingConfig{
		Epochs:         body.Training.Epochs,
		BatchSize:      body.Training.BatchSize,
		LearningRate:   body.Training.LearningRate,
		Optimizer:      body.Training.Optimizer,
		DatasetVersion: body.Training.DatasetVersion,
		LoRA:           body.Training.LoRA,
		Environment:    body.Environment,
		SkipCheckpoint: body.Training.SkipCheckpoint,
		WarmupSteps:    -1,
		Seed:           -1,
	}
	if body.Training.WarmupSteps != nil {
		cfg.WarmupSteps = *body.Training.WarmupSteps
	}
	if body.Seed != nil {
		cfg.Seed = *body.Seed
	}

	normalized, err := Normalize(cfg)
	if err != nil {
		return nil, err
	}
	draft := &Draft{
		Name:        body.Name,
		OwnerID:     body.Owner,
		DatasetID:   body.Dataset,
		BaseModelID: body.BaseModel,
		Config:      normalized,
	}
	if body.Adapter != "" {
		adapter := body.Adapter
		draft.AdapterID = &adapter
	}
	return draft, nil
}

// Normalize fills unset recipe fields with the defaults and validates the
// result. A negative WarmupSteps or Seed means unset; zero is a valid choice
// for both.
func Normalize(cfg models.TrainingConfig) (models.TrainingConfig, error) {
	defaults := models.DefaultTrainingConfig()
	out := cfg.Clone()

	// Set defaults
	if out.Epochs == 0 {
		out.Epochs = defaults.Epochs
	}
	if out.BatchSize == 0 {
		out.BatchSize = defaults.BatchSize
	}
	if out.LearningRate == 0 {
		out.LearningRate = defaults.LearningRate
	}
	if out.WarmupSteps < 0 {
		out.WarmupSteps = defaults.WarmupSteps
	}
	if out.Optimizer == "" {
		out.Optimizer = defaults.Optimizer
	}
	if out.Seed < 0 {
		out.Seed = defaults.Seed
	}
	out.Optimizer = strings.ToLower(out.Optimizer)

	var problems []string
	if out.Epochs < 1 || out.Epochs > 1000 {
		problems = append(problems, fmt.Sprintf("epochs must be in [1, 1000], got %d", out.Epochs))
	}
	if out.BatchSize < 1 {
		problems = append(problems, fmt.Sprintf("batch_size must be positive, got %d", out.BatchSize))
	}
	if out.LearningRate <= 0 || out.LearningRate >= 1 || math.IsNaN(out.LearningRate) {
		problems = append(problems, fmt.Sprintf("learning_rate must be in (0, 1), got %g", out.LearningRate))
	}
	if !knownOptimizers[out.Optimizer] {
		problems = append(problems, fmt.Sprintf("unknown optimizer %q", out.Optimizer))
	}
	if out.DatasetVersion < 0 {
		problems = append(problems, fmt.Sprintf("dataset_version must not be negative, got %d", out.DatasetVersion))
	}
	if len(problems) > 0 {
		return models.TrainingConfig{}, apperr.Validation("invalid training config: %s", strings.Join(problems, "; "))
	}
	return out, nil
}
