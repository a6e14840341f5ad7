package models

import "time"

// EntityKind names the kind of record a transition event belongs to
type EntityKind string

const (
	EntityDataset    EntityKind = "dataset"
	EntityExperiment EntityKind = "experiment"
	EntityJob        EntityKind = "job"
)

// TransitionEvent represents a state transition of a dataset, experiment or job
type TransitionEvent struct {
	ID         int64
	EntityKind EntityKind
	EntityID   string
	At         time.Time
	FromStatus *string
	ToStatus   string
	Reason     string
	Meta       map[string]interface{}
}

// ArtifactType represents the type of experiment artifact
type ArtifactType string

const (
	ArtifactTypeCheckpoint ArtifactType = "checkpoint"
	ArtifactTypeMetrics    ArtifactType = "metrics"
)

// Artifact represents a stored experiment artifact
type Artifact struct {
	ID        int64
	OwnerID   string // experiment id
	Type      ArtifactType
	URI       string
	CreatedAt time.Time
	Meta      map[string]interface{}
}

// ProgressSnapshot is the latest known training progress of an experiment
type ProgressSnapshot struct {
	ExperimentID string    `json:"experiment_id"`
	CurrentEpoch int       `json:"current_epoch"`
	TotalEpochs  int       `json:"total_epochs"`
	CurrentStep  int       `json:"current_step"`
	TotalSteps   int       `json:"total_steps"`
	Loss         float64   `json:"loss"`
	LastUpdate   time.Time `json:"last_update"`
}

// ModelKind distinguishes base models from adapters
type ModelKind string

const (
	ModelKindBase    ModelKind = "base"
	ModelKindAdapter ModelKind = "adapter"
)

// Model is a base model or adapter an experiment can train from
type Model struct {
	ID        string
	Name      string
	Kind      ModelKind
	URI       string
	CreatedAt time.Time
}

// Evaluation is the result of an evaluate job for one experiment
type Evaluation struct {
	ID            string
	ExperimentID  string
	CheckpointURI string
	Track         string // "spoken" | "written"
	Scores        map[string]float64
	CreatedAt     time.Time
}
