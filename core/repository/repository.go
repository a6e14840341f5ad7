package repository

import (
	"context"

	"veritrain-orchestrator/core/models"
)

// DatasetFilter selects datasets in FindDatasets. Zero fields match everything.
type DatasetFilter struct {
	Status    *models.DatasetStatus
	LineageID string
	Limit     int
}

// ExperimentFilter selects experiments in FindExperiments. Zero fields match everything.
type ExperimentFilter struct {
	Status    *models.ExperimentStatus
	DatasetID string
	OwnerID   string
	Limit     int
}

// DatasetStore persists dataset versions
type DatasetStore interface {
	GetDataset(ctx context.Context, id string) (*models.Dataset, error)
	FindDatasets(ctx context.Context, filter DatasetFilter) ([]*models.Dataset, error)
	SaveDataset(ctx context.Context, dataset *models.Dataset) error
}

// ExperimentStore persists experiments
type ExperimentStore interface {
	GetExperiment(ctx context.Context, id string) (*models.Experiment, error)
	FindExperiments(ctx context.Context, filter ExperimentFilter) ([]*models.Experiment, error)
	SaveExperiment(ctx context.Context, experiment *models.Experiment) error
}

// ModelStore persists base models and adapters
type ModelStore interface {
	GetModel(ctx context.Context, id string) (*models.Model, error)
	SaveModel(ctx context.Context, model *models.Model) error
}

// EventLog is the append-only transition log
type EventLog interface {
	AppendEvent(ctx context.Context, event *models.TransitionEvent) error
	ListEvents(ctx context.Context, entityID string, limit int) ([]models.TransitionEvent, error)
}

// ArtifactStore records stored experiment artifacts
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, artifact *models.Artifact) error
	ListArtifacts(ctx context.Context, ownerID string, artifactType *models.ArtifactType) ([]models.Artifact, error)
}

// EvaluationStore persists evaluation results
type EvaluationStore interface {
	SaveEvaluation(ctx context.Context, evaluation *models.Evaluation) error
	ListEvaluations(ctx context.Context, experimentID string) ([]*models.Evaluation, error)
}

// Store is the full storage collaborator consumed by the engine
type Store interface {
	DatasetStore
	ExperimentStore
	ModelStore
	EventLog
	ArtifactStore
	EvaluationStore
}
