package engine

import (
	"context"
	"strings"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/models"
	"veritrain-orchestrator/core/repository"
	"veritrain-orchestrator/core/spec"
	"veritrain-orchestrator/storage"

	"github.com/google/uuid"
)

// NewDataset describes the first version of a dataset lineage
type NewDataset struct {
	Name              string             `json:"name"`
	Type              models.DatasetType `json:"type"`
	LanguageDirection string             `json:"language_direction"`
	Scene             string             `json:"scene"`
	FilePath          string             `json:"file_path"`
}

// DatasetRevision describes a child version. Empty fields are inherited from the parent.
type DatasetRevision struct {
	Name     string `json:"name,omitempty"`
	FilePath string `json:"file_path"`
}

// NewExperiment describes an experiment to create
type NewExperiment struct {
	Name        string                 `json:"name"`
	OwnerID     string                 `json:"-"`
	DatasetID   string                 `json:"dataset_id"`
	BaseModelID string                 `json:"base_model_id"`
	AdapterID   *string                `json:"adapter_id,omitempty"`
	Config      *models.TrainingConfig `json:"config,omitempty"`
}

// NewModel describes a base model or adapter to register
type NewModel struct {
	Name string           `json:"name"`
	Kind models.ModelKind `json:"kind"`
	URI  string           `json:"uri"`
}

var (
	datasetTypes = map[models.DatasetType]bool{
		models.DatasetTypeHuman:     true,
		models.DatasetTypeSynthetic: true,
		models.DatasetTypeMixed:     true,
	}
	scenes = map[string]bool{"meeting": true, "written": true}
)

// CreateDataset stores version 1 of a new lineage in draft status
func (e *Engine) CreateDataset(ctx context.Context, in NewDataset) (*models.Dataset, error) {
	var problems []string
	if strings.TrimSpace(in.Name) == "" {
		problems = append(problems, "name is required")
	}
	if in.Type == "" {
		in.Type = models.DatasetTypeHuman
	}
	if !datasetTypes[in.Type] {
		problems = append(problems, "type must be human, synthetic or mixed")
	}
	if _, _, err := storage.SplitLanguageDirection(in.LanguageDirection); err != nil {
		problems = append(problems, "language_direction must look like ja-en")
	}
	if in.Scene == "" {
		in.Scene = "written"
	}
	if !scenes[in.Scene] {
		problems = append(problems, "scene must be meeting or written")
	}
	if strings.TrimSpace(in.FilePath) == "" {
		problems = append(problems, "file_path is required")
	}
	if len(problems) > 0 {
		return nil, apperr.Validation("invalid dataset: %s", strings.Join(problems, "; "))
	}

	now := e.now()
	id := uuid.New().String()
	d := &models.Dataset{
		ID:                id,
		LineageID:         id,
		Version:           1,
		Name:              in.Name,
		Type:              in.Type,
		LanguageDirection: in.LanguageDirection,
		Scene:             in.Scene,
		FilePath:          in.FilePath,
		Status:            models.DatasetStatusDraft,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.SaveDataset(ctx, d); err != nil {
		return nil, err
	}
	e.recordDataset(ctx, d, nil, "created", nil)
	e.log.Info("dataset created", "dataset_id", id, "name", d.Name)
	return d, nil
}

// ReviseDataset forks a blocked dataset into a new draft version of the same
// lineage. The version is one past the highest version in the lineage.
func (e *Engine) ReviseDataset(ctx context.Context, parentID string, in DatasetRevision) (*models.Dataset, error) {
	parent, err := e.store.GetDataset(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status != models.DatasetStatusBlocked {
		return nil, apperr.New(apperr.CodeInvalidTransition, "dataset %s is %s; only blocked datasets can be revised", parentID, parent.Status)
	}
	if strings.TrimSpace(in.FilePath) == "" {
		return nil, apperr.Validation("file_path is required")
	}

	unlock := e.lineageLocks.Lock(parent.LineageID)
	defer unlock()

	lineage, err := e.store.FindDatasets(ctx, repository.DatasetFilter{LineageID: parent.LineageID})
	if err != nil {
		return nil, err
	}
	version := 0
	for _, d := range lineage {
		if d.Version > version {
			version = d.Version
		}
	}

	now := e.now()
	name := in.Name
	if name == "" {
		name = parent.Name
	}
	pid := parent.ID
	child := &models.Dataset{
		ID:                uuid.New().String(),
		LineageID:         parent.LineageID,
		Version:           version + 1,
		ParentID:          &pid,
		Name:              name,
		Type:              parent.Type,
		LanguageDirection: parent.LanguageDirection,
		Scene:             parent.Scene,
		FilePath:          in.FilePath,
		Status:            models.DatasetStatusDraft,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.SaveDataset(ctx, child); err != nil {
		return nil, err
	}
	e.recordDataset(ctx, child, nil, "revised", map[string]interface{}{"parent_id": pid})
	e.log.Info("dataset revised", "dataset_id", child.ID, "parent_id", pid, "version", child.Version)
	return child, nil
}

// GetDataset returns a dataset version
func (e *Engine) GetDataset(ctx context.Context, id string) (*models.Dataset, error) {
	return e.store.GetDataset(ctx, id)
}

// ListDatasets lists dataset versions
func (e *Engine) ListDatasets(ctx context.Context, filter repository.DatasetFilter) ([]*models.Dataset, error) {
	return e.store.FindDatasets(ctx, filter)
}

// RegisterModel records a base model or adapter
func (e *Engine) RegisterModel(ctx context.Context, in NewModel) (*models.Model, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.Validation("model name is required")
	}
	if in.Kind == "" {
		in.Kind = models.ModelKindBase
	}
	if in.Kind != models.ModelKindBase && in.Kind != models.ModelKindAdapter {
		return nil, apperr.Validation("model kind must be base or adapter")
	}
	m := &models.Model{
		ID:        uuid.New().String(),
		Name:      in.Name,
		Kind:      in.Kind,
		URI:       in.URI,
		CreatedAt: e.now(),
	}
	if err := e.store.SaveModel(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetModel returns a registered model
func (e *Engine) GetModel(ctx context.Context, id string) (*models.Model, error) {
	return e.store.GetModel(ctx, id)
}

// CreateExperiment stores a pending experiment. Unset recipe fields take the defaults.
func (e *Engine) CreateExperiment(ctx context.Context, in NewExperiment) (*models.Experiment, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.Validation("experiment name is required")
	}
	if in.OwnerID == "" {
		return nil, apperr.Validation("experiment owner is required")
	}
	if _, err := e.store.GetDataset(ctx, in.DatasetID); err != nil {
		return nil, asValidation(err, "dataset %s does not exist", in.DatasetID)
	}
	if err := e.checkModel(ctx, in.BaseModelID, models.ModelKindBase); err != nil {
		return nil, err
	}
	if in.AdapterID != nil {
		if err := e.checkModel(ctx, *in.AdapterID, models.ModelKindAdapter); err != nil {
			return nil, err
		}
	}

	cfg := models.UnsetTrainingConfig()
	if in.Config != nil {
		cfg = *in.Config
	}
	cfg, err := spec.Normalize(cfg)
	if err != nil {
		return nil, err
	}

	now := e.now()
	exp := &models.Experiment{
		ID:          uuid.New().String(),
		Name:        in.Name,
		OwnerID:     in.OwnerID,
		DatasetID:   in.DatasetID,
		BaseModelID: in.BaseModelID,
		AdapterID:   in.AdapterID,
		Config:      cfg,
		Status:      models.ExperimentStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.SaveExperiment(ctx, exp); err != nil {
		return nil, err
	}
	event := &models.TransitionEvent{
		EntityKind: models.EntityExperiment,
		EntityID:   exp.ID,
		ToStatus:   string(exp.Status),
		Reason:     "created",
		Meta:       map[string]interface{}{"dataset_id": exp.DatasetID, "owner_id": exp.OwnerID},
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.log.Warn("failed to record experiment event", "experiment_id", exp.ID, "error", err)
	}
	e.log.Info("experiment created", "experiment_id", exp.ID, "dataset_id", exp.DatasetID)
	return exp, nil
}

// CreateExperimentFromSpec parses a YAML experiment spec and creates it for owner
func (e *Engine) CreateExperimentFromSpec(ctx context.Context, ownerID, specYAML string) (*models.Experiment, error) {
	draft, err := spec.ParseExperimentSpec(specYAML)
	if err != nil {
		return nil, err
	}
	cfg := draft.Config
	return e.CreateExperiment(ctx, NewExperiment{
		Name:        draft.Name,
		OwnerID:     ownerID,
		DatasetID:   draft.DatasetID,
		BaseModelID: draft.BaseModelID,
		AdapterID:   draft.AdapterID,
		Config:      &cfg,
	})
}

// UpdateExperimentConfig replaces the recipe of a pending experiment owned by callerID
func (e *Engine) UpdateExperimentConfig(ctx context.Context, id, callerID string, cfg models.TrainingConfig) (*models.Experiment, error) {
	normalized, err := spec.Normalize(cfg)
	if err != nil {
		return nil, err
	}
	return e.machine.UpdateConfig(ctx, id, callerID, normalized)
}

// GetExperiment returns an experiment
func (e *Engine) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	return e.store.GetExperiment(ctx, id)
}

// ListExperiments lists experiments
func (e *Engine) ListExperiments(ctx context.Context, filter repository.ExperimentFilter) ([]*models.Experiment, error) {
	return e.store.FindExperiments(ctx, filter)
}

// Events returns the transition history of a dataset, experiment or job, newest first
func (e *Engine) Events(ctx context.Context, entityID string, limit int) ([]models.TransitionEvent, error) {
	return e.store.ListEvents(ctx, entityID, limit)
}

// ExperimentEvents returns the transition history of an experiment, newest first
func (e *Engine) ExperimentEvents(ctx context.Context, experimentID string, limit int) ([]models.TransitionEvent, error) {
	if _, err := e.store.GetExperiment(ctx, experimentID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, experimentID, limit)
}

// Evaluations returns the evaluation results of an experiment
func (e *Engine) Evaluations(ctx context.Context, experimentID string) ([]*models.Evaluation, error) {
	if _, err := e.store.GetExperiment(ctx, experimentID); err != nil {
		return nil, err
	}
	return e.store.ListEvaluations(ctx, experimentID)
}

// Checkpoints returns the checkpoint artifacts of an experiment, newest first
func (e *Engine) Checkpoints(ctx context.Context, experimentID string) ([]models.Artifact, error) {
	checkpoint := models.ArtifactTypeCheckpoint
	return e.store.ListArtifacts(ctx, experimentID, &checkpoint)
}

func (e *Engine) checkModel(ctx context.Context, id string, kind models.ModelKind) error {
	m, err := e.store.GetModel(ctx, id)
	if err != nil {
		return asValidation(err, "%s model %s does not exist", kind, id)
	}
	if m.Kind != kind {
		return apperr.Validation("model %s is a %s model, expected %s", id, m.Kind, kind)
	}
	return nil
}

// asValidation turns a missing reference into a validation error
func asValidation(err error, format string, args ...interface{}) error {
	if apperr.Is(err, apperr.CodeNotFound) {
		return apperr.Wrap(apperr.CodeValidation, err, format, args...)
	}
	return err
}
