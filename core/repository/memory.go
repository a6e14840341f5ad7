package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/models"
)

// MemoryStore is an in-process Store. Records are copied on the way in and
// out so callers never share memory with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	datasets    map[string]*models.Dataset
	experiments map[string]*models.Experiment
	models      map[string]*models.Model
	events      []models.TransitionEvent
	artifacts   []models.Artifact
	evaluations map[string]*models.Evaluation
	nextEventID int64
	nextArtID   int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		datasets:    make(map[string]*models.Dataset),
		experiments: make(map[string]*models.Experiment),
		models:      make(map[string]*models.Model),
		evaluations: make(map[string]*models.Evaluation),
	}
}

// GetDataset retrieves a dataset by ID
func (s *MemoryStore) GetDataset(_ context.Context, id string) (*models.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.datasets[id]
	if !ok {
		return nil, apperr.NotFound("dataset", id)
	}
	return d.Clone(), nil
}

// FindDatasets lists datasets matching the filter, oldest first
func (s *MemoryStore) FindDatasets(_ context.Context, filter DatasetFilter) ([]*models.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Dataset
	for _, d := range s.datasets {
		if filter.Status != nil && d.Status != *filter.Status {
			continue
		}
		if filter.LineageID != "" && d.LineageID != filter.LineageID {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SaveDataset inserts or replaces a dataset
func (s *MemoryStore) SaveDataset(_ context.Context, dataset *models.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[dataset.ID] = dataset.Clone()
	return nil
}

// GetExperiment retrieves an experiment by ID
func (s *MemoryStore) GetExperiment(_ context.Context, id string) (*models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.experiments[id]
	if !ok {
		return nil, apperr.NotFound("experiment", id)
	}
	return e.Clone(), nil
}

// FindExperiments lists experiments matching the filter, oldest first
func (s *MemoryStore) FindExperiments(_ context.Context, filter ExperimentFilter) ([]*models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Experiment
	for _, e := range s.experiments {
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		if filter.DatasetID != "" && e.DatasetID != filter.DatasetID {
			continue
		}
		if filter.OwnerID != "" && e.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SaveExperiment inserts or replaces an experiment
func (s *MemoryStore) SaveExperiment(_ context.Context, experiment *models.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.experiments[experiment.ID] = experiment.Clone()
	return nil
}

// GetModel retrieves a model by ID
func (s *MemoryStore) GetModel(_ context.Context, id string) (*models.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, apperr.NotFound("model", id)
	}
	out := *m
	return &out, nil
}

// SaveModel inserts or replaces a model
func (s *MemoryStore) SaveModel(_ context.Context, model *models.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := *model
	s.models[model.ID] = &m
	return nil
}

// AppendEvent appends a transition event and assigns its ID
func (s *MemoryStore) AppendEvent(_ context.Context, event *models.TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	event.ID = s.nextEventID
	if event.At.IsZero() {
		event.At = time.Now()
	}
	s.events = append(s.events, *event)
	return nil
}

// ListEvents returns the events of one entity, newest first
func (s *MemoryStore) ListEvents(_ context.Context, entityID string, limit int) ([]models.TransitionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TransitionEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].EntityID != entityID {
			continue
		}
		out = append(out, s.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// CreateArtifact records an artifact and assigns its ID
func (s *MemoryStore) CreateArtifact(_ context.Context, artifact *models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextArtID++
	artifact.ID = s.nextArtID
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now()
	}
	s.artifacts = append(s.artifacts, *artifact)
	return nil
}

// ListArtifacts returns the artifacts of one experiment, newest first
func (s *MemoryStore) ListArtifacts(_ context.Context, ownerID string, artifactType *models.ArtifactType) ([]models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Artifact
	for i := len(s.artifacts) - 1; i >= 0; i-- {
		a := s.artifacts[i]
		if a.OwnerID != ownerID {
			continue
		}
		if artifactType != nil && a.Type != *artifactType {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// SaveEvaluation inserts or replaces an evaluation
func (s *MemoryStore) SaveEvaluation(_ context.Context, evaluation *models.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *evaluation
	e.Scores = make(map[string]float64, len(evaluation.Scores))
	for k, v := range evaluation.Scores {
		e.Scores[k] = v
	}
	s.evaluations[e.ID] = &e
	return nil
}

// ListEvaluations returns the evaluations of one experiment, oldest first
func (s *MemoryStore) ListEvaluations(_ context.Context, experimentID string) ([]*models.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Evaluation
	for _, e := range s.evaluations {
		if e.ExperimentID != experimentID {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
