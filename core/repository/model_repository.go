package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/models"
)

// ModelRepository handles database operations for base models and adapters
type ModelRepository struct {
	db *DB
}

// NewModelRepository creates a new model repository
func NewModelRepository(db *DB) *ModelRepository {
	return &ModelRepository{db: db}
}

// SaveModel upserts a model
func (r *ModelRepository) SaveModel(ctx context.Context, m *models.Model) error {
	query := `
		INSERT INTO models (id, name, kind, uri, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, uri = EXCLUDED.uri
	`
	_, err := r.db.ExecContext(ctx, query, m.ID, m.Name, m.Kind, m.URI, m.CreatedAt)
	return classify(err, "save model")
}

// GetModel retrieves a model by ID
func (r *ModelRepository) GetModel(ctx context.Context, id string) (*models.Model, error) {
	var m models.Model
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, kind, uri, created_at FROM models WHERE id = $1`, id,
	).Scan(&m.ID, &m.Name, &m.Kind, &m.URI, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("model", id)
	}
	if err != nil {
		return nil, classify(err, "get model")
	}
	return &m, nil
}

// EvaluationRepository handles database operations for evaluation results
type EvaluationRepository struct {
	db *DB
}

// NewEvaluationRepository creates a new evaluation repository
func NewEvaluationRepository(db *DB) *EvaluationRepository {
	return &EvaluationRepository{db: db}
}

// SaveEvaluation upserts an evaluation
func (r *EvaluationRepository) SaveEvaluation(ctx context.Context, e *models.Evaluation) error {
	scores, err := json.Marshal(e.Scores)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO evaluations (id, experiment_id, checkpoint_uri, track, scores, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET scores = EXCLUDED.scores
	`
	_, err = r.db.ExecContext(ctx, query, e.ID, e.ExperimentID, e.CheckpointURI, e.Track, jsonValue(scores), e.CreatedAt)
	return classify(err, "save evaluation")
}

// ListEvaluations retrieves the evaluations of one experiment, oldest first
func (r *EvaluationRepository) ListEvaluations(ctx context.Context, experimentID string) ([]*models.Evaluation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, experiment_id, checkpoint_uri, track, scores, created_at
		FROM evaluations
		WHERE experiment_id = $1
		ORDER BY created_at
	`, experimentID)
	if err != nil {
		return nil, classify(err, "list evaluations")
	}
	defer rows.Close()

	var evaluations []*models.Evaluation
	for rows.Next() {
		var e models.Evaluation
		var scores []byte
		if err := rows.Scan(&e.ID, &e.ExperimentID, &e.CheckpointURI, &e.Track, &scores, &e.CreatedAt); err != nil {
			return nil, classify(err, "scan evaluation")
		}
		if err := json.Unmarshal(scores, &e.Scores); err != nil {
			return nil, err
		}
		evaluations = append(evaluations, &e)
	}
	return evaluations, classify(rows.Err(), "list evaluations")
}
