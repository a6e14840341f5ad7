package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/models"
)

// ExperimentRepository handles database operations for experiments
type ExperimentRepository struct {
	db *DB
}

// NewExperimentRepository creates a new experiment repository
func NewExperimentRepository(db *DB) *ExperimentRepository {
	return &ExperimentRepository{db: db}
}

const experimentColumns = `id, name, owner_id, dataset_id, base_model_id, adapter_id, config, status,
	job_handle, started_at, completed_at, progress, checkpoint_uri, metrics, error, created_at, updated_at`

// SaveExperiment upserts an experiment
func (r *ExperimentRepository) SaveExperiment(ctx context.Context, e *models.Experiment) error {
	config, err := json.Marshal(e.Config)
	if err != nil {
		return err
	}
	var progress, metrics, detail []byte
	if e.Progress != nil {
		if progress, err = json.Marshal(e.Progress); err != nil {
			return err
		}
	}
	if e.Metrics != nil {
		if metrics, err = json.Marshal(e.Metrics); err != nil {
			return err
		}
	}
	if e.Error != nil {
		if detail, err = json.Marshal(e.Error); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO experiments (` + experimentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			config = EXCLUDED.config,
			status = EXCLUDED.status,
			job_handle = EXCLUDED.job_handle,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			progress = EXCLUDED.progress,
			checkpoint_uri = EXCLUDED.checkpoint_uri,
			metrics = EXCLUDED.metrics,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.ExecContext(ctx, query,
		e.ID,
		e.Name,
		e.OwnerID,
		e.DatasetID,
		e.BaseModelID,
		nullString(e.AdapterID),
		jsonValue(config),
		e.Status,
		nullString(e.JobHandle),
		e.StartedAt,
		e.CompletedAt,
		jsonValue(progress),
		nullString(e.CheckpointURI),
		jsonValue(metrics),
		jsonValue(detail),
		e.CreatedAt,
		e.UpdatedAt,
	)
	return classify(err, "save experiment")
}

// GetExperiment retrieves an experiment by ID
func (r *ExperimentRepository) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE id = $1`
	e, err := scanExperiment(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("experiment", id)
	}
	if err != nil {
		return nil, classify(err, "get experiment")
	}
	return e, nil
}

// FindExperiments lists experiments matching the filter, oldest first
func (r *ExperimentRepository) FindExperiments(ctx context.Context, filter ExperimentFilter) ([]*models.Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE 1 = 1`
	args := []interface{}{}
	argIndex := 1

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, *filter.Status)
		argIndex++
	}
	if filter.DatasetID != "" {
		query += fmt.Sprintf(" AND dataset_id = $%d", argIndex)
		args = append(args, filter.DatasetID)
		argIndex++
	}
	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIndex)
		args = append(args, filter.OwnerID)
		argIndex++
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "find experiments")
	}
	defer rows.Close()

	var experiments []*models.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, classify(err, "scan experiment")
		}
		experiments = append(experiments, e)
	}
	return experiments, classify(rows.Err(), "find experiments")
}

func scanExperiment(row rowScanner) (*models.Experiment, error) {
	var e models.Experiment
	var adapterID, jobHandle, checkpointURI sql.NullString
	var startedAt, completedAt sql.NullTime
	var config, progress, metrics, detail []byte

	err := row.Scan(
		&e.ID,
		&e.Name,
		&e.OwnerID,
		&e.DatasetID,
		&e.BaseModelID,
		&adapterID,
		&config,
		&e.Status,
		&jobHandle,
		&startedAt,
		&completedAt,
		&progress,
		&checkpointURI,
		&metrics,
		&detail,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.AdapterID = stringPtr(adapterID)
	e.JobHandle = stringPtr(jobHandle)
	e.CheckpointURI = stringPtr(checkpointURI)
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal(config, &e.Config); err != nil {
		return nil, fmt.Errorf("decode config of experiment %s: %w", e.ID, err)
	}
	if len(progress) > 0 {
		e.Progress = &models.ProgressSnapshot{}
		if err := json.Unmarshal(progress, e.Progress); err != nil {
			return nil, fmt.Errorf("decode progress of experiment %s: %w", e.ID, err)
		}
	}
	if len(metrics) > 0 {
		e.Metrics = &models.ExperimentMetrics{}
		if err := json.Unmarshal(metrics, e.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics of experiment %s: %w", e.ID, err)
		}
	}
	if len(detail) > 0 {
		e.Error = &models.ErrorDetail{}
		if err := json.Unmarshal(detail, e.Error); err != nil {
			return nil, fmt.Errorf("decode error of experiment %s: %w", e.ID, err)
		}
	}
	return &e, nil
}
