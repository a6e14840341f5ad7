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

// DatasetRepository handles database operations for datasets
type DatasetRepository struct {
	db *DB
}

// NewDatasetRepository creates a new dataset repository
func NewDatasetRepository(db *DB) *DatasetRepository {
	return &DatasetRepository{db: db}
}

const datasetColumns = `id, lineage_id, version, parent_id, name, type, language_direction, scene,
	file_path, status, quality_gate, gate_job_id, created_at, updated_at`

// SaveDataset upserts a dataset. The quality gate result is written as one
// JSONB value so a re-run replaces the prior result in a single statement.
func (r *DatasetRepository) SaveDataset(ctx context.Context, d *models.Dataset) error {
	var gate []byte
	if d.QualityGate != nil {
		raw, err := json.Marshal(d.QualityGate)
		if err != nil {
			return err
		}
		gate = raw
	}

	query := `
		INSERT INTO datasets (` + datasetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			quality_gate = EXCLUDED.quality_gate,
			gate_job_id = EXCLUDED.gate_job_id,
			name = EXCLUDED.name,
			file_path = EXCLUDED.file_path,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		d.ID,
		d.LineageID,
		d.Version,
		nullString(d.ParentID),
		d.Name,
		d.Type,
		d.LanguageDirection,
		d.Scene,
		d.FilePath,
		d.Status,
		jsonValue(gate),
		nullString(d.GateJobID),
		d.CreatedAt,
		d.UpdatedAt,
	)
	return classify(err, "save dataset")
}

// GetDataset retrieves a dataset by ID
func (r *DatasetRepository) GetDataset(ctx context.Context, id string) (*models.Dataset, error) {
	query := `SELECT ` + datasetColumns + ` FROM datasets WHERE id = $1`
	d, err := scanDataset(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("dataset", id)
	}
	if err != nil {
		return nil, classify(err, "get dataset")
	}
	return d, nil
}

// FindDatasets lists datasets matching the filter, oldest first
func (r *DatasetRepository) FindDatasets(ctx context.Context, filter DatasetFilter) ([]*models.Dataset, error) {
	query := `SELECT ` + datasetColumns + ` FROM datasets WHERE 1 = 1`
	args := []interface{}{}
	argIndex := 1

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, *filter.Status)
		argIndex++
	}
	if filter.LineageID != "" {
		query += fmt.Sprintf(" AND lineage_id = $%d", argIndex)
		args = append(args, filter.LineageID)
		argIndex++
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "find datasets")
	}
	defer rows.Close()

	var datasets []*models.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, classify(err, "scan dataset")
		}
		datasets = append(datasets, d)
	}
	return datasets, classify(rows.Err(), "find datasets")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDataset(row rowScanner) (*models.Dataset, error) {
	var d models.Dataset
	var parentID, gateJobID sql.NullString
	var gate []byte

	err := row.Scan(
		&d.ID,
		&d.LineageID,
		&d.Version,
		&parentID,
		&d.Name,
		&d.Type,
		&d.LanguageDirection,
		&d.Scene,
		&d.FilePath,
		&d.Status,
		&gate,
		&gateJobID,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.ParentID = stringPtr(parentID)
	d.GateJobID = stringPtr(gateJobID)
	if len(gate) > 0 && string(gate) != "null" {
		var result models.QualityGateResult
		if err := json.Unmarshal(gate, &result); err != nil {
			return nil, fmt.Errorf("decode quality gate of dataset %s: %w", d.ID, err)
		}
		d.QualityGate = &result
	}
	return &d, nil
}
