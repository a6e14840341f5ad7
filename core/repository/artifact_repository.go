package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"veritrain-orchestrator/core/models"
)

// ArtifactRepository handles database operations for experiment artifacts
type ArtifactRepository struct {
	db *DB
}

// NewArtifactRepository creates a new artifact repository
func NewArtifactRepository(db *DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// ListArtifacts retrieves artifacts for an experiment, newest first
func (r *ArtifactRepository) ListArtifacts(ctx context.Context, ownerID string, artifactType *models.ArtifactType) ([]models.Artifact, error) {
	query := `
		SELECT id, owner_id, type, uri, created_at, meta_json
		FROM artifacts
		WHERE owner_id = $1
	`
	args := []interface{}{ownerID}
	argIndex := 2

	if artifactType != nil {
		query += fmt.Sprintf(" AND type = $%d", argIndex)
		args = append(args, *artifactType)
	}

	query += " ORDER BY created_at DESC, id DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "list artifacts")
	}
	defer rows.Close()

	var artifacts []models.Artifact
	for rows.Next() {
		var artifact models.Artifact
		var metaJSON []byte

		err := rows.Scan(
			&artifact.ID,
			&artifact.OwnerID,
			&artifact.Type,
			&artifact.URI,
			&artifact.CreatedAt,
			&metaJSON,
		)
		if err != nil {
			return nil, classify(err, "scan artifact")
		}

		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &artifact.Meta); err != nil {
				return nil, err
			}
		}

		artifacts = append(artifacts, artifact)
	}

	return artifacts, classify(rows.Err(), "list artifacts")
}

// CreateArtifact creates a new artifact record
func (r *ArtifactRepository) CreateArtifact(ctx context.Context, artifact *models.Artifact) error {
	metaJSON := []byte("{}")
	if artifact.Meta != nil {
		raw, err := json.Marshal(artifact.Meta)
		if err != nil {
			return err
		}
		metaJSON = raw
	}

	query := `
		INSERT INTO artifacts (owner_id, type, uri, meta_json)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query, artifact.OwnerID, artifact.Type, artifact.URI, jsonValue(metaJSON)).
		Scan(&artifact.ID, &artifact.CreatedAt)
	return classify(err, "create artifact")
}
