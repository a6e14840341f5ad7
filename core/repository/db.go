package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"veritrain-orchestrator/core/apperr"

	"github.com/lib/pq"
)

// DB wraps the Postgres connection pool
type DB struct {
	*sql.DB
}

// NewDB opens and pings a Postgres connection
func NewDB(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS datasets (
	id                 TEXT PRIMARY KEY,
	lineage_id         TEXT NOT NULL,
	version            INT NOT NULL,
	parent_id          TEXT REFERENCES datasets(id) ON DELETE RESTRICT,
	name               TEXT NOT NULL,
	type               TEXT NOT NULL,
	language_direction TEXT NOT NULL,
	scene              TEXT NOT NULL,
	file_path          TEXT NOT NULL,
	status             TEXT NOT NULL,
	quality_gate       JSONB,
	gate_job_id        TEXT,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	UNIQUE (lineage_id, version)
);

CREATE TABLE IF NOT EXISTS models (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	uri        TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS experiments (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	owner_id       TEXT NOT NULL,
	dataset_id     TEXT NOT NULL REFERENCES datasets(id) ON DELETE RESTRICT,
	base_model_id  TEXT NOT NULL REFERENCES models(id) ON DELETE RESTRICT,
	adapter_id     TEXT REFERENCES models(id) ON DELETE RESTRICT,
	config         JSONB NOT NULL,
	status         TEXT NOT NULL,
	job_handle     TEXT,
	started_at     TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ,
	progress       JSONB,
	checkpoint_uri TEXT,
	metrics        JSONB,
	error          JSONB,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transition_events (
	id          BIGSERIAL PRIMARY KEY,
	entity_kind TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	from_status TEXT,
	to_status   TEXT NOT NULL,
	reason      TEXT NOT NULL,
	meta_json   JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS transition_events_entity_idx ON transition_events (entity_id, at DESC);

CREATE TABLE IF NOT EXISTS artifacts (
	id         BIGSERIAL PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	type       TEXT NOT NULL,
	uri        TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	meta_json  JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS evaluations (
	id             TEXT PRIMARY KEY,
	experiment_id  TEXT NOT NULL REFERENCES experiments(id) ON DELETE RESTRICT,
	checkpoint_uri TEXT NOT NULL,
	track          TEXT NOT NULL DEFAULT 'written',
	scores         JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the tables if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.ExecContext(ctx, schema)
	return classify(err, "migrate schema")
}

// PostgresStore is the Store backed by Postgres
type PostgresStore struct {
	*DatasetRepository
	*ExperimentRepository
	*ModelRepository
	*EventRepository
	*ArtifactRepository
	*EvaluationRepository
}

// NewPostgresStore creates a Store over db
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{
		DatasetRepository:    NewDatasetRepository(db),
		ExperimentRepository: NewExperimentRepository(db),
		ModelRepository:      NewModelRepository(db),
		EventRepository:      NewEventRepository(db),
		ArtifactRepository:   NewArtifactRepository(db),
		EvaluationRepository: NewEvaluationRepository(db),
	}
}

// classify maps driver errors onto the engine taxonomy. Connection and
// resource errors are transient so queued work retries them.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "40":
			return apperr.Transient(err, "%s", op)
		case "23":
			return apperr.Wrap(apperr.CodeValidation, err, "%s: constraint %s", op, pqErr.Constraint)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return apperr.Transient(err, "%s", op)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// jsonValue turns encoded JSON into a query argument. Nil stays NULL.
func jsonValue(raw []byte) interface{} {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
