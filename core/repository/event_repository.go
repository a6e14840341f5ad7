package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"veritrain-orchestrator/core/models"
)

// EventRepository handles database operations for transition events
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// AppendEvent inserts a transition event
func (r *EventRepository) AppendEvent(ctx context.Context, event *models.TransitionEvent) error {
	query := `
		INSERT INTO transition_events (entity_kind, entity_id, at, from_status, to_status, reason, meta_json)
		VALUES ($1, $2, COALESCE($3, NOW()), $4, $5, $6, $7)
		RETURNING id, at
	`

	metaJSON := []byte("{}")
	if event.Meta != nil {
		raw, err := json.Marshal(event.Meta)
		if err != nil {
			return err
		}
		metaJSON = raw
	}

	var at interface{}
	if !event.At.IsZero() {
		at = event.At
	}

	err := r.db.QueryRowContext(ctx, query,
		event.EntityKind,
		event.EntityID,
		at,
		nullString(event.FromStatus),
		event.ToStatus,
		event.Reason,
		jsonValue(metaJSON),
	).Scan(&event.ID, &event.At)
	return classify(err, "append event")
}

// ListEvents retrieves the events of one entity, newest first
func (r *EventRepository) ListEvents(ctx context.Context, entityID string, limit int) ([]models.TransitionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, entity_kind, entity_id, at, from_status, to_status, reason, meta_json
		FROM transition_events
		WHERE entity_id = $1
		ORDER BY at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, entityID, limit)
	if err != nil {
		return nil, classify(err, "list events")
	}
	defer rows.Close()

	var events []models.TransitionEvent
	for rows.Next() {
		var event models.TransitionEvent
		var fromStatus sql.NullString
		var metaJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.EntityKind,
			&event.EntityID,
			&event.At,
			&fromStatus,
			&event.ToStatus,
			&event.Reason,
			&metaJSON,
		)
		if err != nil {
			return nil, classify(err, "scan event")
		}

		event.FromStatus = stringPtr(fromStatus)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &event.Meta); err != nil {
				return nil, err
			}
		}

		events = append(events, event)
	}

	return events, classify(rows.Err(), "list events")
}
