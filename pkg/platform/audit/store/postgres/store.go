package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/google/uuid"

	id "cohort/pkg/domain"
	audit "cohort/pkg/platform/audit"
)

// Schema creates the audit_events table.
//
//go:embed schema.sql
var Schema string

// Store implements audit.Store on the audit_events table.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectEvents = `
	SELECT category, timestamp, batch_id, subject_hash, action,
	       decision, reason, request_id, actor_id, ip, client
	FROM audit_events`

// Append inserts an audit event. The category is always derived from the
// action so callers cannot misfile an event.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	category := audit.AuditEvent(event.Action).Category()

	var batchID sql.NullInt64
	if !event.BatchID.IsNil() {
		batchID = sql.NullInt64{Int64: int64(event.BatchID), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, category, timestamp, batch_id, subject_hash, action,
			decision, reason, request_id, actor_id, ip, client
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		uuid.New(),
		string(category),
		event.Timestamp,
		batchID,
		event.SubjectHash,
		event.Action,
		event.Decision,
		event.Reason,
		event.RequestID,
		event.ActorID,
		event.IP,
		event.Client,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByBatch returns the events of one batch, oldest first.
func (s *Store) ListByBatch(ctx context.Context, batchID id.BatchID) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEvents+`
		WHERE batch_id = $1
		ORDER BY timestamp ASC`, int64(batchID))
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListRecent returns the N most recent events.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEvents+`
		ORDER BY timestamp DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event

	for rows.Next() {
		var (
			category string
			batchID  sql.NullInt64
			event    audit.Event
		)
		err := rows.Scan(
			&category,
			&event.Timestamp,
			&batchID,
			&event.SubjectHash,
			&event.Action,
			&event.Decision,
			&event.Reason,
			&event.RequestID,
			&event.ActorID,
			&event.IP,
			&event.Client,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Category = audit.EventCategory(category)
		if batchID.Valid {
			event.BatchID = id.BatchID(batchID.Int64)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
