package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ProctoringEventRepository provides data access for the proctoring log.
type ProctoringEventRepository struct {
	pool *pgxpool.Pool
}

// NewProctoringEventRepository creates a new ProctoringEventRepository.
func NewProctoringEventRepository(pool *pgxpool.Pool) *ProctoringEventRepository {
	return &ProctoringEventRepository{pool: pool}
}

var eventColumns = []string{
	"id", "attempt_id", "user_id", "event_type", "severity",
	"sequence_number", "meta", "occurred_at", "recorded_at",
}

// CopyEvents bulk-inserts a batch. Any duplicate (attempt_id, sequence_number)
// fails the whole copy.
func (r *ProctoringEventRepository) CopyEvents(ctx context.Context, events []model.ProctoringEvent) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		meta, err := json.Marshal(e.Meta)
		if err != nil {
			return fmt.Errorf("encode meta: %w", err)
		}
		rows = append(rows, []interface{}{
			e.ID, e.AttemptID, e.UserID, e.EventType, e.Severity,
			e.SequenceNumber, meta, e.OccurredAt, e.RecordedAt,
		})
	}

	_, err := r.pool.CopyFrom(ctx, pgx.Identifier{"proctoring_events"}, eventColumns, pgx.CopyFromRows(rows))
	return err
}

// InsertEvent inserts one event, ignoring a redelivered sequence number.
func (r *ProctoringEventRepository) InsertEvent(ctx context.Context, e model.ProctoringEvent) error {
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO proctoring_events
		   (id, attempt_id, user_id, event_type, severity, sequence_number, meta, occurred_at, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
		 ON CONFLICT (attempt_id, sequence_number) DO NOTHING`,
		e.ID, e.AttemptID, e.UserID, e.EventType, e.Severity,
		e.SequenceNumber, meta, e.OccurredAt, e.RecordedAt,
	)
	return err
}

// ListByAttempt returns an attempt's events in sequence order.
func (r *ProctoringEventRepository) ListByAttempt(ctx context.Context, attemptID string) ([]model.ProctoringEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, attempt_id, user_id, event_type, severity, sequence_number, meta, occurred_at, recorded_at
		 FROM proctoring_events
		 WHERE attempt_id = $1
		 ORDER BY sequence_number, occurred_at`,
		attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]model.ProctoringEvent, 0)
	for rows.Next() {
		var (
			e    model.ProctoringEvent
			meta []byte
		)
		if err := rows.Scan(
			&e.ID, &e.AttemptID, &e.UserID, &e.EventType, &e.Severity,
			&e.SequenceNumber, &meta, &e.OccurredAt, &e.RecordedAt,
		); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, fmt.Errorf("decode meta of event %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
