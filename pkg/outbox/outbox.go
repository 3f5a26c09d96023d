package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Status tracks an event through dispatch.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// Event is a domain event written in the same transaction as the state
// change that produced it. Payload always carries at least {tenant: ...} so
// bus subscribers can invalidate per-tenant caches.
type Event struct {
	ID             uuid.UUID       `db:"id"`
	OccurredAt     time.Time       `db:"occurred_at"`
	Type           string          `db:"type"`
	Payload        json.RawMessage `db:"payload"`
	Status         Status          `db:"status"`
	Attempts       int             `db:"attempts"`
	NextAttemptAt  sql.NullTime    `db:"next_attempt_at"`
	IdempotencyKey sql.NullString  `db:"idempotency_key"`
}

// NewEvent builds a pending event with a fresh id.
func NewEvent(eventType string, payload any, idempotencyKey string) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	evt := &Event{
		ID:         uuid.New(),
		OccurredAt: time.Now().UTC(),
		Type:       eventType,
		Payload:    raw,
		Status:     StatusPending,
	}
	if idempotencyKey != "" {
		evt.IdempotencyKey = sql.NullString{String: idempotencyKey, Valid: true}
	}
	return evt, nil
}

// Store persists outbox rows. All writes happen through the caller's
// transaction so the event commits atomically with its originating write.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps a database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts a pending event inside tx. The partial unique index on
// idempotency_key makes concurrent producers at-most-once: a duplicate key
// is silently skipped.
func (s *Store) Enqueue(ctx context.Context, tx *sqlx.Tx, evt *Event) error {
	const q = `
		INSERT INTO outbox_events (id, occurred_at, type, payload, status, attempts, next_attempt_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, 0, NULL, $6)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`
	if _, err := tx.ExecContext(ctx, q, evt.ID, evt.OccurredAt, evt.Type, []byte(evt.Payload), evt.Status, evt.IdempotencyKey); err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// FetchPending returns due pending/failed events in dispatch order:
// next_attempt_at NULLS FIRST, then occurred_at.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]*Event, error) {
	const q = `
		SELECT id, occurred_at, type, payload, status, attempts, next_attempt_at, idempotency_key
		FROM outbox_events
		WHERE status IN ('pending', 'failed')
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY next_attempt_at ASC NULLS FIRST, occurred_at ASC
		LIMIT $2`
	var events []*Event
	if err := s.db.SelectContext(ctx, &events, q, time.Now().UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to fetch pending outbox events: %w", err)
	}
	return events, nil
}

// MarkDispatched finalizes a successfully published event.
func (s *Store) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE outbox_events SET status = 'dispatched', next_attempt_at = NULL WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("failed to mark outbox event dispatched: %w", err)
	}
	return nil
}

// MarkFailed bumps attempts and schedules the next try.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, nextAttempt time.Time) error {
	const q = `UPDATE outbox_events SET status = 'failed', attempts = $2, next_attempt_at = $3 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, id, attempts, nextAttempt); err != nil {
		return fmt.Errorf("failed to mark outbox event failed: %w", err)
	}
	return nil
}

// MarkDead parks an event that exhausted its attempts.
func (s *Store) MarkDead(ctx context.Context, id uuid.UUID, attempts int) error {
	const q = `UPDATE outbox_events SET status = 'dead', attempts = $2, next_attempt_at = NULL WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, id, attempts); err != nil {
		return fmt.Errorf("failed to mark outbox event dead: %w", err)
	}
	return nil
}
