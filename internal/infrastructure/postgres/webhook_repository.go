package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"finsync/internal/domain/webhook"
)

const webhookColumns = `id, external_id, provider, event_type, payload, status, retry_count,
	error_message, received_at, claimed_at, processed_at`

// WebhookRepository implements the webhook.Repository interface for PostgreSQL
type WebhookRepository struct {
	db querier
}

// NewWebhookRepository creates a new PostgreSQL webhook event repository
func NewWebhookRepository(db *DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

func scanEvent(row scanner, extra ...any) (*webhook.Event, error) {
	var e webhook.Event
	var payload []byte
	var processedAt sql.NullTime

	dest := []any{
		&e.ID, &e.ExternalID, &e.Provider, &e.EventType, &payload, &e.Status, &e.RetryCount,
		&e.ErrorMessage, &e.ReceivedAt, &e.ClaimedAt, &processedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	e.Payload = payload
	e.ProcessedAt = timePtr(processedAt)
	return &e, nil
}

// Claim inserts the event as received. On a key collision only a failed row,
// or a received row abandoned before staleBefore, is taken over; xmax tells
// an update apart from an insert. Taking over an abandoned row counts as an
// attempt.
func (r *WebhookRepository) Claim(ctx context.Context, e *webhook.Event, staleBefore time.Time) (*webhook.ClaimResult, error) {
	query := `
		INSERT INTO webhook_events (id, external_id, provider, event_type, payload, status, received_at, claimed_at)
		VALUES ($1, $2, $3, $4, $5, 'received', $6, $6)
		ON CONFLICT (provider, external_id) WHERE status <> 'skipped' DO UPDATE SET
			status = 'received',
			payload = EXCLUDED.payload,
			error_message = '',
			claimed_at = EXCLUDED.claimed_at,
			retry_count = webhook_events.retry_count
				+ CASE WHEN webhook_events.status = 'received' THEN 1 ELSE 0 END
		WHERE webhook_events.status = 'failed'
			OR (webhook_events.status = 'received' AND webhook_events.claimed_at < $7)
		RETURNING ` + webhookColumns + `, (xmax <> 0) AS reclaimed
	`

	var reclaimed bool
	stored, err := scanEvent(r.db.QueryRowContext(ctx, query,
		e.ID, e.ExternalID, e.Provider, e.EventType, []byte(e.Payload), e.ReceivedAt, staleBefore,
	), &reclaimed)
	if errors.Is(err, sql.ErrNoRows) {
		return &webhook.ClaimResult{Claimed: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim webhook event: %w", err)
	}

	return &webhook.ClaimResult{Claimed: true, Redelivery: reclaimed, Event: stored}, nil
}

func (r *WebhookRepository) RecordSkipped(ctx context.Context, e *webhook.Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, external_id, provider, event_type, payload, status, received_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, 'skipped', $6, $6)
	`, e.ID, e.ExternalID, e.Provider, e.EventType, []byte(e.Payload), e.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to record skipped webhook: %w", err)
	}
	return nil
}

func (r *WebhookRepository) MarkSuccess(ctx context.Context, id string, at time.Time) error {
	return r.mark(ctx, `
		UPDATE webhook_events SET status = 'success', error_message = '', processed_at = $2 WHERE id = $1
	`, id, at)
}

func (r *WebhookRepository) MarkFailed(ctx context.Context, id string, message string, at time.Time) error {
	return r.mark(ctx, `
		UPDATE webhook_events
		SET status = 'failed', error_message = $3, retry_count = retry_count + 1, processed_at = $2
		WHERE id = $1
	`, id, at, message)
}

func (r *WebhookRepository) mark(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}

	changed, err := rowsChanged(result)
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if !changed {
		return webhook.ErrEventNotFound
	}
	return nil
}

func (r *WebhookRepository) ListRetryable(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]*webhook.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+webhookColumns+`
		FROM webhook_events
		WHERE retry_count < $1
			AND (status = 'failed' OR (status = 'received' AND claimed_at < $2))
		ORDER BY received_at
		LIMIT $3
	`, maxRetries, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable webhooks: %w", err)
	}
	defer rows.Close()

	var events []*webhook.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook events: %w", err)
	}

	return events, nil
}

// Reclaim takes over a failed or abandoned event with a conditional update.
func (r *WebhookRepository) Reclaim(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = 'received', claimed_at = $2,
			retry_count = retry_count + CASE WHEN status = 'received' THEN 1 ELSE 0 END
		WHERE id = $1
			AND (status = 'failed' OR (status = 'received' AND claimed_at < $3))
	`, id, now, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim webhook event: %w", err)
	}

	ok, err := rowsChanged(result)
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return ok, nil
}
