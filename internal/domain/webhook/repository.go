package webhook

import (
	"context"
	"time"
)

// Repository defines the interface for webhook event persistence
type Repository interface {
	// Claim atomically records the event as received, keyed by provider and
	// external id. A failed event with the same key is reclaimed for
	// reprocessing, as is a received one whose processing started before
	// staleBefore. Any other existing event leaves Claimed false.
	Claim(ctx context.Context, e *Event, staleBefore time.Time) (*ClaimResult, error)

	// RecordSkipped stores an audit row for a duplicate delivery.
	RecordSkipped(ctx context.Context, e *Event) error

	MarkSuccess(ctx context.Context, id string, at time.Time) error

	// MarkFailed stores the error and increments the retry count.
	MarkFailed(ctx context.Context, id string, message string, at time.Time) error

	// ListRetryable returns events with fewer than maxRetries attempts that
	// either failed or were left received since before staleBefore, oldest
	// first.
	ListRetryable(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]*Event, error)

	// Reclaim restarts processing of a failed or stale received event. It
	// reports false when someone else holds the event or it has finished.
	Reclaim(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
}
