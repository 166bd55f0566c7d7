package openfinance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"finsync/internal/domain/account"
	"finsync/internal/domain/enrollment"
	"finsync/internal/domain/webhook"
	"finsync/internal/infrastructure/connector"
)

// DefaultInlineMaxBytes is the largest transactions payload synced inline.
const DefaultInlineMaxBytes = 16 << 10

var webhookTotal, _ = syncMeter.Int64Counter("webhook.events.total", metric.WithDescription("Webhook deliveries by outcome"))

// SyncRequester queues a background sync of one account.
type SyncRequester interface {
	RequestSync(accountID string) error
}

// IngestResult describes what happened to one delivery.
type IngestResult struct {
	EventID   string                `json:"eventId"`
	Kind      connector.WebhookKind `json:"kind"`
	Duplicate bool                  `json:"duplicate"`
	Status    webhook.Status        `json:"status"`
	Error     string                `json:"error,omitempty"`
}

// WebhookIngestor turns verified provider notifications into enrollment
// status changes and account syncs, at most once per delivery id.
type WebhookIngestor struct {
	engine    *Engine
	manager   *EnrollmentManager
	handlers  map[string]connector.WebhookHandler
	requester SyncRequester
	inlineMax int
}

// NewWebhookIngestor creates a new webhook ingestor. requester may be nil,
// in which case every affected account is synced inline.
func NewWebhookIngestor(engine *Engine, manager *EnrollmentManager, requester SyncRequester, inlineMax int, handlers ...connector.WebhookHandler) *WebhookIngestor {
	if inlineMax <= 0 {
		inlineMax = DefaultInlineMaxBytes
	}
	byProvider := make(map[string]connector.WebhookHandler, len(handlers))
	for _, h := range handlers {
		if h != nil {
			byProvider[h.Provider()] = h
		}
	}
	return &WebhookIngestor{
		engine:    engine,
		manager:   manager,
		handlers:  byProvider,
		requester: requester,
		inlineMax: inlineMax,
	}
}

// Ingest verifies, records and processes one delivery. Once the event is
// durably recorded the returned error is nil even if processing failed; the
// failure is stored on the event for a later retry.
func (w *WebhookIngestor) Ingest(ctx context.Context, provider string, raw []byte, header http.Header) (*IngestResult, error) {
	h, ok := w.handlers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", webhook.ErrUnknownProvider, provider)
	}
	if err := h.Verify(ctx, raw, header); err != nil {
		webhookTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider), attribute.String("outcome", "rejected")))
		return nil, fmt.Errorf("%w: %w", webhook.ErrInvalidSignature, err)
	}
	parsed, err := h.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", webhook.ErrMalformedPayload, err)
	}

	now := w.engine.now()
	event := &webhook.Event{
		ID:         uuid.NewString(),
		ExternalID: parsed.ExternalID,
		Provider:   provider,
		EventType:  parsed.RawType,
		Payload:    raw,
		Status:     webhook.StatusReceived,
		ReceivedAt: now,
		ClaimedAt:  now,
	}
	claim, err := w.engine.repos.Webhooks.Claim(ctx, event, now.Add(-w.engine.cfg.WebhookLease))
	if err != nil {
		return nil, fmt.Errorf("failed to record webhook: %w", err)
	}

	if !claim.Claimed {
		skipped := *event
		skipped.ID = uuid.NewString()
		skipped.Status = webhook.StatusSkipped
		if err := w.engine.repos.Webhooks.RecordSkipped(ctx, &skipped); err != nil {
			log.Printf("Webhook %s: Failed to record duplicate delivery: %v", parsed.ExternalID, err)
		}
		webhookTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider), attribute.String("outcome", "duplicate")))
		return &IngestResult{EventID: skipped.ID, Kind: parsed.Kind, Duplicate: true, Status: webhook.StatusSkipped}, nil
	}

	stored := claim.Event
	if stored == nil {
		stored = event
	}
	if claim.Redelivery {
		log.Printf("Webhook %s: Reprocessing redelivered event", parsed.ExternalID)
	}
	return w.process(ctx, stored, parsed), nil
}

// RetryFailed reprocesses failed events that have retries left, along with
// events abandoned in received for longer than the webhook lease. It returns
// how many of them succeeded this time.
func (w *WebhookIngestor) RetryFailed(ctx context.Context, maxRetries, limit int) (int, error) {
	staleBefore := w.engine.now().Add(-w.engine.cfg.WebhookLease)
	events, err := w.engine.repos.Webhooks.ListRetryable(ctx, maxRetries, staleBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list failed webhooks: %w", err)
	}

	succeeded := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return succeeded, ctx.Err()
		}
		ok, err := w.engine.repos.Webhooks.Reclaim(ctx, ev.ID, w.engine.now(), staleBefore)
		if err != nil {
			log.Printf("Webhook %s: Failed to reclaim: %v", ev.ExternalID, err)
			continue
		}
		if !ok {
			continue
		}

		h, found := w.handlers[ev.Provider]
		if !found {
			w.markFailed(ctx, ev, fmt.Errorf("%w: %s", webhook.ErrUnknownProvider, ev.Provider))
			continue
		}
		parsed, err := h.Parse(ev.Payload)
		if err != nil {
			w.markFailed(ctx, ev, fmt.Errorf("%w: %w", webhook.ErrMalformedPayload, err))
			continue
		}
		if res := w.process(ctx, ev, parsed); res.Status == webhook.StatusSuccess {
			succeeded++
		}
	}

	if len(events) > 0 {
		log.Printf("Webhook retry: %d of %d pending events reprocessed", succeeded, len(events))
	}
	return succeeded, nil
}

func (w *WebhookIngestor) process(ctx context.Context, stored *webhook.Event, parsed *connector.WebhookEvent) *IngestResult {
	result := &IngestResult{EventID: stored.ID, Kind: parsed.Kind}

	if err := w.dispatch(ctx, stored.Provider, parsed, len(stored.Payload)); err != nil {
		log.Printf("Webhook %s: Processing %s failed: %v", stored.ExternalID, parsed.RawType, err)
		w.markFailed(ctx, stored, err)
		result.Status = webhook.StatusFailed
		result.Error = err.Error()
		return result
	}

	if err := w.engine.repos.Webhooks.MarkSuccess(context.WithoutCancel(ctx), stored.ID, w.engine.now()); err != nil {
		log.Printf("Webhook %s: Failed to mark success: %v", stored.ExternalID, err)
	}
	webhookTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", stored.Provider), attribute.String("outcome", "success")))
	result.Status = webhook.StatusSuccess
	return result
}

func (w *WebhookIngestor) markFailed(ctx context.Context, stored *webhook.Event, cause error) {
	if err := w.engine.repos.Webhooks.MarkFailed(context.WithoutCancel(ctx), stored.ID, cause.Error(), w.engine.now()); err != nil {
		log.Printf("Webhook %s: Failed to mark failure: %v", stored.ExternalID, err)
	}
	webhookTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", stored.Provider), attribute.String("outcome", "failed")))
}

func (w *WebhookIngestor) dispatch(ctx context.Context, provider string, ev *connector.WebhookEvent, size int) error {
	switch ev.Kind {
	case connector.WebhookDisconnected, connector.WebhookLoginRequired, connector.WebhookRevoked:
		enr, err := w.lookupEnrollment(ctx, provider, ev.EnrollmentExternalID)
		if err != nil || enr == nil {
			return err
		}
		reason := ev.Reason
		if reason == "" {
			reason = ev.RawType
		}
		_, err = w.manager.MarkStatus(ctx, enr.ID, statusForWebhook(ev.Kind), reason)
		return err

	case connector.WebhookTransactions:
		return w.syncAffected(ctx, provider, ev, size)

	default:
		return nil
	}
}

func statusForWebhook(kind connector.WebhookKind) enrollment.Status {
	switch kind {
	case connector.WebhookLoginRequired:
		return enrollment.StatusExpired
	case connector.WebhookRevoked:
		return enrollment.StatusRevoked
	default:
		return enrollment.StatusDisconnected
	}
}

// lookupEnrollment returns nil without error for enrollments that no
// longer exist, so the event is acknowledged and not retried.
func (w *WebhookIngestor) lookupEnrollment(ctx context.Context, provider, externalID string) (*enrollment.Enrollment, error) {
	enr, err := w.engine.repos.Enrollments.GetByExternalID(ctx, provider, externalID)
	if errors.Is(err, enrollment.ErrEnrollmentNotFound) {
		log.Printf("Webhook: Ignoring event for unknown %s enrollment %s", provider, externalID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	return enr, nil
}

// syncAffected reconciles the accounts a transactions notification names.
// A single account with a small payload is synced inline; anything else is
// queued.
func (w *WebhookIngestor) syncAffected(ctx context.Context, provider string, ev *connector.WebhookEvent, size int) error {
	enr, err := w.lookupEnrollment(ctx, provider, ev.EnrollmentExternalID)
	if err != nil || enr == nil {
		return err
	}
	if !enr.IsActive() {
		log.Printf("User %d: Ignoring transactions webhook for %s enrollment %s", enr.UserID, enr.Status, enr.ID)
		return nil
	}

	accounts, err := w.affectedAccounts(ctx, enr, ev.AccountExternalIDs)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return nil
	}

	if len(accounts) == 1 && size <= w.inlineMax {
		_, err := w.engine.SyncAccountByID(ctx, accounts[0].ID)
		if !errors.Is(err, ErrSyncInProgress) {
			return err
		}
		// The running sync may have fetched before this notification.
	}

	var errs []error
	for _, acc := range accounts {
		if w.requester == nil {
			if _, err := w.engine.SyncAccountByID(ctx, acc.ID); err != nil && !errors.Is(err, ErrSyncInProgress) {
				errs = append(errs, fmt.Errorf("account %s: %w", acc.ID, err))
			}
			continue
		}
		if err := w.requester.RequestSync(acc.ID); err != nil {
			errs = append(errs, fmt.Errorf("failed to queue sync of account %s: %w", acc.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (w *WebhookIngestor) affectedAccounts(ctx context.Context, enr *enrollment.Enrollment, externalIDs []string) ([]*account.Account, error) {
	var candidates []*account.Account
	if len(externalIDs) == 0 {
		all, err := w.engine.repos.Accounts.ListByEnrollmentID(ctx, enr.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list accounts: %w", err)
		}
		candidates = all
	} else {
		for _, id := range externalIDs {
			acc, err := w.engine.repos.Accounts.GetByExternalID(ctx, enr.ID, id)
			if errors.Is(err, account.ErrAccountNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to get account %s: %w", id, err)
			}
			candidates = append(candidates, acc)
		}
	}

	out := candidates[:0]
	for _, acc := range candidates {
		if acc.IsActive && acc.SyncStatus != account.SyncDisabled {
			out = append(out, acc)
		}
	}
	return out, nil
}
