package connector

import (
	"context"
	"net/http"
)

// WebhookKind is the normalized meaning of a provider notification.
type WebhookKind string

const (
	// WebhookTransactions means new or changed transactions are available.
	WebhookTransactions WebhookKind = "transactions"
	// WebhookDisconnected means the institution dropped the connection.
	WebhookDisconnected WebhookKind = "enrollment.disconnected"
	// WebhookLoginRequired means the user must re-authenticate.
	WebhookLoginRequired WebhookKind = "enrollment.login_required"
	// WebhookRevoked means the user withdrew consent.
	WebhookRevoked WebhookKind = "enrollment.revoked"
	WebhookTest    WebhookKind = "test"
	// WebhookIgnored covers notifications that need no action.
	WebhookIgnored WebhookKind = "ignored"
)

// WebhookEvent is a provider notification parsed for dispatch.
type WebhookEvent struct {
	// ExternalID identifies the delivery for idempotency.
	ExternalID           string
	Kind                 WebhookKind
	RawType              string
	EnrollmentExternalID string
	// AccountExternalIDs lists affected accounts. Empty means every account
	// of the enrollment.
	AccountExternalIDs []string
	Reason             string
}

// WebhookHandler verifies and parses one provider's webhooks.
type WebhookHandler interface {
	Provider() string
	Verify(ctx context.Context, body []byte, header http.Header) error
	Parse(body []byte) (*WebhookEvent, error)
}
