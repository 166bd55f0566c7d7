package webhook

import (
	"encoding/json"
	"errors"
	"time"
)

// Status of a received webhook event
type Status string

const (
	StatusReceived Status = "received"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	// StatusSkipped marks an audit row for a duplicate delivery.
	StatusSkipped Status = "skipped"
)

var (
	ErrEventNotFound    = errors.New("webhook event not found")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownProvider  = errors.New("unknown webhook provider")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Event is the durable record of one webhook delivery. ClaimedAt is when
// the current processing attempt started.
type Event struct {
	ID           string          `json:"id"`
	ExternalID   string          `json:"externalId"`
	Provider     string          `json:"provider"`
	EventType    string          `json:"eventType"`
	Payload      json.RawMessage `json:"payload"`
	Status       Status          `json:"status"`
	RetryCount   int             `json:"retryCount"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	ReceivedAt   time.Time       `json:"receivedAt"`
	ClaimedAt    time.Time       `json:"claimedAt"`
	ProcessedAt  *time.Time      `json:"processedAt"`
}

// ClaimResult reports how a delivery was claimed.
type ClaimResult struct {
	// Claimed is true when the caller owns processing of Event.
	Claimed bool
	// Redelivery is true when a failed or abandoned event was reclaimed.
	Redelivery bool
	Event      *Event
}
