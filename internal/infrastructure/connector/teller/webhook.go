package teller

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"finsync/internal/domain/webhook"
	"finsync/internal/infrastructure/connector"
)

const (
	signatureHeader           = "Teller-Signature"
	defaultSignatureTolerance = 3 * time.Minute
)

// WebhookHandler verifies and parses Teller webhooks.
type WebhookHandler struct {
	// secrets are tried in order so a rotated secret keeps working.
	secrets   [][]byte
	tolerance time.Duration
	now       func() time.Time
}

var _ connector.WebhookHandler = (*WebhookHandler)(nil)

// NewWebhookHandler creates a handler for the given signing secrets.
func NewWebhookHandler(secrets []string, tolerance time.Duration) *WebhookHandler {
	h := &WebhookHandler{tolerance: tolerance, now: time.Now}
	if h.tolerance <= 0 {
		h.tolerance = defaultSignatureTolerance
	}
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			h.secrets = append(h.secrets, []byte(s))
		}
	}
	return h
}

func (h *WebhookHandler) Provider() string { return Provider }

// Verify checks the Teller-Signature header: "t=<unix>,v1=<hex>[,v1=<hex>]",
// where each v1 is HMAC-SHA256 over "<t>.<body>".
func (h *WebhookHandler) Verify(ctx context.Context, body []byte, header http.Header) error {
	if len(h.secrets) == 0 {
		return fmt.Errorf("%w: no signing secret configured", webhook.ErrInvalidSignature)
	}

	ts, sigs, err := parseSignatureHeader(header.Get(signatureHeader))
	if err != nil {
		return err
	}

	age := h.now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > h.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", webhook.ErrInvalidSignature)
	}

	signed := strconv.FormatInt(ts, 10) + "." + string(body)
	for _, secret := range h.secrets {
		mac := hmac.New(sha256.New, secret)
		mac.Write([]byte(signed))
		expected := mac.Sum(nil)
		for _, sig := range sigs {
			if hmac.Equal(expected, sig) {
				return nil
			}
		}
	}
	return webhook.ErrInvalidSignature
}

func parseSignatureHeader(v string) (int64, [][]byte, error) {
	if v == "" {
		return 0, nil, fmt.Errorf("%w: missing %s header", webhook.ErrInvalidSignature, signatureHeader)
	}

	var ts int64
	var sigs [][]byte
	for _, part := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", webhook.ErrInvalidSignature)
			}
			ts = n
		case "v1":
			if b, err := hex.DecodeString(val); err == nil {
				sigs = append(sigs, b)
			}
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: malformed %s header", webhook.ErrInvalidSignature, signatureHeader)
	}
	return ts, sigs, nil
}

type webhookBody struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Payload   struct {
		EnrollmentID string `json:"enrollment_id"`
		AccountID    string `json:"account_id"`
		Reason       string `json:"reason"`
		Transactions []struct {
			AccountID string `json:"account_id"`
		} `json:"transactions"`
	} `json:"payload"`
}

// Parse normalizes a Teller webhook body.
func (h *WebhookHandler) Parse(body []byte) (*connector.WebhookEvent, error) {
	var b webhookBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", webhook.ErrMalformedPayload, err)
	}
	if b.ID == "" || b.Type == "" {
		return nil, fmt.Errorf("%w: id and type are required", webhook.ErrMalformedPayload)
	}

	ev := &connector.WebhookEvent{
		ExternalID:           b.ID,
		RawType:              b.Type,
		EnrollmentExternalID: b.Payload.EnrollmentID,
		Reason:               b.Payload.Reason,
	}

	switch b.Type {
	case "enrollment.disconnected":
		ev.Kind = connector.WebhookDisconnected
	case "transactions.processed":
		ev.Kind = connector.WebhookTransactions
		seen := map[string]bool{}
		for _, t := range b.Payload.Transactions {
			if t.AccountID != "" && !seen[t.AccountID] {
				seen[t.AccountID] = true
				ev.AccountExternalIDs = append(ev.AccountExternalIDs, t.AccountID)
			}
		}
		if len(ev.AccountExternalIDs) == 0 && b.Payload.AccountID != "" {
			ev.AccountExternalIDs = []string{b.Payload.AccountID}
		}
	case "webhook.test":
		ev.Kind = connector.WebhookTest
	default:
		ev.Kind = connector.WebhookIgnored
	}
	return ev, nil
}
