package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"finsync/internal/domain/openfinance"
	"finsync/internal/domain/webhook"
)

func TestHandleWebhook(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		ingestFunc     func(ctx context.Context, provider string, raw []byte, header http.Header) (*openfinance.IngestResult, error)
		expectedStatus int
	}{
		{
			name: "Processed",
			body: `{"id":"wh_1","type":"enrollment.disconnected"}`,
			ingestFunc: func(ctx context.Context, provider string, raw []byte, header http.Header) (*openfinance.IngestResult, error) {
				if provider != "teller" {
					t.Errorf("provider = %q", provider)
				}
				if header.Get("Teller-Signature") != "t=1,v1=abc" {
					t.Errorf("signature header not forwarded")
				}
				if string(raw) != `{"id":"wh_1","type":"enrollment.disconnected"}` {
					t.Errorf("raw body altered: %s", raw)
				}
				return &openfinance.IngestResult{EventID: "evt-1", Status: webhook.StatusSuccess}, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "Processing failed but recorded",
			body: `{}`,
			ingestFunc: func(ctx context.Context, provider string, raw []byte, header http.Header) (*openfinance.IngestResult, error) {
				return &openfinance.IngestResult{EventID: "evt-2", Status: webhook.StatusFailed, Error: "db timeout"}, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "Duplicate",
			body: `{}`,
			ingestFunc: func(ctx context.Context, provider string, raw []byte, header http.Header) (*openfinance.IngestResult, error) {
				return &openfinance.IngestResult{EventID: "evt-3", Duplicate: true, Status: webhook.StatusSkipped}, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "Bad signature",
			body: `{}`,
			ingestFunc: func(ctx context.Context, provider string, raw []byte, header http.Header) (*openfinance.IngestResult, error) {
				return nil, fmt.Errorf("%w: %w", webhook.ErrInvalidSignature, errors.New("no matching v1"))
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "Malformed",
			body: `not json`,
			ingestFunc: func(ctx context.Context, provider string, raw []byte, header http.Header) (*openfinance.IngestResult, error) {
				return nil, webhook.ErrMalformedPayload
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "Not recorded",
			body: `{}`,
			ingestFunc: func(ctx context.Context, provider string, raw []byte, header http.Header) (*openfinance.IngestResult, error) {
				return nil, errors.New("failed to record webhook: connection reset")
			},
			expectedStatus: http.StatusInternalServerError,
		},
		{
			name:           "Too large",
			body:           strings.Repeat("x", maxWebhookBody+1),
			expectedStatus: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewWebhookHandler(&MockWebhookReceiver{IngestFunc: tt.ingestFunc})

			req := httptest.NewRequest(http.MethodPost, "/webhooks/teller", strings.NewReader(tt.body))
			req.Header.Set("Teller-Signature", "t=1,v1=abc")
			req = withRequestContext(req, 0, "provider", "teller")
			rr := httptest.NewRecorder()
			handler.HandleWebhook(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
		})
	}
}
