package teller

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"finsync/internal/domain/webhook"
	"finsync/internal/infrastructure/connector"
)

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, body)))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookVerify(t *testing.T) {
	now := time.Unix(1_770_000_000, 0)
	body := []byte(`{"id":"wh_1","type":"webhook.test","payload":{}}`)

	h := NewWebhookHandler([]string{"old_secret", "new_secret"}, 3*time.Minute)
	h.now = func() time.Time { return now }

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{"Valid", fmt.Sprintf("t=%d,v1=%s", now.Unix(), sign("new_secret", now.Unix(), body)), false},
		{"Rotated secret", fmt.Sprintf("t=%d,v1=%s", now.Unix(), sign("old_secret", now.Unix(), body)), false},
		{"Multiple signatures", fmt.Sprintf("t=%d,v1=deadbeef,v1=%s", now.Unix(), sign("new_secret", now.Unix(), body)), false},
		{"Wrong secret", fmt.Sprintf("t=%d,v1=%s", now.Unix(), sign("other", now.Unix(), body)), true},
		{"Stale timestamp", fmt.Sprintf("t=%d,v1=%s", now.Add(-10*time.Minute).Unix(), sign("new_secret", now.Add(-10*time.Minute).Unix(), body)), true},
		{"Missing header", "", true},
		{"Malformed", "garbage", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr := http.Header{}
			if tt.header != "" {
				hdr.Set("Teller-Signature", tt.header)
			}
			err := h.Verify(context.Background(), body, hdr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, webhook.ErrInvalidSignature) {
				t.Errorf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestWebhookVerify_NoSecret(t *testing.T) {
	h := NewWebhookHandler(nil, 0)
	if err := h.Verify(context.Background(), []byte("{}"), http.Header{}); !errors.Is(err, webhook.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestWebhookParse(t *testing.T) {
	h := NewWebhookHandler([]string{"s"}, 0)

	tests := []struct {
		name         string
		body         string
		wantKind     connector.WebhookKind
		wantAccounts []string
		wantErr      bool
	}{
		{
			name:     "Disconnected",
			body:     `{"id":"wh_1","type":"enrollment.disconnected","payload":{"enrollment_id":"enr_1","reason":"disconnected.credentials_invalid"}}`,
			wantKind: connector.WebhookDisconnected,
		},
		{
			name:         "Transactions dedupes accounts",
			body:         `{"id":"wh_2","type":"transactions.processed","payload":{"transactions":[{"account_id":"acc_1"},{"account_id":"acc_1"},{"account_id":"acc_2"}]}}`,
			wantKind:     connector.WebhookTransactions,
			wantAccounts: []string{"acc_1", "acc_2"},
		},
		{
			name:     "Test",
			body:     `{"id":"wh_3","type":"webhook.test","payload":{}}`,
			wantKind: connector.WebhookTest,
		},
		{
			name:     "Unknown type ignored",
			body:     `{"id":"wh_4","type":"account.number_verification.processed","payload":{}}`,
			wantKind: connector.WebhookIgnored,
		},
		{name: "Missing id", body: `{"type":"webhook.test"}`, wantErr: true},
		{name: "Not JSON", body: `nope`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := h.Parse([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, webhook.ErrMalformedPayload) {
					t.Errorf("expected ErrMalformedPayload, got %v", err)
				}
				return
			}
			if ev.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", ev.Kind, tt.wantKind)
			}
			if len(ev.AccountExternalIDs) != len(tt.wantAccounts) {
				t.Fatalf("accounts = %v, want %v", ev.AccountExternalIDs, tt.wantAccounts)
			}
			for i := range tt.wantAccounts {
				if ev.AccountExternalIDs[i] != tt.wantAccounts[i] {
					t.Errorf("accounts = %v, want %v", ev.AccountExternalIDs, tt.wantAccounts)
				}
			}
		})
	}
}
