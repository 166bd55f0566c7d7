package plaid

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"
	"time"

	"finsync/internal/domain/webhook"
	"finsync/internal/infrastructure/connector"

	"github.com/golang-jwt/jwt/v5"
)

func newTestHandler(t *testing.T, pub *ecdsa.PublicKey, now time.Time) (*WebhookHandler, *int) {
	t.Helper()
	cache, err := NewKeyCache()
	if err != nil {
		t.Fatalf("NewKeyCache() error = %v", err)
	}
	fetches := 0
	h := &WebhookHandler{
		keys:   cache,
		maxAge: defaultMaxAge,
		now:    func() time.Time { return now },
		fetch: func(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
			fetches++
			if kid != "key-1" {
				return nil, errors.New("unknown kid")
			}
			return pub, nil
		},
	}
	return h, &fetches
}

func signWebhook(t *testing.T, priv *ecdsa.PrivateKey, kid string, body []byte, iat time.Time) string {
	t.Helper()
	sum := sha256.Sum256(body)
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iat":                 iat.Unix(),
		"request_body_sha256": hex.EncodeToString(sum[:]),
	})
	tok.Header["kid"] = kid
	s, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func TestWebhookVerify(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	other, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	now := time.Unix(1_770_000_000, 0)
	body := []byte(`{"webhook_type":"TRANSACTIONS","webhook_code":"DEFAULT_UPDATE","item_id":"item_1"}`)

	tests := []struct {
		name    string
		token   func() string
		body    []byte
		wantErr bool
	}{
		{"Valid", func() string { return signWebhook(t, priv, "key-1", body, now) }, body, false},
		{"Tampered body", func() string { return signWebhook(t, priv, "key-1", body, now) }, []byte(`{"webhook_type":"ITEM"}`), true},
		{"Wrong key", func() string { return signWebhook(t, other, "key-1", body, now) }, body, true},
		{"Too old", func() string { return signWebhook(t, priv, "key-1", body, now.Add(-10*time.Minute)) }, body, true},
		{"Missing kid", func() string { return signWebhook(t, priv, "", body, now) }, body, true},
		{"Missing header", func() string { return "" }, body, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, &priv.PublicKey, now)
			hdr := http.Header{}
			if tok := tt.token(); tok != "" {
				hdr.Set("Plaid-Verification", tok)
			}
			err := h.Verify(context.Background(), tt.body, hdr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, webhook.ErrInvalidSignature) {
				t.Errorf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestWebhookVerify_CachesKey(t *testing.T) {
	priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	now := time.Unix(1_770_000_000, 0)
	body := []byte(`{"webhook_type":"ITEM","webhook_code":"ERROR"}`)

	h, fetches := newTestHandler(t, &priv.PublicKey, now)
	for i := 0; i < 3; i++ {
		hdr := http.Header{}
		hdr.Set("Plaid-Verification", signWebhook(t, priv, "key-1", body, now))
		if err := h.Verify(context.Background(), body, hdr); err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
	}
	if *fetches != 1 {
		t.Errorf("key fetched %d times, want 1", *fetches)
	}
}

func TestWebhookParse(t *testing.T) {
	h := &WebhookHandler{}

	tests := []struct {
		name       string
		body       string
		wantKind   connector.WebhookKind
		wantReason string
	}{
		{"Transactions", `{"webhook_type":"TRANSACTIONS","webhook_code":"SYNC_UPDATES_AVAILABLE","item_id":"item_1"}`, connector.WebhookTransactions, ""},
		{"Login required", `{"webhook_type":"ITEM","webhook_code":"ERROR","item_id":"item_1","error":{"error_code":"ITEM_LOGIN_REQUIRED"}}`, connector.WebhookLoginRequired, "ITEM_LOGIN_REQUIRED"},
		{"Revoked", `{"webhook_type":"ITEM","webhook_code":"USER_PERMISSION_REVOKED","item_id":"item_1"}`, connector.WebhookRevoked, "user_permission_revoked"},
		{"Ignored", `{"webhook_type":"HOLDINGS","webhook_code":"DEFAULT_UPDATE","item_id":"item_1"}`, connector.WebhookIgnored, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := h.Parse([]byte(tt.body))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if ev.Kind != tt.wantKind || ev.Reason != tt.wantReason {
				t.Errorf("got kind=%q reason=%q", ev.Kind, ev.Reason)
			}
			if ev.EnrollmentExternalID != "item_1" {
				t.Errorf("EnrollmentExternalID = %q", ev.EnrollmentExternalID)
			}
		})
	}

	a, _ := h.Parse([]byte(`{"webhook_type":"TRANSACTIONS","webhook_code":"DEFAULT_UPDATE","item_id":"item_1"}`))
	b, _ := h.Parse([]byte(`{"webhook_type":"TRANSACTIONS","webhook_code":"DEFAULT_UPDATE","item_id":"item_1"}`))
	c, _ := h.Parse([]byte(`{"webhook_type":"TRANSACTIONS","webhook_code":"DEFAULT_UPDATE","item_id":"item_2"}`))
	if a.ExternalID != b.ExternalID || a.ExternalID == c.ExternalID {
		t.Errorf("body-hash ids: %s %s %s", a.ExternalID, b.ExternalID, c.ExternalID)
	}

	if _, err := h.Parse([]byte(`{}`)); !errors.Is(err, webhook.ErrMalformedPayload) {
		t.Errorf("expected ErrMalformedPayload, got %v", err)
	}
}
