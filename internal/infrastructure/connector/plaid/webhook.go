package plaid

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"finsync/internal/domain/webhook"
	"finsync/internal/infrastructure/connector"

	"github.com/dgraph-io/ristretto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/plaid/plaid-go/v41/plaid"
)

const (
	verificationHeader = "Plaid-Verification"
	defaultMaxAge      = 5 * time.Minute
	keyTTL             = 24 * time.Hour
)

// WebhookHandler verifies Plaid's ES256 webhook JWTs and parses bodies.
type WebhookHandler struct {
	keys   *ristretto.Cache
	fetch  func(ctx context.Context, kid string) (*ecdsa.PublicKey, error)
	maxAge time.Duration
	now    func() time.Time
}

var _ connector.WebhookHandler = (*WebhookHandler)(nil)

// NewKeyCache creates the verification key cache.
func NewKeyCache() (*ristretto.Cache, error) {
	return ristretto.NewCache(&ristretto.Config{
		NumCounters: 1000,
		MaxCost:     100,
		BufferItems: 64,
	})
}

// NewWebhookHandler creates a handler that fetches keys through api.
func NewWebhookHandler(api *plaid.APIClient, keys *ristretto.Cache) *WebhookHandler {
	h := &WebhookHandler{keys: keys, maxAge: defaultMaxAge, now: time.Now}
	h.fetch = func(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
		req := plaid.NewWebhookVerificationKeyGetRequest(kid)
		resp, httpResp, err := api.PlaidApi.WebhookVerificationKeyGet(ctx).WebhookVerificationKeyGetRequest(*req).Execute()
		if err != nil {
			return nil, classify(err, httpResp)
		}
		key := resp.GetKey()
		return jwkToECDSA(&key)
	}
	return h
}

func (h *WebhookHandler) Provider() string { return Provider }

// Verify checks the Plaid-Verification JWT and the body hash it carries.
func (h *WebhookHandler) Verify(ctx context.Context, body []byte, header http.Header) error {
	tokenString := header.Get(verificationHeader)
	if tokenString == "" {
		return fmt.Errorf("%w: missing %s header", webhook.ErrInvalidSignature, verificationHeader)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(h.now),
	)

	unverified, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return fmt.Errorf("%w: %v", webhook.ErrInvalidSignature, err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return fmt.Errorf("%w: missing kid", webhook.ErrInvalidSignature)
	}

	pub, err := h.key(ctx, kid)
	if err != nil {
		return fmt.Errorf("failed to get webhook verification key: %w", err)
	}

	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return pub, nil
	}); err != nil {
		return fmt.Errorf("%w: %v", webhook.ErrInvalidSignature, err)
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return fmt.Errorf("%w: missing iat", webhook.ErrInvalidSignature)
	}
	if h.now().Sub(iat.Time) > h.maxAge {
		return fmt.Errorf("%w: token older than %s", webhook.ErrInvalidSignature, h.maxAge)
	}

	want, _ := claims["request_body_sha256"].(string)
	sum := sha256.Sum256(body)
	got := hex.EncodeToString(sum[:])
	if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(want))) != 1 {
		return fmt.Errorf("%w: body hash mismatch", webhook.ErrInvalidSignature)
	}
	return nil
}

func (h *WebhookHandler) key(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
	if v, ok := h.keys.Get(kid); ok {
		if pub, ok := v.(*ecdsa.PublicKey); ok {
			return pub, nil
		}
	}

	pub, err := h.fetch(ctx, kid)
	if err != nil {
		return nil, err
	}
	h.keys.SetWithTTL(kid, pub, 1, keyTTL)
	h.keys.Wait()
	return pub, nil
}

func jwkToECDSA(jwk *plaid.JWKPublicKey) (*ecdsa.PublicKey, error) {
	if jwk == nil || jwk.Kty != "EC" || jwk.Crv != "P-256" || jwk.X == "" || jwk.Y == "" {
		return nil, errors.New("invalid or unsupported JWK")
	}
	x, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}

type webhookBody struct {
	WebhookType string `json:"webhook_type"`
	WebhookCode string `json:"webhook_code"`
	ItemID      string `json:"item_id"`
	AccountID   string `json:"account_id"`
	Error       *struct {
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"error"`
}

// Parse normalizes a Plaid webhook. Plaid sends no delivery id, so the
// idempotency key is the body hash.
func (h *WebhookHandler) Parse(body []byte) (*connector.WebhookEvent, error) {
	var b webhookBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", webhook.ErrMalformedPayload, err)
	}
	if b.WebhookType == "" || b.WebhookCode == "" {
		return nil, fmt.Errorf("%w: webhook_type and webhook_code are required", webhook.ErrMalformedPayload)
	}

	sum := sha256.Sum256(body)
	ev := &connector.WebhookEvent{
		ExternalID:           "plaid_" + hex.EncodeToString(sum[:]),
		RawType:              b.WebhookType + "." + b.WebhookCode,
		EnrollmentExternalID: b.ItemID,
		Kind:                 connector.WebhookIgnored,
	}
	if b.Error != nil {
		ev.Reason = b.Error.ErrorCode
	}

	switch b.WebhookType {
	case "TRANSACTIONS":
		switch b.WebhookCode {
		case "SYNC_UPDATES_AVAILABLE", "DEFAULT_UPDATE", "INITIAL_UPDATE", "HISTORICAL_UPDATE", "TRANSACTIONS_REMOVED":
			ev.Kind = connector.WebhookTransactions
		}
	case "ITEM":
		switch b.WebhookCode {
		case "ERROR":
			ev.Kind = connector.WebhookLoginRequired
		case "USER_PERMISSION_REVOKED":
			ev.Kind = connector.WebhookRevoked
			ev.Reason = strings.ToLower(b.WebhookCode)
		case "WEBHOOK_UPDATE_ACKNOWLEDGED":
			ev.Kind = connector.WebhookTest
		}
	}
	return ev, nil
}
