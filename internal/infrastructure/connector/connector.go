// Package connector defines the contract every institution data provider
// implements, plus the error classes and retry policy shared by all of them.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"finsync/internal/domain/transaction"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnauthorized means the provider rejected the credential. Never retried;
	// the enrollment must be re-linked.
	ErrUnauthorized = errors.New("provider rejected credential")
	// ErrTransient covers network failures, timeouts and 5xx responses.
	ErrTransient = errors.New("provider temporarily unavailable")
	// ErrUnknownProvider is returned by the registry for unsupported providers.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrInvalidEnrollment means the enrollment payload could not be used.
	ErrInvalidEnrollment = errors.New("invalid enrollment payload")
)

// RateLimitError is returned on HTTP 429. RetryAfter is zero when the
// provider sent no hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider rate limited, retry after %s", e.RetryAfter)
	}
	return "provider rate limited"
}

// RequestError is a non-retryable 4xx response.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider request failed (status %d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider request failed (status %d): %s", e.StatusCode, e.Message)
}

// Exchange is the result of turning a client-side enrollment payload into a
// durable credential.
type Exchange struct {
	AccessToken     string
	ExternalID      string
	InstitutionID   string
	InstitutionName string
	Scopes          []string
}

// RemoteAccount is an account as reported by the provider.
type RemoteAccount struct {
	ExternalID       string
	Name             string
	Type             string
	Subtype          string
	Currency         string
	Balance          decimal.NullDecimal
	AvailableBalance decimal.NullDecimal
	Closed           bool
}

// RemoteTransaction is a transaction in the provider's own sign convention.
type RemoteTransaction struct {
	ExternalID        string
	AccountExternalID string
	Amount            decimal.Decimal
	Kind              string
	Description       string
	Date              time.Time
	PostedDate        *time.Time
	Category          string
	Merchant          string
	Status            string
}

// DateRange bounds a transaction listing. A zero To means today.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Connector is implemented by each institution data provider.
type Connector interface {
	Provider() string
	SignConvention() transaction.SignConvention
	ExchangeEnrollment(ctx context.Context, raw json.RawMessage) (*Exchange, error)
	ListAccounts(ctx context.Context, accessToken string) ([]RemoteAccount, error)
	ListTransactions(ctx context.Context, accessToken, accountExternalID string, r *DateRange) ([]RemoteTransaction, error)
}

// Revoker is implemented by providers that support removing access to a
// single account.
type Revoker interface {
	RevokeAccount(ctx context.Context, accessToken, accountExternalID string) error
}

// Registry resolves connectors by provider name.
type Registry map[string]Connector

// NewRegistry indexes connectors by their Provider name.
func NewRegistry(connectors ...Connector) Registry {
	r := make(Registry, len(connectors))
	for _, c := range connectors {
		if c != nil {
			r[c.Provider()] = c
		}
	}
	return r
}

// Get returns the connector for provider.
func (r Registry) Get(provider string) (Connector, error) {
	c, ok := r[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return c, nil
}

// StatusError maps a non-2xx HTTP status to the connector error classes.
func StatusError(status int, header http.Header, message string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w (status %d): %s", ErrUnauthorized, status, message)
	case status == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: ParseRetryAfter(header.Get("Retry-After"), time.Now())}
	case status >= 500:
		return fmt.Errorf("%w (status %d): %s", ErrTransient, status, message)
	default:
		return &RequestError{StatusCode: status, Message: message}
	}
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	return errors.Is(err, ErrTransient) || errors.As(err, &rl)
}
