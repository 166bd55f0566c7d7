package connector

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand/v2"
	"time"

	"finsync/internal/domain/transaction"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	connectorMeter  = otel.Meter("finsync/connector")
	callTotal, _    = connectorMeter.Int64Counter("connector.call.total", metric.WithDescription("Provider calls by operation and outcome"))
	retryTotal, _   = connectorMeter.Int64Counter("connector.retry.total", metric.WithDescription("Provider call retries"))
	callDuration, _ = connectorMeter.Float64Histogram("connector.call.duration", metric.WithDescription("Provider call duration in seconds, including retries"), metric.WithUnit("s"))
)

// RetryPolicy bounds retries of a provider call.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// RateLimitFloor is the wait after a 429 that carried no Retry-After.
	RateLimitFloor time.Duration

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter randomizes a backoff delay.
	Jitter func(d time.Duration) time.Duration
}

// DefaultRetryPolicy returns 3 attempts with 500ms..10s exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		RateLimitFloor: 2 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.RateLimitFloor <= 0 {
		p.RateLimitFloor = d.RateLimitFloor
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	if p.Jitter == nil {
		p.Jitter = fullJitter
	}
	return p
}

// Delay returns the wait before attempt+1 after err.
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		wait := rl.RetryAfter
		if wait < p.RateLimitFloor {
			wait = p.RateLimitFloor
		}
		if wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		return wait
	}

	backoff := p.BaseDelay << (attempt - 1)
	if backoff <= 0 || backoff > p.MaxDelay {
		backoff = p.MaxDelay
	}
	return p.Jitter(backoff)
}

// Do runs fn until it succeeds, fails with a non-retryable error, the
// attempts are exhausted, or ctx is done.
func Do(ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := p.Delay(attempt, err)
		retryTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
		log.Printf("Connector: %s attempt %d/%d failed, retrying in %v: %v", op, attempt, p.MaxAttempts, wait, err)

		if sleepErr := p.Sleep(ctx, wait); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func fullJitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half+1)
}

// retrying decorates a Connector with a RetryPolicy.
type retrying struct {
	next   Connector
	policy RetryPolicy
}

// WithRetry wraps c so every call is retried according to p.
func WithRetry(c Connector, p RetryPolicy) Connector {
	return &retrying{next: c, policy: p.withDefaults()}
}

func (r *retrying) Provider() string                           { return r.next.Provider() }
func (r *retrying) SignConvention() transaction.SignConvention { return r.next.SignConvention() }

func (r *retrying) ExchangeEnrollment(ctx context.Context, raw json.RawMessage) (*Exchange, error) {
	var out *Exchange
	err := r.call(ctx, "exchange", func(ctx context.Context) error {
		var err error
		out, err = r.next.ExchangeEnrollment(ctx, raw)
		return err
	})
	return out, err
}

func (r *retrying) ListAccounts(ctx context.Context, accessToken string) ([]RemoteAccount, error) {
	var out []RemoteAccount
	err := r.call(ctx, "list_accounts", func(ctx context.Context) error {
		var err error
		out, err = r.next.ListAccounts(ctx, accessToken)
		return err
	})
	return out, err
}

func (r *retrying) ListTransactions(ctx context.Context, accessToken, accountExternalID string, dr *DateRange) ([]RemoteTransaction, error) {
	var out []RemoteTransaction
	err := r.call(ctx, "list_transactions", func(ctx context.Context) error {
		var err error
		out, err = r.next.ListTransactions(ctx, accessToken, accountExternalID, dr)
		return err
	})
	return out, err
}

// RevokeAccount forwards to the wrapped connector when it supports revocation.
func (r *retrying) RevokeAccount(ctx context.Context, accessToken, accountExternalID string) error {
	rv, ok := r.next.(Revoker)
	if !ok {
		return nil
	}
	return r.call(ctx, "revoke_account", func(ctx context.Context) error {
		return rv.RevokeAccount(ctx, accessToken, accountExternalID)
	})
}

func (r *retrying) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := Do(ctx, r.policy, r.next.Provider()+"."+op, fn)

	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrUnauthorized):
		outcome = "unauthorized"
	case IsRetryable(err):
		outcome = "exhausted"
	default:
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", r.next.Provider()),
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	)
	callTotal.Add(ctx, 1, attrs)
	callDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	return err
}
