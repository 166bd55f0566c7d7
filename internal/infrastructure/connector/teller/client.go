// Package teller implements the connector contract against the Teller API.
package teller

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"finsync/internal/domain/transaction"
	"finsync/internal/infrastructure/connector"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	Provider = "teller"

	defaultBaseURL = "https://api.teller.io"
	defaultTimeout = 60 * time.Second
	dateLayout     = "2006-01-02"
)

// Config configures the Teller client
type Config struct {
	BaseURL     string
	Environment string
	// CertFile and KeyFile hold the client certificate Teller issues for mTLS.
	CertFile string
	KeyFile  string
	// TokenSigningKey is the base64 ed25519 public key used to verify
	// enrollment signatures. Verification is skipped when empty.
	TokenSigningKey string
	Timeout         time.Duration
}

// Client handles communication with the Teller API
type Client struct {
	httpClient  *http.Client
	baseURL     string
	environment string
	signingKey  ed25519.PublicKey
}

var (
	_ connector.Connector = (*Client)(nil)
	_ connector.Revoker   = (*Client)(nil)
)

// NewClient creates a Teller API client
func NewClient(cfg Config) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load teller client certificate: %w", err)
		}
		transport.TLSClientConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return newClient(cfg, &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
	})
}

func newClient(cfg Config, httpClient *http.Client) (*Client, error) {
	c := &Client{
		httpClient:  httpClient,
		baseURL:     cfg.BaseURL,
		environment: cfg.Environment,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.environment == "" {
		c.environment = "sandbox"
	}
	if cfg.TokenSigningKey != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.TokenSigningKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid teller token signing key")
		}
		c.signingKey = ed25519.PublicKey(raw)
	}
	return c, nil
}

func (c *Client) Provider() string { return Provider }

// SignConvention reports Teller's convention: debits are negative.
func (c *Client) SignConvention() transaction.SignConvention {
	return transaction.OutflowNegative
}

type apiAccount struct {
	ID           string `json:"id"`
	EnrollmentID string `json:"enrollment_id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Subtype      string `json:"subtype"`
	Currency     string `json:"currency"`
	LastFour     string `json:"last_four"`
	Status       string `json:"status"`
	Institution  struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"institution"`
}

type apiBalance struct {
	AccountID string  `json:"account_id"`
	Ledger    *string `json:"ledger"`
	Available *string `json:"available"`
}

type apiTransaction struct {
	ID             string  `json:"id"`
	AccountID      string  `json:"account_id"`
	Amount         string  `json:"amount"`
	Date           string  `json:"date"`
	Description    string  `json:"description"`
	Status         string  `json:"status"`
	Type           string  `json:"type"`
	RunningBalance *string `json:"running_balance"`
	Details        struct {
		Category         string `json:"category"`
		ProcessingStatus string `json:"processing_status"`
		Counterparty     struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"counterparty"`
	} `json:"details"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ExchangeEnrollment validates a Teller Connect enrollment and the access
// token it carries. Teller tokens are long-lived, so no exchange call is
// needed; listing accounts confirms the token works and yields the
// institution id.
func (c *Client) ExchangeEnrollment(ctx context.Context, raw json.RawMessage) (*connector.Exchange, error) {
	p, err := decodeEnrollment(raw)
	if err != nil {
		return nil, err
	}
	if c.signingKey != nil {
		if err := p.verify(c.signingKey, c.environment); err != nil {
			return nil, err
		}
	}

	var accounts []apiAccount
	if err := c.get(ctx, p.AccessToken, "/accounts", nil, &accounts); err != nil {
		return nil, err
	}

	ex := &connector.Exchange{
		AccessToken:     p.AccessToken,
		ExternalID:      p.Enrollment.ID,
		InstitutionID:   p.Enrollment.Institution.ID,
		InstitutionName: p.Enrollment.Institution.Name,
		Scopes:          []string{"balance", "transactions"},
	}
	for _, a := range accounts {
		if a.EnrollmentID != "" && a.EnrollmentID != p.Enrollment.ID {
			continue
		}
		if ex.InstitutionID == "" {
			ex.InstitutionID = a.Institution.ID
		}
		if ex.InstitutionName == "" {
			ex.InstitutionName = a.Institution.Name
		}
	}
	if ex.InstitutionID == "" {
		return nil, fmt.Errorf("%w: institution could not be determined", connector.ErrInvalidEnrollment)
	}
	return ex, nil
}

// ListAccounts fetches the enrollment's accounts with their balances.
func (c *Client) ListAccounts(ctx context.Context, accessToken string) ([]connector.RemoteAccount, error) {
	var accounts []apiAccount
	if err := c.get(ctx, accessToken, "/accounts", nil, &accounts); err != nil {
		return nil, err
	}

	out := make([]connector.RemoteAccount, 0, len(accounts))
	for _, a := range accounts {
		ra := connector.RemoteAccount{
			ExternalID: a.ID,
			Name:       a.Name,
			Type:       a.Type,
			Subtype:    a.Subtype,
			Currency:   a.Currency,
			Closed:     a.Status == "closed",
		}
		if ra.Name == "" && a.LastFour != "" {
			ra.Name = fmt.Sprintf("%s ••%s", a.Institution.Name, a.LastFour)
		}

		if !ra.Closed {
			var bal apiBalance
			var err error
			if err = c.get(ctx, accessToken, "/accounts/"+url.PathEscape(a.ID)+"/balances", nil, &bal); err != nil {
				return nil, err
			}
			if ra.Balance, err = parseNullDecimal(bal.Ledger); err != nil {
				return nil, fmt.Errorf("account %s ledger balance: %w", a.ID, err)
			}
			if ra.AvailableBalance, err = parseNullDecimal(bal.Available); err != nil {
				return nil, fmt.Errorf("account %s available balance: %w", a.ID, err)
			}
		}
		out = append(out, ra)
	}
	return out, nil
}

// ListTransactions fetches an account's transactions within r.
func (c *Client) ListTransactions(ctx context.Context, accessToken, accountExternalID string, r *connector.DateRange) ([]connector.RemoteTransaction, error) {
	q := url.Values{}
	if r != nil {
		if !r.From.IsZero() {
			q.Set("start_date", r.From.Format(dateLayout))
		}
		if !r.To.IsZero() {
			q.Set("end_date", r.To.Format(dateLayout))
		}
	}

	var txs []apiTransaction
	if err := c.get(ctx, accessToken, "/accounts/"+url.PathEscape(accountExternalID)+"/transactions", q, &txs); err != nil {
		return nil, err
	}

	out := make([]connector.RemoteTransaction, 0, len(txs))
	for _, t := range txs {
		amount, err := decimal.NewFromString(t.Amount)
		if err != nil {
			return nil, fmt.Errorf("transaction %s amount %q: %w", t.ID, t.Amount, err)
		}
		date, err := time.Parse(dateLayout, t.Date)
		if err != nil {
			return nil, fmt.Errorf("transaction %s date %q: %w", t.ID, t.Date, err)
		}

		rt := connector.RemoteTransaction{
			ExternalID:        t.ID,
			AccountExternalID: t.AccountID,
			Amount:            amount,
			Kind:              t.Type,
			Description:       t.Description,
			Date:              date,
			Category:          t.Details.Category,
			Merchant:          t.Details.Counterparty.Name,
			Status:            t.Status,
		}
		if rt.AccountExternalID == "" {
			rt.AccountExternalID = accountExternalID
		}
		if t.Status == "posted" {
			posted := date
			rt.PostedDate = &posted
		}
		out = append(out, rt)
	}
	return out, nil
}

// RevokeAccount removes the application's access to a single account.
func (c *Client) RevokeAccount(ctx context.Context, accessToken, accountExternalID string) error {
	return c.do(ctx, http.MethodDelete, accessToken, "/accounts/"+url.PathEscape(accountExternalID), nil, nil)
}

func (c *Client) get(ctx context.Context, accessToken, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, accessToken, path, q, out)
}

func (c *Client) do(ctx context.Context, method, accessToken, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(accessToken, "")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", connector.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %v", connector.ErrTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(body)
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Code + ": " + apiErr.Error.Message
		}
		return connector.StatusError(resp.StatusCode, resp.Header, msg)
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w", path, err)
	}
	return nil
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil || *s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
