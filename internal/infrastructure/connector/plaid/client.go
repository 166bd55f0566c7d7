// Package plaid implements the connector contract with the Plaid SDK.
package plaid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"finsync/internal/domain/transaction"
	"finsync/internal/infrastructure/connector"

	"github.com/plaid/plaid-go/v41/plaid"
	"github.com/shopspring/decimal"
)

const (
	Provider = "plaid"

	dateLayout = "2006-01-02"
	pageSize   = 500
)

// Error codes that mean the item needs the user to re-authenticate.
var unauthorizedCodes = map[string]struct{}{
	"ITEM_LOGIN_REQUIRED":  {},
	"INVALID_ACCESS_TOKEN": {},
	"ACCESS_NOT_GRANTED":   {},
	"ITEM_NOT_FOUND":       {},
	"INVALID_API_KEYS":     {},
}

// Config configures the Plaid client
type Config struct {
	ClientID    string
	Secret      string
	Environment string
	// CountryCodes used for institution lookups. Defaults to US.
	CountryCodes []string
}

// NewAPIClient creates a configured Plaid SDK client.
func NewAPIClient(cfg Config) (*plaid.APIClient, error) {
	configuration := plaid.NewConfiguration()
	configuration.AddDefaultHeader("PLAID-CLIENT-ID", cfg.ClientID)
	configuration.AddDefaultHeader("PLAID-SECRET", cfg.Secret)

	switch cfg.Environment {
	case "sandbox", "":
		configuration.UseEnvironment(plaid.Sandbox)
	case "production":
		configuration.UseEnvironment(plaid.Production)
	default:
		return nil, fmt.Errorf("invalid Plaid environment: %s", cfg.Environment)
	}

	return plaid.NewAPIClient(configuration), nil
}

// Client adapts the Plaid SDK to connector.Connector
type Client struct {
	api       *plaid.APIClient
	countries []plaid.CountryCode
}

var _ connector.Connector = (*Client)(nil)

// NewClient wraps an SDK client.
func NewClient(api *plaid.APIClient, countryCodes []string) *Client {
	c := &Client{api: api}
	for _, cc := range countryCodes {
		c.countries = append(c.countries, plaid.CountryCode(strings.ToUpper(cc)))
	}
	if len(c.countries) == 0 {
		c.countries = []plaid.CountryCode{plaid.COUNTRYCODE_US}
	}
	return c
}

func (c *Client) Provider() string { return Provider }

// SignConvention reports Plaid's convention: money out is positive.
func (c *Client) SignConvention() transaction.SignConvention {
	return transaction.OutflowPositive
}

type linkPayload struct {
	PublicToken string `json:"public_token"`
}

// ExchangeEnrollment exchanges a Link public_token for an access token and
// resolves the item's institution.
func (c *Client) ExchangeEnrollment(ctx context.Context, raw json.RawMessage) (*connector.Exchange, error) {
	var p linkPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.PublicToken == "" {
		return nil, fmt.Errorf("%w: public_token is required", connector.ErrInvalidEnrollment)
	}

	exReq := plaid.NewItemPublicTokenExchangeRequest(p.PublicToken)
	exResp, httpResp, err := c.api.PlaidApi.ItemPublicTokenExchange(ctx).ItemPublicTokenExchangeRequest(*exReq).Execute()
	if err != nil {
		return nil, classify(err, httpResp)
	}

	ex := &connector.Exchange{
		AccessToken: exResp.GetAccessToken(),
		ExternalID:  exResp.GetItemId(),
		Scopes:      []string{string(plaid.PRODUCTS_TRANSACTIONS)},
	}

	itemReq := plaid.NewItemGetRequest(ex.AccessToken)
	itemResp, httpResp, err := c.api.PlaidApi.ItemGet(ctx).ItemGetRequest(*itemReq).Execute()
	if err != nil {
		return nil, classify(err, httpResp)
	}
	item := itemResp.GetItem()
	if item.InstitutionId.IsSet() && item.InstitutionId.Get() != nil {
		ex.InstitutionID = *item.InstitutionId.Get()
	}
	if name, ok := item.AdditionalProperties["institution_name"].(string); ok {
		ex.InstitutionName = name
	}

	if ex.InstitutionID != "" && ex.InstitutionName == "" {
		instReq := plaid.NewInstitutionsGetByIdRequest(ex.InstitutionID, c.countries)
		instResp, httpResp, err := c.api.PlaidApi.InstitutionsGetById(ctx).InstitutionsGetByIdRequest(*instReq).Execute()
		if err != nil {
			return nil, classify(err, httpResp)
		}
		inst := instResp.GetInstitution()
		ex.InstitutionName = inst.GetName()
	}
	if ex.InstitutionID == "" {
		ex.InstitutionID = "plaid:" + ex.ExternalID
	}
	return ex, nil
}

// ListAccounts fetches the item's accounts with cached balances.
func (c *Client) ListAccounts(ctx context.Context, accessToken string) ([]connector.RemoteAccount, error) {
	req := plaid.NewAccountsGetRequest(accessToken)
	resp, httpResp, err := c.api.PlaidApi.AccountsGet(ctx).AccountsGetRequest(*req).Execute()
	if err != nil {
		return nil, classify(err, httpResp)
	}

	accounts := resp.GetAccounts()
	out := make([]connector.RemoteAccount, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toRemoteAccount(a))
	}
	return out, nil
}

func toRemoteAccount(a plaid.AccountBase) connector.RemoteAccount {
	bal := a.GetBalances()
	ra := connector.RemoteAccount{
		ExternalID: a.GetAccountId(),
		Name:       a.GetName(),
		Type:       string(a.GetType()),
		Subtype:    string(a.GetSubtype()),
		Currency:   bal.GetIsoCurrencyCode(),
	}
	if ra.Currency == "" {
		ra.Currency = "USD"
	}
	if cur, ok := bal.GetCurrentOk(); ok && cur != nil {
		ra.Balance = decimal.NewNullDecimal(decimal.NewFromFloat(*cur))
	}
	if avail, ok := bal.GetAvailableOk(); ok && avail != nil {
		ra.AvailableBalance = decimal.NewNullDecimal(decimal.NewFromFloat(*avail))
	}
	return ra
}

// ListTransactions pages through /transactions/get for one account.
func (c *Client) ListTransactions(ctx context.Context, accessToken, accountExternalID string, r *connector.DateRange) ([]connector.RemoteTransaction, error) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -90)
	if r != nil {
		if !r.From.IsZero() {
			start = r.From
		}
		if !r.To.IsZero() {
			end = r.To
		}
	}

	var out []connector.RemoteTransaction
	for offset := 0; ; {
		req := plaid.NewTransactionsGetRequest(accessToken, start.Format(dateLayout), end.Format(dateLayout))
		opts := plaid.NewTransactionsGetRequestOptions()
		opts.SetAccountIds([]string{accountExternalID})
		opts.SetCount(pageSize)
		opts.SetOffset(int32(offset))
		req.SetOptions(*opts)

		resp, httpResp, err := c.api.PlaidApi.TransactionsGet(ctx).TransactionsGetRequest(*req).Execute()
		if err != nil {
			return nil, classify(err, httpResp)
		}

		page := resp.GetTransactions()
		for _, t := range page {
			rt, err := toRemoteTransaction(t)
			if err != nil {
				return nil, err
			}
			out = append(out, rt)
		}

		offset += len(page)
		if len(page) == 0 || offset >= int(resp.GetTotalTransactions()) {
			break
		}
	}
	return out, nil
}

func toRemoteTransaction(t plaid.Transaction) (connector.RemoteTransaction, error) {
	date, err := time.Parse(dateLayout, t.GetDate())
	if err != nil {
		return connector.RemoteTransaction{}, fmt.Errorf("transaction %s date %q: %w", t.GetTransactionId(), t.GetDate(), err)
	}

	rt := connector.RemoteTransaction{
		ExternalID:        t.GetTransactionId(),
		AccountExternalID: t.GetAccountId(),
		Amount:            decimal.NewFromFloat(t.GetAmount()),
		Description:       t.GetName(),
		Date:              date,
		Merchant:          t.GetMerchantName(),
		Status:            "posted",
	}
	if pfc, ok := t.GetPersonalFinanceCategoryOk(); ok && pfc != nil {
		rt.Kind = pfc.Primary
		rt.Category = pfc.Primary
	}
	if t.GetPending() {
		rt.Status = "pending"
	} else {
		posted := date
		rt.PostedDate = &posted
	}
	return rt, nil
}

// classify maps an SDK error onto the connector error classes.
func classify(err error, httpResp *http.Response) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status := 0
	if httpResp != nil {
		status = httpResp.StatusCode
	}

	pe, perr := plaid.ToPlaidError(err)
	if perr != nil {
		if status == 0 {
			return fmt.Errorf("%w: %v", connector.ErrTransient, err)
		}
		var header http.Header
		if httpResp != nil {
			header = httpResp.Header
		}
		return connector.StatusError(status, header, err.Error())
	}

	if _, ok := unauthorizedCodes[pe.ErrorCode]; ok {
		return fmt.Errorf("%w: %s: %s", connector.ErrUnauthorized, pe.ErrorCode, pe.ErrorMessage)
	}
	switch {
	case pe.ErrorType == plaid.PLAIDERRORTYPE_RATE_LIMIT_EXCEEDED || status == http.StatusTooManyRequests:
		return &connector.RateLimitError{}
	case pe.ErrorType == plaid.PLAIDERRORTYPE_API_ERROR || pe.ErrorType == plaid.PLAIDERRORTYPE_INSTITUTION_ERROR || status >= 500:
		return fmt.Errorf("%w: %s: %s", connector.ErrTransient, pe.ErrorCode, pe.ErrorMessage)
	}
	return &connector.RequestError{StatusCode: status, Code: pe.ErrorCode, Message: pe.ErrorMessage}
}
