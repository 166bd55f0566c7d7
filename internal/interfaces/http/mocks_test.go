package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"finsync/internal/domain/account"
	"finsync/internal/domain/enrollment"
	"finsync/internal/domain/openfinance"
	"finsync/internal/domain/transaction"
	"finsync/internal/shared/middleware"
)

type MockAccountService struct {
	ListAccountsByUserIDFunc func(ctx context.Context, userID int64) ([]*account.Account, error)
	CreateManualAccountFunc  func(ctx context.Context, params account.CreateParams) (*account.Account, error)
	SetPrimaryFunc           func(ctx context.Context, accountID string, userID int64) (*account.Account, error)
	DisableFunc              func(ctx context.Context, accountID string, userID int64) error
}

func (m *MockAccountService) ListAccountsByUserID(ctx context.Context, userID int64) ([]*account.Account, error) {
	if m.ListAccountsByUserIDFunc != nil {
		return m.ListAccountsByUserIDFunc(ctx, userID)
	}
	return nil, nil
}

func (m *MockAccountService) CreateManualAccount(ctx context.Context, params account.CreateParams) (*account.Account, error) {
	if m.CreateManualAccountFunc != nil {
		return m.CreateManualAccountFunc(ctx, params)
	}
	return &account.Account{ID: "acc-new", UserID: params.UserID}, nil
}

func (m *MockAccountService) SetPrimary(ctx context.Context, accountID string, userID int64) (*account.Account, error) {
	if m.SetPrimaryFunc != nil {
		return m.SetPrimaryFunc(ctx, accountID, userID)
	}
	return &account.Account{ID: accountID, UserID: userID, IsPrimary: true}, nil
}

func (m *MockAccountService) Disable(ctx context.Context, accountID string, userID int64) error {
	if m.DisableFunc != nil {
		return m.DisableFunc(ctx, accountID, userID)
	}
	return nil
}

type MockSyncer struct {
	SyncAccountFunc func(ctx context.Context, userID int64, accountID string) (*openfinance.SyncResult, error)
}

func (m *MockSyncer) SyncAccount(ctx context.Context, userID int64, accountID string) (*openfinance.SyncResult, error) {
	if m.SyncAccountFunc != nil {
		return m.SyncAccountFunc(ctx, userID, accountID)
	}
	return &openfinance.SyncResult{AccountID: accountID, UserID: userID}, nil
}

type MockDisconnector struct {
	DisconnectFunc func(ctx context.Context, accountID string, userID int64) error
}

func (m *MockDisconnector) Disconnect(ctx context.Context, accountID string, userID int64) error {
	if m.DisconnectFunc != nil {
		return m.DisconnectFunc(ctx, accountID, userID)
	}
	return nil
}

type MockEnrollmentService struct {
	ConnectFunc func(ctx context.Context, userID int64, provider string, raw json.RawMessage) (*openfinance.ConnectResult, error)
	ListFunc    func(ctx context.Context, userID int64) ([]*enrollment.Enrollment, error)
}

func (m *MockEnrollmentService) Connect(ctx context.Context, userID int64, provider string, raw json.RawMessage) (*openfinance.ConnectResult, error) {
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx, userID, provider, raw)
	}
	return &openfinance.ConnectResult{EnrollmentID: "enr-1"}, nil
}

func (m *MockEnrollmentService) List(ctx context.Context, userID int64) ([]*enrollment.Enrollment, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, userID)
	}
	return nil, nil
}

type MockLedger struct {
	ListTransactionsFunc  func(ctx context.Context, userID int64, accountID string, limit, offset int) ([]*transaction.Transaction, int64, error)
	CreateTransactionFunc func(ctx context.Context, userID int64, accountID string, in openfinance.CreateTransactionInput) (*transaction.Transaction, error)
	UpdateTransactionFunc func(ctx context.Context, userID int64, transactionID string, params transaction.UpdateParams) (*transaction.Transaction, error)
	DeleteTransactionFunc func(ctx context.Context, userID int64, transactionID string) error
}

func (m *MockLedger) ListTransactions(ctx context.Context, userID int64, accountID string, limit, offset int) ([]*transaction.Transaction, int64, error) {
	if m.ListTransactionsFunc != nil {
		return m.ListTransactionsFunc(ctx, userID, accountID, limit, offset)
	}
	return nil, 0, nil
}

func (m *MockLedger) CreateTransaction(ctx context.Context, userID int64, accountID string, in openfinance.CreateTransactionInput) (*transaction.Transaction, error) {
	if m.CreateTransactionFunc != nil {
		return m.CreateTransactionFunc(ctx, userID, accountID, in)
	}
	return &transaction.Transaction{ID: "tx-new", AccountID: accountID}, nil
}

func (m *MockLedger) UpdateTransaction(ctx context.Context, userID int64, transactionID string, params transaction.UpdateParams) (*transaction.Transaction, error) {
	if m.UpdateTransactionFunc != nil {
		return m.UpdateTransactionFunc(ctx, userID, transactionID, params)
	}
	return &transaction.Transaction{ID: transactionID}, nil
}

func (m *MockLedger) DeleteTransaction(ctx context.Context, userID int64, transactionID string) error {
	if m.DeleteTransactionFunc != nil {
		return m.DeleteTransactionFunc(ctx, userID, transactionID)
	}
	return nil
}

type MockWebhookReceiver struct {
	IngestFunc func(ctx context.Context, provider string, raw []byte, header http.Header) (*openfinance.IngestResult, error)
}

func (m *MockWebhookReceiver) Ingest(ctx context.Context, provider string, raw []byte, header http.Header) (*openfinance.IngestResult, error) {
	if m.IngestFunc != nil {
		return m.IngestFunc(ctx, provider, raw, header)
	}
	return &openfinance.IngestResult{EventID: "evt-1"}, nil
}

// withRequestContext attaches an authenticated user (0 for none) and chi
// URL parameters given as key/value pairs.
func withRequestContext(r *http.Request, userID int64, params ...string) *http.Request {
	ctx := r.Context()
	if userID > 0 {
		ctx = middleware.WithUserID(ctx, userID)
	}
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(params); i += 2 {
		rctx.URLParams.Add(params[i], params[i+1])
	}
	ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}
