package http

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"finsync/internal/domain/account"
	"finsync/internal/domain/openfinance"
)

// AccountService is the account bookkeeping the handler needs.
type AccountService interface {
	ListAccountsByUserID(ctx context.Context, userID int64) ([]*account.Account, error)
	CreateManualAccount(ctx context.Context, params account.CreateParams) (*account.Account, error)
	SetPrimary(ctx context.Context, accountID string, userID int64) (*account.Account, error)
	Disable(ctx context.Context, accountID string, userID int64) error
}

// AccountSyncer reconciles one account on demand.
type AccountSyncer interface {
	SyncAccount(ctx context.Context, userID int64, accountID string) (*openfinance.SyncResult, error)
}

// AccountDisconnector removes a linked or manual account and its data.
type AccountDisconnector interface {
	Disconnect(ctx context.Context, accountID string, userID int64) error
}

type AccountHandler struct {
	accounts     AccountService
	syncer       AccountSyncer
	disconnector AccountDisconnector
}

func NewAccountHandler(accounts AccountService, syncer AccountSyncer, disconnector AccountDisconnector) *AccountHandler {
	return &AccountHandler{accounts: accounts, syncer: syncer, disconnector: disconnector}
}

type CreateAccountRequest struct {
	Name           string          `json:"name"`
	Type           account.Type    `json:"type"`
	Subtype        string          `json:"subtype"`
	Currency       string          `json:"currency"`
	OpeningBalance decimal.Decimal `json:"openingBalance"`
}

// HandleListAccounts returns all accounts for the authenticated user
func (h *AccountHandler) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	accounts, err := h.accounts.ListAccountsByUserID(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []*account.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

// HandleCreateAccount creates a manual account.
func (h *AccountHandler) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req CreateAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	acc, err := h.accounts.CreateManualAccount(r.Context(), account.CreateParams{
		UserID:         userID,
		Name:           req.Name,
		Type:           req.Type,
		Subtype:        req.Subtype,
		Currency:       req.Currency,
		OpeningBalance: req.OpeningBalance,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	log.Printf("User %d: Created manual account %s", userID, acc.ID)
	writeJSON(w, http.StatusCreated, acc)
}

// HandleSync runs a reconciliation of the account and returns its result.
func (h *AccountHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	result, err := h.syncer.SyncAccount(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleSetPrimary makes the account the user's primary one.
func (h *AccountHandler) HandleSetPrimary(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	acc, err := h.accounts.SetPrimary(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// HandleDisable stops syncing the account.
func (h *AccountHandler) HandleDisable(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	accountID := chi.URLParam(r, "id")
	if err := h.accounts.Disable(r.Context(), accountID, userID); err != nil {
		writeError(w, r, err)
		return
	}

	log.Printf("User %d: Disabled account %s", userID, accountID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleDisconnect deletes the account with its transactions, and the
// enrollment once no account uses it.
func (h *AccountHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := h.disconnector.Disconnect(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
