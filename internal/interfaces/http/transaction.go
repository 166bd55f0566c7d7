package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"finsync/internal/domain/openfinance"
	"finsync/internal/domain/transaction"
)

// LedgerService reads and edits an account's transactions.
type LedgerService interface {
	ListTransactions(ctx context.Context, userID int64, accountID string, limit, offset int) ([]*transaction.Transaction, int64, error)
	CreateTransaction(ctx context.Context, userID int64, accountID string, in openfinance.CreateTransactionInput) (*transaction.Transaction, error)
	UpdateTransaction(ctx context.Context, userID int64, transactionID string, params transaction.UpdateParams) (*transaction.Transaction, error)
	DeleteTransaction(ctx context.Context, userID int64, transactionID string) error
}

type TransactionHandler struct {
	ledger LedgerService
}

func NewTransactionHandler(ledger LedgerService) *TransactionHandler {
	return &TransactionHandler{ledger: ledger}
}

type CreateTransactionRequest struct {
	Amount          decimal.Decimal       `json:"amount"`
	Type            transaction.Type      `json:"type"`
	Direction       transaction.Direction `json:"direction,omitempty"`
	Description     string                `json:"description"`
	TransactionDate string                `json:"transactionDate"`
	Category        *string               `json:"category,omitempty"`
	Tags            []string              `json:"tags,omitempty"`
	Notes           string                `json:"notes,omitempty"`
}

// UpdateTransactionRequest is a partial update; absent fields are left alone.
type UpdateTransactionRequest struct {
	Amount          *decimal.Decimal       `json:"amount,omitempty"`
	Type            *transaction.Type      `json:"type,omitempty"`
	Direction       *transaction.Direction `json:"direction,omitempty"`
	Description     *string                `json:"description,omitempty"`
	TransactionDate *string                `json:"transactionDate,omitempty"`
	Status          *transaction.Status    `json:"status,omitempty"`

	Category *string   `json:"category,omitempty"`
	Merchant *string   `json:"merchant,omitempty"`
	Tags     *[]string `json:"tags,omitempty"`
	Notes    *string   `json:"notes,omitempty"`
	Verified *bool     `json:"verified,omitempty"`
}

type TransactionListResponse struct {
	Transactions []*transaction.Transaction `json:"transactions"`
	Total        int64                      `json:"total"`
	Limit        int                        `json:"limit"`
	Offset       int                        `json:"offset"`
}

// HandleListTransactions returns a page of the account's transactions,
// newest first.
func (h *TransactionHandler) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	txs, total, err := h.ledger.ListTransactions(r.Context(), userID, chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []*transaction.Transaction{}
	}
	writeJSON(w, http.StatusOK, TransactionListResponse{Transactions: txs, Total: total, Limit: limit, Offset: offset})
}

// HandleCreateTransaction records a manual transaction on the account.
func (h *TransactionHandler) HandleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req CreateTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	date := time.Now().UTC().Truncate(24 * time.Hour)
	if req.TransactionDate != "" {
		d, err := parseDate(req.TransactionDate)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		date = d
	}

	tx, err := h.ledger.CreateTransaction(r.Context(), userID, chi.URLParam(r, "id"), openfinance.CreateTransactionInput{
		Amount:          req.Amount,
		Type:            req.Type,
		Direction:       req.Direction,
		Description:     req.Description,
		TransactionDate: date,
		Category:        req.Category,
		Tags:            req.Tags,
		Notes:           req.Notes,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// HandleUpdateTransaction edits the user overlay of any transaction, or the
// core fields of a manual one.
func (h *TransactionHandler) HandleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req UpdateTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	params := transaction.UpdateParams{
		Amount:       req.Amount,
		Type:         req.Type,
		Direction:    req.Direction,
		Description:  req.Description,
		Status:       req.Status,
		UserCategory: req.Category,
		UserMerchant: req.Merchant,
		Tags:         req.Tags,
		Notes:        req.Notes,
		Verified:     req.Verified,
	}
	if req.TransactionDate != nil {
		d, err := parseDate(*req.TransactionDate)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		params.TransactionDate = &d
	}

	tx, err := h.ledger.UpdateTransaction(r.Context(), userID, chi.URLParam(r, "id"), params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// HandleDeleteTransaction removes a manual transaction.
func (h *TransactionHandler) HandleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := h.ledger.DeleteTransaction(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
