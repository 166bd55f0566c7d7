package openfinance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"finsync/internal/domain/account"
	"finsync/internal/domain/store"
	"finsync/internal/domain/transaction"
)

// CreateTransactionInput is a manually entered ledger entry.
type CreateTransactionInput struct {
	Amount          decimal.Decimal
	Type            transaction.Type
	Direction       transaction.Direction
	Description     string
	TransactionDate time.Time
	Category        *string
	Tags            []string
	Notes           string
}

// LedgerService handles user edits to the ledger. Every change that can move
// a balance goes through the engine's balance policy in the same transaction.
type LedgerService struct {
	engine *Engine
}

// NewLedgerService creates a new ledger service
func NewLedgerService(engine *Engine) *LedgerService {
	return &LedgerService{engine: engine}
}

// ListTransactions returns a page of an account's transactions and the total count.
func (s *LedgerService) ListTransactions(ctx context.Context, userID int64, accountID string, limit, offset int) ([]*transaction.Transaction, int64, error) {
	if _, err := s.ownedAccount(ctx, userID, accountID); err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	repos := s.engine.repos
	txs, err := repos.Transactions.ListByAccountID(ctx, accountID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	total, err := repos.Transactions.CountByAccountID(ctx, accountID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return txs, total, nil
}

// CreateTransaction records a manual transaction. Expense and income imply
// their direction when none is given.
func (s *LedgerService) CreateTransaction(ctx context.Context, userID int64, accountID string, in CreateTransactionInput) (*transaction.Transaction, error) {
	acc, err := s.ownedAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	if acc.SyncStatus == account.SyncDisabled || !acc.IsActive {
		return nil, account.ErrAccountDisabled
	}

	dir := in.Direction
	if dir == "" {
		switch in.Type {
		case transaction.TypeIncome:
			dir = transaction.DirectionInflow
		case transaction.TypeExpense:
			dir = transaction.DirectionOutflow
		}
	}

	params := transaction.CreateParams{
		ID:              uuid.NewString(),
		UserID:          userID,
		AccountID:       acc.ID,
		Amount:          in.Amount,
		Type:            in.Type,
		Direction:       dir,
		Description:     strings.TrimSpace(in.Description),
		TransactionDate: in.TransactionDate,
		UserCategory:    in.Category,
		Tags:            in.Tags,
		Notes:           in.Notes,
		RecordedAt:      s.engine.now(),
	}
	if err := params.Validate(); err != nil {
		return nil, errors.Join(transaction.ErrInvalidInput, err)
	}

	var created *transaction.Transaction
	err = s.engine.uow.Do(ctx, func(r store.Repositories) error {
		var err error
		if created, err = r.Transactions.Create(ctx, params); err != nil {
			return fmt.Errorf("failed to create transaction: %w", err)
		}
		_, err = s.engine.recompute(ctx, r, acc.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Printf("User %d: Created manual transaction %s on account %s", userID, created.ID, acc.ID)
	return created, nil
}

// UpdateTransaction edits a transaction. Institution-owned fields of synced
// transactions are read-only, except that a posted entry may be marked
// disputed and back.
func (s *LedgerService) UpdateTransaction(ctx context.Context, userID int64, transactionID string, params transaction.UpdateParams) (*transaction.Transaction, error) {
	tx, err := s.ownedTransaction(ctx, userID, transactionID)
	if err != nil {
		return nil, err
	}
	if err := checkUpdate(tx, params); err != nil {
		return nil, err
	}

	var updated *transaction.Transaction
	err = s.engine.uow.Do(ctx, func(r store.Repositories) error {
		var err error
		if updated, err = r.Transactions.Update(ctx, tx.ID, params); err != nil {
			return fmt.Errorf("failed to update transaction: %w", err)
		}
		if params.AffectsBalance() {
			_, err = s.engine.recompute(ctx, r, tx.AccountID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteTransaction removes a manual transaction.
func (s *LedgerService) DeleteTransaction(ctx context.Context, userID int64, transactionID string) error {
	tx, err := s.ownedTransaction(ctx, userID, transactionID)
	if err != nil {
		return err
	}
	if !tx.IsManual() {
		return fmt.Errorf("%w: synced transactions cannot be deleted", transaction.ErrProviderOwned)
	}

	return s.engine.uow.Do(ctx, func(r store.Repositories) error {
		if err := r.Transactions.Delete(ctx, tx.ID); err != nil {
			return fmt.Errorf("failed to delete transaction: %w", err)
		}
		_, err := s.engine.recompute(ctx, r, tx.AccountID)
		return err
	})
}

func checkUpdate(tx *transaction.Transaction, p transaction.UpdateParams) error {
	if !tx.IsManual() {
		if p.TouchesCore() {
			return transaction.ErrProviderOwned
		}
		if p.Status != nil && !disputeToggle(tx.Status, *p.Status) {
			return fmt.Errorf("%w: status can only move between posted and disputed", transaction.ErrProviderOwned)
		}
		return nil
	}

	if p.Amount != nil && p.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must be a non-negative magnitude", transaction.ErrInvalidInput)
	}
	if p.Status != nil && !transaction.IsValidStatus(*p.Status) {
		return fmt.Errorf("%w: invalid status", transaction.ErrInvalidInput)
	}
	typ, dir := tx.Type, tx.Direction
	if p.Type != nil {
		typ = *p.Type
	}
	if p.Direction != nil {
		dir = *p.Direction
	}
	if !transaction.IsValidType(typ) || !transaction.ConsistentDirection(typ, dir) {
		return fmt.Errorf("%w: direction does not match transaction type", transaction.ErrInvalidInput)
	}
	if p.Description != nil && strings.TrimSpace(*p.Description) == "" {
		return fmt.Errorf("%w: description cannot be empty", transaction.ErrInvalidInput)
	}
	return nil
}

func disputeToggle(from, to transaction.Status) bool {
	if from == to {
		return true
	}
	return (from == transaction.StatusPosted && to == transaction.StatusDisputed) ||
		(from == transaction.StatusDisputed && to == transaction.StatusPosted)
}

func (s *LedgerService) ownedAccount(ctx context.Context, userID int64, accountID string) (*account.Account, error) {
	acc, err := s.engine.repos.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if acc.UserID != userID {
		return nil, account.ErrForbidden
	}
	return acc, nil
}

func (s *LedgerService) ownedTransaction(ctx context.Context, userID int64, transactionID string) (*transaction.Transaction, error) {
	tx, err := s.engine.repos.Transactions.GetByID(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if tx.UserID != userID {
		return nil, transaction.ErrForbidden
	}
	return tx, nil
}
