package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"finsync/internal/domain/transaction"
)

const transactionColumns = `id, user_id, account_id, external_id, amount, type, direction, description,
	transaction_date, posted_date, external_category, external_merchant, user_category, user_merchant,
	tags, notes, status, verified, recorded_at, created_at, updated_at`

// TransactionRepository implements the transaction.Repository interface for PostgreSQL
type TransactionRepository struct {
	db querier
}

// NewTransactionRepository creates a new PostgreSQL transaction repository
func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func scanTransaction(row scanner) (*transaction.Transaction, error) {
	var t transaction.Transaction
	var externalID, userCategory, userMerchant sql.NullString
	var postedDate sql.NullTime
	var tags pq.StringArray

	err := row.Scan(
		&t.ID, &t.UserID, &t.AccountID, &externalID, &t.Amount, &t.Type, &t.Direction, &t.Description,
		&t.TransactionDate, &postedDate, &t.ExternalCategory, &t.ExternalMerchant, &userCategory, &userMerchant,
		&tags, &t.Notes, &t.Status, &t.Verified, &t.RecordedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ExternalID = stringPtr(externalID)
	t.PostedDate = timePtr(postedDate)
	t.UserCategory = stringPtr(userCategory)
	t.UserMerchant = stringPtr(userMerchant)
	t.Tags = []string(tags)
	return &t, nil
}

// UpsertRemote writes the provider-owned fields of a synced record. A local
// dispute and the original recorded_at survive updates. Rows under another
// account are never touched.
func (r *TransactionRepository) UpsertRemote(ctx context.Context, params transaction.UpsertRemoteParams) (bool, error) {
	query := `
		INSERT INTO transactions (
			id, user_id, account_id, external_id, amount, type, direction, description,
			transaction_date, posted_date, external_category, external_merchant, status, recorded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (external_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			type = EXCLUDED.type,
			direction = EXCLUDED.direction,
			description = EXCLUDED.description,
			transaction_date = EXCLUDED.transaction_date,
			posted_date = EXCLUDED.posted_date,
			external_category = EXCLUDED.external_category,
			external_merchant = EXCLUDED.external_merchant,
			status = CASE WHEN transactions.status = 'disputed' THEN transactions.status ELSE EXCLUDED.status END,
			updated_at = NOW()
		WHERE transactions.account_id = EXCLUDED.account_id
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err := r.db.QueryRowContext(ctx, query,
		params.ID, params.UserID, params.AccountID, params.ExternalID, params.Amount.Abs(), params.Type,
		params.Direction, params.Description, params.TransactionDate, nullTime(params.PostedDate),
		params.ExternalCategory, params.ExternalMerchant, params.Status, params.RecordedAt,
	).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, transaction.ErrExternalIDConflict
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert transaction: %w", err)
	}
	return inserted, nil
}

// Create creates a manual transaction
func (r *TransactionRepository) Create(ctx context.Context, params transaction.CreateParams) (*transaction.Transaction, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", transaction.ErrInvalidInput, err)
	}

	tags := params.Tags
	if tags == nil {
		tags = []string{}
	}

	query := `
		INSERT INTO transactions (
			id, user_id, account_id, amount, type, direction, description,
			transaction_date, user_category, tags, notes, recorded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING ` + transactionColumns

	t, err := scanTransaction(r.db.QueryRowContext(ctx, query,
		params.ID, params.UserID, params.AccountID, params.Amount, params.Type, params.Direction,
		params.Description, params.TransactionDate, nullStringPtr(params.UserCategory),
		pq.Array(tags), params.Notes, params.RecordedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return t, nil
}

// GetByID retrieves a transaction by its ID
func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*transaction.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	t, err := scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transaction.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// ListByAccountID retrieves a page of transactions, newest first
func (r *TransactionRepository) ListByAccountID(ctx context.Context, accountID string, limit, offset int) ([]*transaction.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = $1
		ORDER BY transaction_date DESC, created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var transactions []*transaction.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return transactions, nil
}

func (r *TransactionRepository) CountByAccountID(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE account_id = $1`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

// Update applies the non-nil fields of params.
func (r *TransactionRepository) Update(ctx context.Context, id string, params transaction.UpdateParams) (*transaction.Transaction, error) {
	var sets []string
	var args []any
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if params.Amount != nil {
		set("amount", *params.Amount)
	}
	if params.Type != nil {
		set("type", *params.Type)
	}
	if params.Direction != nil {
		set("direction", *params.Direction)
	}
	if params.Description != nil {
		set("description", *params.Description)
	}
	if params.TransactionDate != nil {
		set("transaction_date", *params.TransactionDate)
	}
	if params.Status != nil {
		set("status", *params.Status)
	}
	if params.UserCategory != nil {
		set("user_category", nullString(*params.UserCategory))
	}
	if params.UserMerchant != nil {
		set("user_merchant", nullString(*params.UserMerchant))
	}
	if params.Tags != nil {
		tags := *params.Tags
		if tags == nil {
			tags = []string{}
		}
		set("tags", pq.Array(tags))
	}
	if params.Notes != nil {
		set("notes", *params.Notes)
	}
	if params.Verified != nil {
		set("verified", *params.Verified)
	}

	if len(sets) == 0 {
		return r.GetByID(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf(`
		UPDATE transactions
		SET %s, updated_at = NOW()
		WHERE id = $%d
		RETURNING %s
	`, strings.Join(sets, ", "), len(args), transactionColumns)

	t, err := scanTransaction(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transaction.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}
	return t, nil
}

// Delete deletes a transaction
func (r *TransactionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}

	changed, err := rowsChanged(result)
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if !changed {
		return transaction.ErrTransactionNotFound
	}
	return nil
}

func (r *TransactionRepository) DeleteByAccountID(ctx context.Context, accountID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM transactions WHERE account_id = $1`, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete account transactions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}
