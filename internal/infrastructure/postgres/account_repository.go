package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finsync/internal/domain/account"
)

var accountFields = []string{
	"id", "user_id", "enrollment_id", "external_id", "institution_id", "name", "account_type",
	"subtype", "currency", "balance", "available_balance", "snapshot_balance", "snapshot_at",
	"sync_status", "sync_started_at", "last_sync_at", "last_sync_error", "is_primary", "is_active",
	"created_at", "updated_at",
}

var accountColumns = strings.Join(accountFields, ", ")

// accountColumnsAs qualifies every account column with alias.
func accountColumnsAs(alias string) string {
	cols := make([]string, len(accountFields))
	for i, f := range accountFields {
		cols[i] = alias + "." + f
	}
	return strings.Join(cols, ", ")
}

// AccountRepository implements the account.Repository interface for PostgreSQL
type AccountRepository struct {
	db querier
}

// NewAccountRepository creates a new PostgreSQL account repository
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func scanAccount(row scanner) (*account.Account, error) {
	var acc account.Account
	var enrollmentID, externalID sql.NullString
	var snapshotAt, syncStartedAt, lastSyncAt sql.NullTime

	err := row.Scan(
		&acc.ID, &acc.UserID, &enrollmentID, &externalID, &acc.InstitutionID, &acc.Name, &acc.Type,
		&acc.Subtype, &acc.Currency, &acc.Balance, &acc.AvailableBalance, &acc.SnapshotBalance, &snapshotAt,
		&acc.SyncStatus, &syncStartedAt, &lastSyncAt, &acc.LastSyncError, &acc.IsPrimary, &acc.IsActive,
		&acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	acc.EnrollmentID = stringPtr(enrollmentID)
	acc.ExternalID = stringPtr(externalID)
	acc.SnapshotAt = timePtr(snapshotAt)
	acc.SyncStartedAt = timePtr(syncStartedAt)
	acc.LastSyncAt = timePtr(lastSyncAt)
	return &acc, nil
}

func (r *AccountRepository) list(ctx context.Context, query string, args ...any) ([]*account.Account, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*account.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// Create creates a manual account
func (r *AccountRepository) Create(ctx context.Context, params account.CreateParams) (*account.Account, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", account.ErrInvalidInput, err)
	}

	query := `
		INSERT INTO accounts (id, user_id, name, account_type, subtype, currency, balance, snapshot_balance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING ` + accountColumns

	acc, err := scanAccount(r.db.QueryRowContext(ctx, query,
		params.ID, params.UserID, params.Name, params.Type, params.Subtype, params.Currency, params.OpeningBalance,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return acc, nil
}

// UpsertRemote inserts a linked account or refreshes its descriptive fields.
// Sync state, balances and the primary flag are left alone on update.
func (r *AccountRepository) UpsertRemote(ctx context.Context, params account.UpsertRemoteParams) (*account.Account, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", account.ErrInvalidInput, err)
	}

	query := `
		INSERT INTO accounts (id, user_id, enrollment_id, external_id, institution_id, name, account_type, subtype, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (institution_id, external_id) WHERE external_id IS NOT NULL DO UPDATE SET
			enrollment_id = EXCLUDED.enrollment_id,
			name = EXCLUDED.name,
			account_type = EXCLUDED.account_type,
			subtype = EXCLUDED.subtype,
			is_active = TRUE,
			updated_at = NOW()
		WHERE accounts.user_id = EXCLUDED.user_id
		RETURNING ` + accountColumns

	acc, err := scanAccount(r.db.QueryRowContext(ctx, query,
		params.ID, params.UserID, params.EnrollmentID, params.ExternalID, params.InstitutionID,
		params.Name, params.Type, params.Subtype, params.Currency,
	))
	if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
		return nil, account.ErrDuplicateAccount
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert account: %w", err)
	}
	return acc, nil
}

// GetByID retrieves an account by its ID
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// ListByUserID retrieves all accounts for a user
func (r *AccountRepository) ListByUserID(ctx context.Context, userID int64) ([]*account.Account, error) {
	return r.list(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY is_primary DESC, created_at`, userID)
}

func (r *AccountRepository) ListByEnrollmentID(ctx context.Context, enrollmentID string) ([]*account.Account, error) {
	return r.list(ctx, `SELECT `+accountColumns+` FROM accounts WHERE enrollment_id = $1 ORDER BY created_at`, enrollmentID)
}

func (r *AccountRepository) GetByExternalID(ctx context.Context, enrollmentID, externalID string) (*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE enrollment_id = $1 AND external_id = $2`

	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, enrollmentID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by external id: %w", err)
	}
	return acc, nil
}

// ListSyncable returns accounts the scheduler may sync, least recently synced first.
func (r *AccountRepository) ListSyncable(ctx context.Context) ([]*account.Account, error) {
	query := `
		SELECT ` + accountColumnsAs("a") + `
		FROM accounts a
		JOIN enrollments e ON e.id = a.enrollment_id
		WHERE a.is_active
			AND e.status = 'active'
			AND a.sync_status IN ('pending', 'success', 'failed')
		ORDER BY a.last_sync_at NULLS FIRST
	`
	return r.list(ctx, query)
}

func (r *AccountRepository) CountByEnrollmentID(ctx context.Context, enrollmentID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE enrollment_id = $1`, enrollmentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return n, nil
}

// MoveToEnrollment re-points a linked account. The target enrollment must
// belong to the account's user.
func (r *AccountRepository) MoveToEnrollment(ctx context.Context, id, enrollmentID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts a
		SET enrollment_id = e.id, updated_at = NOW()
		FROM enrollments e
		WHERE a.id = $1 AND e.id = $2 AND e.user_id = a.user_id
	`, id, enrollmentID)
	if err != nil {
		return fmt.Errorf("failed to move account: %w", err)
	}

	changed, err := rowsChanged(result)
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if !changed {
		return account.ErrAccountNotFound
	}
	return nil
}

// TryBeginSync takes the sync lock with a single conditional update.
func (r *AccountRepository) TryBeginSync(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET sync_status = 'syncing', sync_started_at = $2, updated_at = NOW()
		WHERE id = $1
			AND (sync_status IN ('pending', 'success', 'failed')
				OR (sync_status = 'syncing' AND sync_started_at < $3))
	`, id, now, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to begin sync: %w", err)
	}

	ok, err := rowsChanged(result)
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return ok, nil
}

// TryLockForRemoval takes the sync lock from any idle or disabled state and
// returns the status it replaced.
func (r *AccountRepository) TryLockForRemoval(ctx context.Context, id string, now, staleBefore time.Time) (account.SyncStatus, bool, error) {
	var prev account.SyncStatus
	err := r.db.QueryRowContext(ctx, `
		UPDATE accounts a
		SET sync_status = 'syncing', sync_started_at = $2, updated_at = NOW()
		FROM (SELECT id, sync_status, sync_started_at FROM accounts WHERE id = $1 FOR UPDATE) prev
		WHERE a.id = prev.id
			AND (prev.sync_status IN ('pending', 'success', 'failed', 'disabled')
				OR (prev.sync_status = 'syncing' AND prev.sync_started_at < $3))
		RETURNING prev.sync_status
	`, id, now, staleBefore).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := r.GetByID(ctx, id); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to lock account for removal: %w", err)
	}
	return prev, true, nil
}

// FinishSync releases the lock with the sync outcome.
func (r *AccountRepository) FinishSync(ctx context.Context, id string, status account.SyncStatus, syncErr string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET sync_status = $2::text,
			last_sync_error = $3,
			sync_started_at = NULL,
			last_sync_at = CASE WHEN $2::text = 'success' THEN $4 ELSE last_sync_at END,
			updated_at = NOW()
		WHERE id = $1 AND sync_status = 'syncing'
	`, id, status, syncErr, at)
	if err != nil {
		return false, fmt.Errorf("failed to finish sync: %w", err)
	}

	ok, err := rowsChanged(result)
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return ok, nil
}

func (r *AccountRepository) RestoreSyncStatus(ctx context.Context, id string, status account.SyncStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET sync_status = $2, sync_started_at = NULL, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("failed to restore sync status: %w", err)
	}
	return nil
}

// ApplySnapshot stores the institution balance as both current balance and
// the base for later recomputation.
func (r *AccountRepository) ApplySnapshot(ctx context.Context, id string, balance decimal.Decimal, available decimal.NullDecimal, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $2, snapshot_balance = $2, available_balance = $3, snapshot_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, balance, available, at)
	if err != nil {
		return fmt.Errorf("failed to apply balance snapshot: %w", err)
	}

	changed, err := rowsChanged(result)
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if !changed {
		return account.ErrAccountNotFound
	}
	return nil
}

// RecomputeBalance sets balance to the snapshot plus every non-cancelled
// transaction recorded since it. Fresh snapshots are left alone.
func (r *AccountRepository) RecomputeBalance(ctx context.Context, id string, freshBefore time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts a
		SET balance = a.snapshot_balance + COALESCE((
				SELECT SUM(CASE WHEN t.direction = 'outflow' THEN -t.amount ELSE t.amount END)
				FROM transactions t
				WHERE t.account_id = a.id
					AND t.status <> 'cancelled'
					AND (a.snapshot_at IS NULL OR t.recorded_at >= a.snapshot_at)
			), 0),
			updated_at = NOW()
		WHERE a.id = $1 AND (a.snapshot_at IS NULL OR a.snapshot_at <= $2)
	`, id, freshBefore)
	if err != nil {
		return false, fmt.Errorf("failed to recompute balance: %w", err)
	}

	changed, err := rowsChanged(result)
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return changed, nil
}

// SetPrimary clears the user's current primary and sets id, holding row
// locks on all of the user's accounts so concurrent calls serialize.
func (r *AccountRepository) SetPrimary(ctx context.Context, userID int64, id string) error {
	return inTx(ctx, r.db, func(q querier) error {
		rows, err := q.QueryContext(ctx, `SELECT id FROM accounts WHERE user_id = $1 ORDER BY id FOR UPDATE`, userID)
		if err != nil {
			return fmt.Errorf("failed to lock accounts: %w", err)
		}
		found := false
		for rows.Next() {
			var accID string
			if err := rows.Scan(&accID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan account: %w", err)
			}
			if accID == id {
				found = true
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating accounts: %w", err)
		}
		if !found {
			return account.ErrAccountNotFound
		}

		if _, err := q.ExecContext(ctx, `
			UPDATE accounts SET is_primary = FALSE, updated_at = NOW()
			WHERE user_id = $1 AND is_primary AND id <> $2
		`, userID, id); err != nil {
			return fmt.Errorf("failed to clear primary account: %w", err)
		}
		if _, err := q.ExecContext(ctx, `
			UPDATE accounts SET is_primary = TRUE, updated_at = NOW() WHERE id = $1
		`, id); err != nil {
			return fmt.Errorf("failed to set primary account: %w", err)
		}
		return nil
	})
}

// Disable stops the account from being synced. Its data stays.
func (r *AccountRepository) Disable(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET sync_status = 'disabled', sync_started_at = NULL, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to disable account: %w", err)
	}

	changed, err := rowsChanged(result)
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if !changed {
		return account.ErrAccountNotFound
	}
	return nil
}

// Delete removes an account. Its transactions must already be gone.
func (r *AccountRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("account %s still has transactions: %w", id, err)
		}
		return fmt.Errorf("failed to delete account: %w", err)
	}

	changed, err := rowsChanged(result)
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if !changed {
		return account.ErrAccountNotFound
	}
	return nil
}
