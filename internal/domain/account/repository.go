package account

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository defines the interface for account data access
// This interface is defined in the domain layer, but implemented in the infrastructure layer
type Repository interface {
	// Create creates a manual account
	Create(ctx context.Context, params CreateParams) (*Account, error)

	// UpsertRemote inserts or refreshes a linked account by (institution, external id)
	UpsertRemote(ctx context.Context, params UpsertRemoteParams) (*Account, error)

	GetByID(ctx context.Context, id string) (*Account, error)

	ListByUserID(ctx context.Context, userID int64) ([]*Account, error)

	ListByEnrollmentID(ctx context.Context, enrollmentID string) ([]*Account, error)

	// GetByExternalID finds a linked account of the enrollment by provider id
	GetByExternalID(ctx context.Context, enrollmentID, externalID string) (*Account, error)

	// ListSyncable returns linked, active accounts whose enrollment is active
	// and whose status allows a new sync.
	ListSyncable(ctx context.Context) ([]*Account, error)

	CountByEnrollmentID(ctx context.Context, enrollmentID string) (int, error)

	// MoveToEnrollment points a linked account at another enrollment of the
	// same user.
	MoveToEnrollment(ctx context.Context, id, enrollmentID string) error

	// TryBeginSync atomically moves the account to syncing. It reports false
	// when another sync holds a lock started after staleBefore, or the
	// account is disabled.
	TryBeginSync(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)

	// TryLockForRemoval is TryBeginSync that also accepts disabled accounts.
	// It returns the status held before the lock.
	TryLockForRemoval(ctx context.Context, id string, now, staleBefore time.Time) (prev SyncStatus, ok bool, err error)

	// FinishSync records the outcome of a sync. It only writes while the
	// account is still syncing and reports whether it did.
	FinishSync(ctx context.Context, id string, status SyncStatus, syncErr string, at time.Time) (bool, error)

	// RestoreSyncStatus writes status back after an aborted removal.
	RestoreSyncStatus(ctx context.Context, id string, status SyncStatus) error

	// ApplySnapshot stores an institution-reported balance as authoritative.
	ApplySnapshot(ctx context.Context, id string, balance decimal.Decimal, available decimal.NullDecimal, at time.Time) error

	// RecomputeBalance derives the balance from the last snapshot plus the
	// transactions recorded since. It does nothing while the snapshot is
	// newer than freshBefore and reports whether a write happened.
	RecomputeBalance(ctx context.Context, id string, freshBefore time.Time) (bool, error)

	// SetPrimary makes id the user's only primary account.
	SetPrimary(ctx context.Context, userID int64, id string) error

	Disable(ctx context.Context, id string) error

	Delete(ctx context.Context, id string) error
}
