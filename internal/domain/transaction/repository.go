package transaction

import (
	"context"
)

// Repository defines the interface for transaction data access
type Repository interface {
	// UpsertRemote inserts a synced record or refreshes its provider-owned
	// fields, keyed by external id. inserted is false for updates. It
	// returns ErrExternalIDConflict without writing when the id belongs to
	// another account.
	UpsertRemote(ctx context.Context, params UpsertRemoteParams) (inserted bool, err error)

	Create(ctx context.Context, params CreateParams) (*Transaction, error)
	GetByID(ctx context.Context, id string) (*Transaction, error)
	ListByAccountID(ctx context.Context, accountID string, limit, offset int) ([]*Transaction, error)
	CountByAccountID(ctx context.Context, accountID string) (int64, error)
	Update(ctx context.Context, id string, params UpdateParams) (*Transaction, error)
	Delete(ctx context.Context, id string) error

	// DeleteByAccountID removes every transaction of the account.
	DeleteByAccountID(ctx context.Context, accountID string) (int64, error)
}
