package postgres

import (
	"context"

	"finsync/internal/domain/store"
)

// Repositories returns the repository set bound to the connection pool.
func Repositories(db *DB) store.Repositories {
	return repositoriesOn(db)
}

func repositoriesOn(q querier) store.Repositories {
	return store.Repositories{
		Enrollments:  &EnrollmentRepository{db: q},
		Accounts:     &AccountRepository{db: q},
		Transactions: &TransactionRepository{db: q},
		Webhooks:     &WebhookRepository{db: q},
	}
}

// UnitOfWork implements store.UnitOfWork on database transactions.
type UnitOfWork struct {
	db *DB
}

func NewUnitOfWork(db *DB) *UnitOfWork {
	return &UnitOfWork{db: db}
}

func (u *UnitOfWork) Do(ctx context.Context, fn func(r store.Repositories) error) error {
	return u.db.WithTx(ctx, func(tx *Tx) error {
		return fn(repositoriesOn(tx))
	})
}
