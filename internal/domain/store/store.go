// Package store groups the domain repositories so multi-entity writes can run
// inside one database transaction.
package store

import (
	"context"

	"finsync/internal/domain/account"
	"finsync/internal/domain/enrollment"
	"finsync/internal/domain/transaction"
	"finsync/internal/domain/webhook"
)

// Repositories is a set of repositories bound to the same connection or
// transaction.
type Repositories struct {
	Enrollments  enrollment.Repository
	Accounts     account.Repository
	Transactions transaction.Repository
	Webhooks     webhook.Repository
}

// UnitOfWork runs fn with repositories bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(r Repositories) error) error
}
