package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"

	"finsync/internal/domain/account"
	"finsync/internal/domain/openfinance"
)

// AccountSyncer reconciles one account on behalf of the system.
type AccountSyncer interface {
	SyncAccountByID(ctx context.Context, accountID string) (*openfinance.SyncResult, error)
}

// AccountSyncJob implements the Job interface for reconciling one account
type AccountSyncJob struct {
	accountID string
	syncer    AccountSyncer
}

// NewAccountSyncJob creates a new sync job for an account
func NewAccountSyncJob(accountID string, syncer AccountSyncer) *AccountSyncJob {
	return &AccountSyncJob{
		accountID: accountID,
		syncer:    syncer,
	}
}

// Execute runs the sync. Another sync holding the account's lock, or the
// account having gone away since it was queued, is not an error.
func (j *AccountSyncJob) Execute(ctx context.Context) error {
	result, err := j.syncer.SyncAccountByID(ctx, j.accountID)
	switch {
	case errors.Is(err, openfinance.ErrSyncInProgress):
		log.Printf("Account %s: Sync already running, skipping", j.accountID)
		return nil
	case errors.Is(err, account.ErrAccountNotFound), errors.Is(err, account.ErrAccountDisabled):
		log.Printf("Account %s: No longer syncable, skipping: %v", j.accountID, err)
		return nil
	case err != nil:
		return fmt.Errorf("sync failed: %w", err)
	}

	if len(result.Errors) > 0 {
		log.Printf("Account %s: Sync completed with errors: Created=%d, Updated=%d, Skipped=%d, Errors=%d",
			j.accountID, result.Created, result.Updated, result.Skipped, len(result.Errors))
		return fmt.Errorf("sync completed with %d record errors", len(result.Errors))
	}

	log.Printf("Account %s: Sync completed: Created=%d, Updated=%d, Balance=%s",
		j.accountID, result.Created, result.Updated, result.BalanceSource)
	return nil
}

// Key returns the account id
func (j *AccountSyncJob) Key() string {
	return "account:" + j.accountID
}

// Description returns a human-readable description of the job
func (j *AccountSyncJob) Description() string {
	return fmt.Sprintf("account sync for %s", j.accountID)
}
