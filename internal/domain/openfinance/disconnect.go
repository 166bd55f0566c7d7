package openfinance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"finsync/internal/domain/account"
	"finsync/internal/domain/enrollment"
	"finsync/internal/domain/store"
	"finsync/internal/infrastructure/connector"
)

// DisconnectAccount deletes an account with its transactions, and the
// enrollment with its credential once no account references it. It waits for
// an in-flight sync to release the account, bounded by ctx. On failure
// nothing is deleted and the account keeps its previous sync status.
func (e *Engine) DisconnectAccount(ctx context.Context, userID int64, accountID string) error {
	acc, err := e.repos.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to get account: %w", err)
	}
	if acc.UserID != userID {
		return account.ErrForbidden
	}

	var enr *enrollment.Enrollment
	if acc.EnrollmentID != nil {
		enr, err = e.repos.Enrollments.GetByID(ctx, *acc.EnrollmentID)
		if err != nil && !errors.Is(err, enrollment.ErrEnrollmentNotFound) {
			return fmt.Errorf("failed to get enrollment: %w", err)
		}
	}

	prev, err := e.lockForRemoval(ctx, acc.ID)
	if err != nil {
		return err
	}

	var removed int64
	enrollmentDeleted := false
	err = e.uow.Do(ctx, func(r store.Repositories) error {
		// Sibling disconnects serialize on the enrollment row so the last
		// one sees zero remaining accounts.
		if enr != nil {
			if _, err := r.Enrollments.LockByID(ctx, enr.ID); err != nil {
				return fmt.Errorf("failed to lock enrollment: %w", err)
			}
		}

		var err error
		if removed, err = r.Transactions.DeleteByAccountID(ctx, acc.ID); err != nil {
			return fmt.Errorf("failed to delete transactions: %w", err)
		}
		if err := r.Accounts.Delete(ctx, acc.ID); err != nil {
			return fmt.Errorf("failed to delete account: %w", err)
		}
		if enr == nil {
			return nil
		}

		enrollmentDeleted, err = removeIfEmpty(ctx, r, enr.ID)
		return err
	})
	if err != nil {
		if rerr := e.repos.Accounts.RestoreSyncStatus(context.WithoutCancel(ctx), acc.ID, prev); rerr != nil {
			log.Printf("User %d: Failed to restore sync status of account %s: %v", userID, acc.ID, rerr)
		}
		return err
	}

	log.Printf("User %d: Disconnected account %s (%d transactions, enrollment removed: %t)",
		userID, acc.ID, removed, enrollmentDeleted)

	if enr != nil && acc.ExternalID != nil {
		e.revokeRemote(ctx, enr, *acc.ExternalID)
	}
	return nil
}

// removeIfEmpty deletes the enrollment and its credential once no account
// references it. The caller holds the enrollment row lock.
func removeIfEmpty(ctx context.Context, r store.Repositories, enrollmentID string) (bool, error) {
	remaining, err := r.Accounts.CountByEnrollmentID(ctx, enrollmentID)
	if err != nil {
		return false, fmt.Errorf("failed to count enrollment accounts: %w", err)
	}
	if remaining > 0 {
		return false, nil
	}
	if err := r.Enrollments.Delete(ctx, enrollmentID); err != nil {
		return false, fmt.Errorf("failed to delete enrollment: %w", err)
	}
	return true, nil
}

// lockForRemoval takes the sync lock, polling while a sync is running.
func (e *Engine) lockForRemoval(ctx context.Context, accountID string) (account.SyncStatus, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.DisconnectMaxWait)
		defer cancel()
	}

	ticker := time.NewTicker(e.cfg.DisconnectPollInterval)
	defer ticker.Stop()

	for {
		now := e.now()
		prev, ok, err := e.repos.Accounts.TryLockForRemoval(ctx, accountID, now, now.Add(-e.cfg.StaleLockTimeout))
		if err != nil {
			return "", fmt.Errorf("failed to lock account: %w", err)
		}
		if ok {
			return prev, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", ErrSyncInProgress, ctx.Err())
		case <-ticker.C:
		}
	}
}

// revokeRemote asks the provider to drop access to the account. The local
// removal has already committed, so failures are only logged.
func (e *Engine) revokeRemote(ctx context.Context, enr *enrollment.Enrollment, accountExternalID string) {
	conn, err := e.connectors.Get(enr.Provider)
	if err != nil {
		return
	}
	revoker, ok := conn.(connector.Revoker)
	if !ok {
		return
	}
	token, err := e.decrypt(enr)
	if err != nil {
		return
	}
	if err := revoker.RevokeAccount(context.WithoutCancel(ctx), token, accountExternalID); err != nil {
		log.Printf("User %d: Failed to revoke account %s at %s: %v", enr.UserID, accountExternalID, enr.Provider, err)
	}
}
