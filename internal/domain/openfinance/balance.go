package openfinance

import (
	"context"
	"fmt"

	"finsync/internal/domain/account"
	"finsync/internal/domain/store"
)

// RecomputeBalance rederives an account balance from its last snapshot and
// the transactions recorded since. Inside the freshness window the snapshot
// stays authoritative and nothing is written.
func (e *Engine) RecomputeBalance(ctx context.Context, accountID string) (bool, error) {
	return e.recompute(ctx, e.repos, accountID)
}

func (e *Engine) recompute(ctx context.Context, r store.Repositories, accountID string) (bool, error) {
	changed, err := r.Accounts.RecomputeBalance(ctx, accountID, e.now().Add(-e.cfg.FreshnessWindow))
	if err != nil {
		return false, fmt.Errorf("failed to recompute balance: %w", err)
	}
	return changed, nil
}

// SnapshotAuthoritative reports whether acc's balance currently comes from
// the institution rather than from local transactions.
func (e *Engine) SnapshotAuthoritative(acc *account.Account) bool {
	return acc.SnapshotFresh(e.now(), e.cfg.FreshnessWindow)
}
