// Package openfinance reconciles institution data into the local ledger. It
// owns the sync lock, the balance policy and the enrollment lifecycle.
package openfinance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"finsync/internal/domain/account"
	"finsync/internal/domain/credential"
	"finsync/internal/domain/enrollment"
	"finsync/internal/domain/notification"
	"finsync/internal/domain/store"
	"finsync/internal/domain/transaction"
	"finsync/internal/infrastructure/connector"
)

var (
	syncMeter           = otel.Meter("finsync/openfinance")
	syncTotal, _        = syncMeter.Int64Counter("sync.account.total", metric.WithDescription("Account syncs by outcome"))
	syncDuration, _     = syncMeter.Float64Histogram("sync.account.duration", metric.WithDescription("Account sync duration in seconds"), metric.WithUnit("s"))
	syncTransactions, _ = syncMeter.Int64Counter("sync.transactions.total", metric.WithDescription("Synced transactions by result"))
)

// Config tunes the reconciliation engine.
type Config struct {
	// FreshnessWindow is how long a remote balance snapshot stays
	// authoritative over the local derivation.
	FreshnessWindow time.Duration
	// StaleLockTimeout lets a new sync reclaim a lock left by a crashed one.
	StaleLockTimeout time.Duration
	// InitialLookback bounds the first transaction fetch of an account.
	InitialLookback time.Duration
	// IncrementalOverlap is subtracted from the last sync time so late
	// postings are picked up again.
	IncrementalOverlap time.Duration
	// DisconnectPollInterval is how often a disconnect retries the lock.
	DisconnectPollInterval time.Duration
	// DisconnectMaxWait bounds the wait when the context has no deadline.
	DisconnectMaxWait time.Duration
	// MaxConcurrentAccounts bounds parallel syncs within one enrollment.
	MaxConcurrentAccounts int
	// WebhookLease is how long a received webhook may stay in processing
	// before a redelivery or the retry sweep takes it over.
	WebhookLease time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FreshnessWindow:        time.Hour,
		StaleLockTimeout:       30 * time.Minute,
		InitialLookback:        90 * 24 * time.Hour,
		IncrementalOverlap:     30 * 24 * time.Hour,
		DisconnectPollInterval: 250 * time.Millisecond,
		DisconnectMaxWait:      2 * time.Minute,
		MaxConcurrentAccounts:  4,
		WebhookLease:           10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = d.FreshnessWindow
	}
	if c.StaleLockTimeout <= 0 {
		c.StaleLockTimeout = d.StaleLockTimeout
	}
	if c.InitialLookback <= 0 {
		c.InitialLookback = d.InitialLookback
	}
	if c.IncrementalOverlap < 0 {
		c.IncrementalOverlap = 0
	}
	if c.DisconnectPollInterval <= 0 {
		c.DisconnectPollInterval = d.DisconnectPollInterval
	}
	if c.DisconnectMaxWait <= 0 {
		c.DisconnectMaxWait = d.DisconnectMaxWait
	}
	if c.MaxConcurrentAccounts <= 0 {
		c.MaxConcurrentAccounts = d.MaxConcurrentAccounts
	}
	if c.WebhookLease <= 0 {
		c.WebhookLease = d.WebhookLease
	}
	return c
}

// BalanceSource tells where the balance written by a sync came from.
type BalanceSource string

const (
	BalanceUnchanged BalanceSource = "unchanged"
	BalanceRemote    BalanceSource = "remote"
	BalanceLocal     BalanceSource = "local"
)

// SyncResult contains the results of a sync operation
type SyncResult struct {
	AccountID         string        `json:"accountId"`
	UserID            int64         `json:"userId"`
	TransactionsFound int           `json:"transactionsFound"`
	Created           int           `json:"created"`
	Updated           int           `json:"updated"`
	Skipped           int           `json:"skipped"`
	BalanceSource     BalanceSource `json:"balanceSource"`
	Errors            []string      `json:"errors"`
}

// prefetch carries data already fetched for the whole enrollment so each
// account sync does not repeat it.
type prefetch struct {
	token    string
	accounts []connector.RemoteAccount
	// connecting marks the first sync of a new link. Its failure is undone
	// by the caller, so the enrollment status is left alone.
	connecting bool
}

// Engine is the single entry point for reconciling linked accounts. The
// scheduler, webhooks and API all go through it.
type Engine struct {
	repos      store.Repositories
	uow        store.UnitOfWork
	connectors connector.Registry
	vault      credential.Vault
	notifier   *notification.Service
	cfg        Config
	now        func() time.Time
}

// NewEngine creates a new reconciliation engine
func NewEngine(
	repos store.Repositories,
	uow store.UnitOfWork,
	connectors connector.Registry,
	vault credential.Vault,
	notifier *notification.Service,
	cfg Config,
) *Engine {
	return &Engine{
		repos:      repos,
		uow:        uow,
		connectors: connectors,
		vault:      vault,
		notifier:   notifier,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// SyncAccount reconciles one account owned by userID.
func (e *Engine) SyncAccount(ctx context.Context, userID int64, accountID string) (*SyncResult, error) {
	acc, enr, err := e.loadLinked(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	if err := e.begin(ctx, acc); err != nil {
		return nil, err
	}
	return e.runLocked(ctx, acc, enr, nil)
}

// SyncAccountByID reconciles an account on behalf of the system, skipping
// the ownership check. Used by background triggers.
func (e *Engine) SyncAccountByID(ctx context.Context, accountID string) (*SyncResult, error) {
	return e.SyncAccount(ctx, 0, accountID)
}

// SyncEnrollment reconciles every active account of an enrollment. Accounts
// are fetched from the institution once and synced concurrently. Results are
// returned for every account that was attempted, alongside the joined errors.
func (e *Engine) SyncEnrollment(ctx context.Context, userID int64, enrollmentID string) ([]*SyncResult, error) {
	enr, err := e.repos.Enrollments.GetByID(ctx, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	if userID != 0 && enr.UserID != userID {
		return nil, enrollment.ErrForbidden
	}
	if !enr.IsActive() {
		return nil, fmt.Errorf("%w: enrollment is %s", enrollment.ErrInactive, enr.Status)
	}

	accounts, err := e.repos.Accounts.ListByEnrollmentID(ctx, enr.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return e.syncEnrollment(ctx, enr, accounts, nil)
}

func (e *Engine) syncEnrollment(ctx context.Context, enr *enrollment.Enrollment, accounts []*account.Account, pre *prefetch) ([]*SyncResult, error) {
	var targets []*account.Account
	for _, acc := range accounts {
		if acc.IsActive && acc.SyncStatus != account.SyncDisabled && acc.IsLinked() {
			targets = append(targets, acc)
		}
	}
	if len(targets) == 0 {
		return []*SyncResult{}, nil
	}

	log.Printf("User %d: Syncing %d accounts of enrollment %s", enr.UserID, len(targets), enr.ID)

	if pre == nil {
		var err error
		pre, err = e.prefetch(ctx, enr)
		if err != nil {
			return nil, e.failAll(ctx, enr, targets, err)
		}
	}

	results := make([]*SyncResult, len(targets))
	errs := make([]error, len(targets))

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrentAccounts)
	for i, acc := range targets {
		g.Go(func() error {
			if err := e.begin(ctx, acc); err != nil {
				if errors.Is(err, ErrSyncInProgress) {
					results[i] = &SyncResult{AccountID: acc.ID, UserID: acc.UserID, BalanceSource: BalanceUnchanged, Errors: []string{err.Error()}}
					return nil
				}
				errs[i] = fmt.Errorf("account %s: %w", acc.ID, err)
				return nil
			}
			res, err := e.runLocked(ctx, acc, enr, pre)
			results[i] = res
			if err != nil {
				errs[i] = fmt.Errorf("account %s: %w", acc.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*SyncResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, errors.Join(errs...)
}

// prefetch decrypts the credential and lists the enrollment's accounts.
func (e *Engine) prefetch(ctx context.Context, enr *enrollment.Enrollment) (*prefetch, error) {
	conn, err := e.connectors.Get(enr.Provider)
	if err != nil {
		return nil, err
	}
	token, err := e.decrypt(enr)
	if err != nil {
		return nil, err
	}
	remote, err := conn.ListAccounts(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote accounts: %w", err)
	}
	return &prefetch{token: token, accounts: remote}, nil
}

// failAll records err on every account it can lock, so a failure shared by
// the whole enrollment still leaves each account in a terminal status.
func (e *Engine) failAll(ctx context.Context, enr *enrollment.Enrollment, accounts []*account.Account, err error) error {
	for _, acc := range accounts {
		if beginErr := e.begin(ctx, acc); beginErr != nil {
			continue
		}
		if _, ferr := e.repos.Accounts.FinishSync(context.WithoutCancel(ctx), acc.ID, account.SyncFailed, err.Error(), e.now()); ferr != nil {
			log.Printf("User %d: Failed to record sync failure for account %s: %v", acc.UserID, acc.ID, ferr)
		}
	}
	return e.translate(ctx, enr, err)
}

func (e *Engine) loadLinked(ctx context.Context, userID int64, accountID string) (*account.Account, *enrollment.Enrollment, error) {
	acc, err := e.repos.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get account: %w", err)
	}
	if userID != 0 && acc.UserID != userID {
		return nil, nil, account.ErrForbidden
	}
	if !acc.IsLinked() {
		return nil, nil, account.ErrNotLinked
	}
	if acc.SyncStatus == account.SyncDisabled || !acc.IsActive {
		return nil, nil, account.ErrAccountDisabled
	}

	enr, err := e.repos.Enrollments.GetByID(ctx, *acc.EnrollmentID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	if !enr.IsActive() {
		return nil, nil, fmt.Errorf("%w: enrollment is %s", enrollment.ErrInactive, enr.Status)
	}
	return acc, enr, nil
}

// begin takes the account's sync lock.
func (e *Engine) begin(ctx context.Context, acc *account.Account) error {
	now := e.now()
	ok, err := e.repos.Accounts.TryBeginSync(ctx, acc.ID, now, now.Add(-e.cfg.StaleLockTimeout))
	if err != nil {
		return fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if ok {
		return nil
	}

	cur, err := e.repos.Accounts.GetByID(ctx, acc.ID)
	if err == nil && cur.SyncStatus == account.SyncDisabled {
		return account.ErrAccountDisabled
	}
	return ErrSyncInProgress
}

// runLocked reconciles an account whose sync lock is held and always
// releases the lock.
func (e *Engine) runLocked(ctx context.Context, acc *account.Account, enr *enrollment.Enrollment, pre *prefetch) (*SyncResult, error) {
	start := e.now()
	result := &SyncResult{
		AccountID:     acc.ID,
		UserID:        acc.UserID,
		BalanceSource: BalanceUnchanged,
		Errors:        []string{},
	}

	err := e.reconcile(ctx, acc, enr, pre, result)
	err = e.finish(ctx, acc, enr, err, pre == nil || !pre.connecting)

	outcome := "success"
	if err != nil {
		outcome = "failed"
		log.Printf("User %d: Sync of account %s failed: %v", acc.UserID, acc.ID, err)
	} else {
		log.Printf("User %d: Account %s synced - Created: %d, Updated: %d, Skipped: %d, Balance: %s",
			acc.UserID, acc.ID, result.Created, result.Updated, result.Skipped, result.BalanceSource)
	}
	attrs := metric.WithAttributes(attribute.String("provider", enr.Provider), attribute.String("outcome", outcome))
	syncTotal.Add(ctx, 1, attrs)
	syncDuration.Record(ctx, e.now().Sub(start).Seconds(), attrs)

	return result, err
}

func (e *Engine) reconcile(ctx context.Context, acc *account.Account, enr *enrollment.Enrollment, pre *prefetch, result *SyncResult) error {
	conn, err := e.connectors.Get(enr.Provider)
	if err != nil {
		return err
	}

	if pre == nil {
		pre, err = e.prefetch(ctx, enr)
		if err != nil {
			return err
		}
	}

	remote := findRemote(pre.accounts, *acc.ExternalID)
	if remote == nil {
		return fmt.Errorf("%w: %s", ErrRemoteAccountMissing, *acc.ExternalID)
	}

	now := e.now()
	txs, err := conn.ListTransactions(ctx, pre.token, *acc.ExternalID, e.lookback(acc, now))
	if err != nil {
		return fmt.Errorf("failed to list remote transactions: %w", err)
	}
	result.TransactionsFound = len(txs)

	conv := conn.SignConvention()
	return e.uow.Do(ctx, func(r store.Repositories) error {
		if remote.Balance.Valid {
			if err := r.Accounts.ApplySnapshot(ctx, acc.ID, remote.Balance.Decimal, remote.AvailableBalance, now); err != nil {
				return fmt.Errorf("failed to apply balance snapshot: %w", err)
			}
			result.BalanceSource = BalanceRemote
		}

		for _, rt := range txs {
			inserted, err := r.Transactions.UpsertRemote(ctx, toUpsertParams(acc, rt, conv, now))
			if errors.Is(err, transaction.ErrExternalIDConflict) {
				result.Skipped++
				result.Errors = append(result.Errors, fmt.Sprintf("transaction %s: %v", rt.ExternalID, err))
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to upsert transaction %s: %w", rt.ExternalID, err)
			}
			if inserted {
				result.Created++
			} else {
				result.Updated++
			}
		}

		changed, err := r.Accounts.RecomputeBalance(ctx, acc.ID, now.Add(-e.cfg.FreshnessWindow))
		if err != nil {
			return fmt.Errorf("failed to recompute balance: %w", err)
		}
		if changed && result.BalanceSource == BalanceUnchanged {
			result.BalanceSource = BalanceLocal
		}

		syncTransactions.Add(ctx, int64(result.Created), metric.WithAttributes(attribute.String("result", "created")))
		syncTransactions.Add(ctx, int64(result.Updated), metric.WithAttributes(attribute.String("result", "updated")))
		syncTransactions.Add(ctx, int64(result.Skipped), metric.WithAttributes(attribute.String("result", "skipped")))
		return nil
	})
}

// finish releases the sync lock with the outcome of err and returns the
// error callers should see. It runs even when ctx was cancelled. escalate
// lets a credential failure change the enrollment status.
func (e *Engine) finish(ctx context.Context, acc *account.Account, enr *enrollment.Enrollment, err error, escalate bool) error {
	ctx = context.WithoutCancel(ctx)
	now := e.now()

	if err == nil {
		if _, ferr := e.repos.Accounts.FinishSync(ctx, acc.ID, account.SyncSuccess, "", now); ferr != nil {
			return fmt.Errorf("failed to record sync success: %w", ferr)
		}
		if merr := e.repos.Enrollments.MarkSynced(ctx, enr.ID, now); merr != nil {
			log.Printf("User %d: Failed to mark enrollment %s synced: %v", enr.UserID, enr.ID, merr)
		}
		return nil
	}

	if _, ferr := e.repos.Accounts.FinishSync(ctx, acc.ID, account.SyncFailed, err.Error(), now); ferr != nil {
		log.Printf("User %d: Failed to record sync failure for account %s: %v", acc.UserID, acc.ID, ferr)
	}
	if !escalate {
		return err
	}
	return e.translate(ctx, enr, err)
}

// translate moves the enrollment out of active when err proves the
// credential unusable.
func (e *Engine) translate(ctx context.Context, enr *enrollment.Enrollment, err error) error {
	switch {
	case errors.Is(err, credential.ErrIntegrity), errors.Is(err, credential.ErrMissing):
		e.setEnrollmentStatus(ctx, enr, enrollment.StatusExpired, "credential could not be decrypted")
		return fmt.Errorf("%w: %w", ErrCredentialUnavailable, err)
	case errors.Is(err, connector.ErrUnauthorized):
		e.setEnrollmentStatus(ctx, enr, enrollment.StatusRevoked, "institution rejected credential")
		return fmt.Errorf("%w: %w", ErrRelinkRequired, err)
	}
	return err
}

// setEnrollmentStatus transitions the enrollment and notifies the user once
// when it needs re-linking.
func (e *Engine) setEnrollmentStatus(ctx context.Context, enr *enrollment.Enrollment, status enrollment.Status, reason string) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	changed, err := e.repos.Enrollments.UpdateStatus(ctx, enr.ID, status, reason)
	if err != nil {
		log.Printf("User %d: Failed to mark enrollment %s %s: %v", enr.UserID, enr.ID, status, err)
		return false, err
	}
	if !changed {
		return false, nil
	}

	log.Printf("User %d: Enrollment %s is now %s (%s)", enr.UserID, enr.ID, status, reason)
	if status == enrollment.StatusExpired || status == enrollment.StatusRevoked || status == enrollment.StatusDisconnected {
		e.notifier.SendRelinkRequired(ctx, enr.UserID, enr.ID, enr.InstitutionName, string(status))
	}
	return true, nil
}

func (e *Engine) decrypt(enr *enrollment.Enrollment) (string, error) {
	if enr.EncryptedCredential == "" {
		return "", credential.ErrMissing
	}
	token, err := e.vault.Decrypt(enr.EncryptedCredential)
	if err != nil {
		if errors.Is(err, credential.ErrIntegrity) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", credential.ErrIntegrity, err)
	}
	if token == "" {
		return "", credential.ErrMissing
	}
	return token, nil
}

// lookback picks the transaction window: a full initial history on first
// sync, otherwise the last sync minus an overlap for late postings.
func (e *Engine) lookback(acc *account.Account, now time.Time) *connector.DateRange {
	from := now.Add(-e.cfg.InitialLookback)
	if acc.LastSyncAt != nil {
		incremental := acc.LastSyncAt.Add(-e.cfg.IncrementalOverlap)
		if incremental.After(from) {
			from = incremental
		}
	}
	return &connector.DateRange{From: from, To: now}
}

func findRemote(accounts []connector.RemoteAccount, externalID string) *connector.RemoteAccount {
	for i := range accounts {
		if accounts[i].ExternalID == externalID {
			return &accounts[i]
		}
	}
	return nil
}

// toUpsertParams canonicalizes one remote transaction for storage.
func toUpsertParams(acc *account.Account, rt connector.RemoteTransaction, conv transaction.SignConvention, now time.Time) transaction.UpsertRemoteParams {
	c := transaction.Canonicalize(rt.Amount, conv, transaction.IsTransferKind(rt.Kind))
	return transaction.UpsertRemoteParams{
		ID:               uuid.NewString(),
		UserID:           acc.UserID,
		AccountID:        acc.ID,
		ExternalID:       rt.ExternalID,
		Amount:           c.Amount,
		Type:             c.Type,
		Direction:        c.Direction,
		Description:      rt.Description,
		TransactionDate:  rt.Date,
		PostedDate:       rt.PostedDate,
		ExternalCategory: transaction.TranslateCategory(rt.Category),
		ExternalMerchant: rt.Merchant,
		Status:           transaction.NormalizeStatus(rt.Status),
		RecordedAt:       now,
	}
}
