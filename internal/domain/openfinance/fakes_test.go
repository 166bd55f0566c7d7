package openfinance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"finsync/internal/domain/account"
	"finsync/internal/domain/credential"
	"finsync/internal/domain/enrollment"
	"finsync/internal/domain/notification"
	"finsync/internal/domain/store"
	"finsync/internal/domain/transaction"
	"finsync/internal/domain/webhook"
	"finsync/internal/infrastructure/connector"
)

// memStore is an in-memory store with the same write semantics as the
// Postgres repositories. Unit-of-work calls are serialized and roll back on
// error.
type memStore struct {
	mu          sync.Mutex
	uowMu       sync.Mutex
	enrollments map[string]*enrollment.Enrollment
	accounts    map[string]*account.Account
	txs         map[string]*transaction.Transaction
	events      map[string]*webhook.Event

	// failDeleteAccount makes Accounts.Delete fail, for rollback tests.
	failDeleteAccount error
	// journal records enrollment locks and account deletes in order.
	journal []string
}

func newMemStore() *memStore {
	return &memStore{
		enrollments: map[string]*enrollment.Enrollment{},
		accounts:    map[string]*account.Account{},
		txs:         map[string]*transaction.Transaction{},
		events:      map[string]*webhook.Event{},
	}
}

func (s *memStore) repos() store.Repositories {
	return store.Repositories{
		Enrollments:  memEnrollments{s},
		Accounts:     memAccounts{s},
		Transactions: memTransactions{s},
		Webhooks:     memWebhooks{s},
	}
}

func (s *memStore) Do(ctx context.Context, fn func(r store.Repositories) error) error {
	s.uowMu.Lock()
	defer s.uowMu.Unlock()

	s.mu.Lock()
	snap := s.snapshot()
	s.mu.Unlock()

	if err := fn(s.repos()); err != nil {
		s.mu.Lock()
		s.enrollments, s.accounts, s.txs, s.events = snap.enrollments, snap.accounts, snap.txs, snap.events
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *memStore) snapshot() *memStore {
	c := newMemStore()
	for k, v := range s.enrollments {
		cp := *v
		c.enrollments[k] = &cp
	}
	for k, v := range s.accounts {
		cp := *v
		c.accounts[k] = &cp
	}
	for k, v := range s.txs {
		cp := *v
		c.txs[k] = &cp
	}
	for k, v := range s.events {
		cp := *v
		c.events[k] = &cp
	}
	return c
}

func (s *memStore) account(id string) *account.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		cp := *a
		return &cp
	}
	return nil
}

func (s *memStore) enrollment(id string) *enrollment.Enrollment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.enrollments[id]; ok {
		cp := *e
		return &cp
	}
	return nil
}

func (s *memStore) transactionsOf(accountID string) []*transaction.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*transaction.Transaction
	for _, t := range s.txs {
		if t.AccountID == accountID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].ExternalID < *out[j].ExternalID })
	return out
}

func (s *memStore) eventsByStatus(status webhook.Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Status == status {
			n++
		}
	}
	return n
}

type memEnrollments struct{ s *memStore }

func (r memEnrollments) Upsert(ctx context.Context, p enrollment.UpsertParams) (*enrollment.Enrollment, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.enrollments {
		if e.Provider == p.Provider && e.ExternalID == p.ExternalID {
			e.EncryptedCredential = p.EncryptedCredential
			e.InstitutionID = p.InstitutionID
			e.InstitutionName = p.InstitutionName
			e.Scopes = p.Scopes
			e.Status = enrollment.StatusActive
			e.StatusReason = ""
			cp := *e
			return &cp, false, nil
		}
	}
	e := &enrollment.Enrollment{
		ID:                  p.ID,
		UserID:              p.UserID,
		Provider:            p.Provider,
		ExternalID:          p.ExternalID,
		InstitutionID:       p.InstitutionID,
		InstitutionName:     p.InstitutionName,
		EncryptedCredential: p.EncryptedCredential,
		Status:              enrollment.StatusActive,
		Scopes:              p.Scopes,
	}
	r.s.enrollments[e.ID] = e
	cp := *e
	return &cp, true, nil
}

func (r memEnrollments) GetByID(ctx context.Context, id string) (*enrollment.Enrollment, error) {
	if e := r.s.enrollment(id); e != nil {
		return e, nil
	}
	return nil, enrollment.ErrEnrollmentNotFound
}

func (r memEnrollments) LockByID(ctx context.Context, id string) (*enrollment.Enrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.enrollments[id]
	if !ok {
		return nil, enrollment.ErrEnrollmentNotFound
	}
	r.s.journal = append(r.s.journal, "lock "+id)
	cp := *e
	return &cp, nil
}

func (r memEnrollments) GetByExternalID(ctx context.Context, provider, externalID string) (*enrollment.Enrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.enrollments {
		if e.Provider == provider && e.ExternalID == externalID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, enrollment.ErrEnrollmentNotFound
}

func (r memEnrollments) ListByUserID(ctx context.Context, userID int64) ([]*enrollment.Enrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*enrollment.Enrollment
	for _, e := range r.s.enrollments {
		if e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r memEnrollments) UpdateStatus(ctx context.Context, id string, status enrollment.Status, reason string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.enrollments[id]
	if !ok {
		return false, enrollment.ErrEnrollmentNotFound
	}
	if e.Status == status {
		return false, nil
	}
	e.Status = status
	e.StatusReason = reason
	return true, nil
}

func (r memEnrollments) Restore(ctx context.Context, prev *enrollment.Enrollment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.enrollments[prev.ID]
	if !ok {
		return enrollment.ErrEnrollmentNotFound
	}
	e.EncryptedCredential = prev.EncryptedCredential
	e.Status = prev.Status
	e.StatusReason = prev.StatusReason
	e.InstitutionID = prev.InstitutionID
	e.InstitutionName = prev.InstitutionName
	e.Scopes = prev.Scopes
	return nil
}

func (r memEnrollments) MarkSynced(ctx context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e, ok := r.s.enrollments[id]; ok {
		e.LastSyncedAt = &at
	}
	return nil
}

func (r memEnrollments) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.enrollments[id]; !ok {
		return enrollment.ErrEnrollmentNotFound
	}
	delete(r.s.enrollments, id)
	return nil
}

type memAccounts struct{ s *memStore }

func (r memAccounts) Create(ctx context.Context, p account.CreateParams) (*account.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a := &account.Account{
		ID:              p.ID,
		UserID:          p.UserID,
		Name:            p.Name,
		Type:            p.Type,
		Currency:        p.Currency,
		Balance:         p.OpeningBalance,
		SnapshotBalance: p.OpeningBalance,
		SyncStatus:      account.SyncPending,
		IsActive:        true,
	}
	r.s.accounts[a.ID] = a
	cp := *a
	return &cp, nil
}

func (r memAccounts) UpsertRemote(ctx context.Context, p account.UpsertRemoteParams) (*account.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.InstitutionID == p.InstitutionID && a.ExternalID != nil && *a.ExternalID == p.ExternalID {
			if a.UserID != p.UserID {
				return nil, account.ErrDuplicateAccount
			}
			a.Name = p.Name
			enrID := p.EnrollmentID
			a.EnrollmentID = &enrID
			cp := *a
			return &cp, nil
		}
	}
	enrID, extID := p.EnrollmentID, p.ExternalID
	a := &account.Account{
		ID:            p.ID,
		UserID:        p.UserID,
		EnrollmentID:  &enrID,
		ExternalID:    &extID,
		InstitutionID: p.InstitutionID,
		Name:          p.Name,
		Type:          p.Type,
		Subtype:       p.Subtype,
		Currency:      p.Currency,
		SyncStatus:    account.SyncPending,
		IsActive:      true,
	}
	r.s.accounts[a.ID] = a
	cp := *a
	return &cp, nil
}

func (r memAccounts) GetByID(ctx context.Context, id string) (*account.Account, error) {
	if a := r.s.account(id); a != nil {
		return a, nil
	}
	return nil, account.ErrAccountNotFound
}

func (r memAccounts) ListByUserID(ctx context.Context, userID int64) ([]*account.Account, error) {
	return r.list(func(a *account.Account) bool { return a.UserID == userID }), nil
}

func (r memAccounts) ListByEnrollmentID(ctx context.Context, enrollmentID string) ([]*account.Account, error) {
	return r.list(func(a *account.Account) bool { return a.EnrollmentID != nil && *a.EnrollmentID == enrollmentID }), nil
}

func (r memAccounts) GetByExternalID(ctx context.Context, enrollmentID, externalID string) (*account.Account, error) {
	found := r.list(func(a *account.Account) bool {
		return a.EnrollmentID != nil && *a.EnrollmentID == enrollmentID && a.ExternalID != nil && *a.ExternalID == externalID
	})
	if len(found) == 0 {
		return nil, account.ErrAccountNotFound
	}
	return found[0], nil
}

func (r memAccounts) ListSyncable(ctx context.Context) ([]*account.Account, error) {
	return r.list(func(a *account.Account) bool { return a.IsLinked() && a.SyncStatus.CanBeginSync() }), nil
}

func (r memAccounts) CountByEnrollmentID(ctx context.Context, enrollmentID string) (int, error) {
	accounts, _ := r.ListByEnrollmentID(ctx, enrollmentID)
	return len(accounts), nil
}

func (r memAccounts) MoveToEnrollment(ctx context.Context, id, enrollmentID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return account.ErrAccountNotFound
	}
	e, ok := r.s.enrollments[enrollmentID]
	if !ok || e.UserID != a.UserID {
		return account.ErrAccountNotFound
	}
	a.EnrollmentID = &enrollmentID
	return nil
}

func (r memAccounts) list(match func(a *account.Account) bool) []*account.Account {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*account.Account
	for _, a := range r.s.accounts {
		if match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func lockable(a *account.Account, staleBefore time.Time, allowDisabled bool) bool {
	if a.SyncStatus.CanBeginSync() {
		return true
	}
	if allowDisabled && a.SyncStatus == account.SyncDisabled {
		return true
	}
	return a.SyncStatus == account.SyncSyncing && a.SyncStartedAt != nil && a.SyncStartedAt.Before(staleBefore)
}

func (r memAccounts) TryBeginSync(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return false, account.ErrAccountNotFound
	}
	if !lockable(a, staleBefore, false) {
		return false, nil
	}
	a.SyncStatus = account.SyncSyncing
	a.SyncStartedAt = &now
	return true, nil
}

func (r memAccounts) TryLockForRemoval(ctx context.Context, id string, now, staleBefore time.Time) (account.SyncStatus, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return "", false, account.ErrAccountNotFound
	}
	if !lockable(a, staleBefore, true) {
		return "", false, nil
	}
	prev := a.SyncStatus
	a.SyncStatus = account.SyncSyncing
	a.SyncStartedAt = &now
	return prev, true, nil
}

func (r memAccounts) FinishSync(ctx context.Context, id string, status account.SyncStatus, syncErr string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok || a.SyncStatus != account.SyncSyncing {
		return false, nil
	}
	a.SyncStatus = status
	a.LastSyncError = syncErr
	a.SyncStartedAt = nil
	if status == account.SyncSuccess {
		a.LastSyncAt = &at
	}
	return true, nil
}

func (r memAccounts) RestoreSyncStatus(ctx context.Context, id string, status account.SyncStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a, ok := r.s.accounts[id]; ok {
		a.SyncStatus = status
		a.SyncStartedAt = nil
	}
	return nil
}

func (r memAccounts) ApplySnapshot(ctx context.Context, id string, balance decimal.Decimal, available decimal.NullDecimal, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return account.ErrAccountNotFound
	}
	a.Balance = balance
	a.AvailableBalance = available
	a.SnapshotBalance = balance
	a.SnapshotAt = &at
	return nil
}

func (r memAccounts) RecomputeBalance(ctx context.Context, id string, freshBefore time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return false, account.ErrAccountNotFound
	}
	if a.SnapshotAt != nil && a.SnapshotAt.After(freshBefore) {
		return false, nil
	}
	sum := a.SnapshotBalance
	for _, t := range r.s.txs {
		if t.AccountID != id {
			continue
		}
		if a.SnapshotAt != nil && t.RecordedAt.Before(*a.SnapshotAt) {
			continue
		}
		sum = sum.Add(t.Effect())
	}
	a.Balance = sum
	return true, nil
}

func (r memAccounts) SetPrimary(ctx context.Context, userID int64, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.UserID == userID {
			a.IsPrimary = a.ID == id
		}
	}
	return nil
}

func (r memAccounts) Disable(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a, ok := r.s.accounts[id]; ok {
		a.SyncStatus = account.SyncDisabled
	}
	return nil
}

func (r memAccounts) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failDeleteAccount != nil {
		return r.s.failDeleteAccount
	}
	if _, ok := r.s.accounts[id]; !ok {
		return account.ErrAccountNotFound
	}
	delete(r.s.accounts, id)
	r.s.journal = append(r.s.journal, "delete "+id)
	return nil
}

type memTransactions struct{ s *memStore }

func (r memTransactions) UpsertRemote(ctx context.Context, p transaction.UpsertRemoteParams) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.txs {
		if t.ExternalID == nil || *t.ExternalID != p.ExternalID {
			continue
		}
		if t.AccountID != p.AccountID {
			return false, transaction.ErrExternalIDConflict
		}
		t.Amount = p.Amount
		t.Type = p.Type
		t.Direction = p.Direction
		t.Description = p.Description
		t.TransactionDate = p.TransactionDate
		t.PostedDate = p.PostedDate
		t.ExternalCategory = p.ExternalCategory
		t.ExternalMerchant = p.ExternalMerchant
		if t.Status != transaction.StatusDisputed {
			t.Status = p.Status
		}
		return false, nil
	}
	extID := p.ExternalID
	r.s.txs[p.ID] = &transaction.Transaction{
		ID:               p.ID,
		UserID:           p.UserID,
		AccountID:        p.AccountID,
		ExternalID:       &extID,
		Amount:           p.Amount,
		Type:             p.Type,
		Direction:        p.Direction,
		Description:      p.Description,
		TransactionDate:  p.TransactionDate,
		PostedDate:       p.PostedDate,
		ExternalCategory: p.ExternalCategory,
		ExternalMerchant: p.ExternalMerchant,
		Status:           p.Status,
		RecordedAt:       p.RecordedAt,
	}
	return true, nil
}

func (r memTransactions) Create(ctx context.Context, p transaction.CreateParams) (*transaction.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t := &transaction.Transaction{
		ID:              p.ID,
		UserID:          p.UserID,
		AccountID:       p.AccountID,
		Amount:          p.Amount,
		Type:            p.Type,
		Direction:       p.Direction,
		Description:     p.Description,
		TransactionDate: p.TransactionDate,
		UserCategory:    p.UserCategory,
		Tags:            p.Tags,
		Notes:           p.Notes,
		Status:          transaction.StatusPosted,
		RecordedAt:      p.RecordedAt,
	}
	r.s.txs[t.ID] = t
	cp := *t
	return &cp, nil
}

func (r memTransactions) GetByID(ctx context.Context, id string) (*transaction.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t, ok := r.s.txs[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, transaction.ErrTransactionNotFound
}

func (r memTransactions) ListByAccountID(ctx context.Context, accountID string, limit, offset int) ([]*transaction.Transaction, error) {
	all := r.s.transactionsOf(accountID)
	if offset >= len(all) {
		return []*transaction.Transaction{}, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r memTransactions) CountByAccountID(ctx context.Context, accountID string) (int64, error) {
	return int64(len(r.s.transactionsOf(accountID))), nil
}

func (r memTransactions) Update(ctx context.Context, id string, p transaction.UpdateParams) (*transaction.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.txs[id]
	if !ok {
		return nil, transaction.ErrTransactionNotFound
	}
	if p.Amount != nil {
		t.Amount = *p.Amount
	}
	if p.Type != nil {
		t.Type = *p.Type
	}
	if p.Direction != nil {
		t.Direction = *p.Direction
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.TransactionDate != nil {
		t.TransactionDate = *p.TransactionDate
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.UserCategory != nil {
		t.UserCategory = p.UserCategory
	}
	if p.UserMerchant != nil {
		t.UserMerchant = p.UserMerchant
	}
	if p.Tags != nil {
		t.Tags = *p.Tags
	}
	if p.Notes != nil {
		t.Notes = *p.Notes
	}
	if p.Verified != nil {
		t.Verified = *p.Verified
	}
	cp := *t
	return &cp, nil
}

func (r memTransactions) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.txs[id]; !ok {
		return transaction.ErrTransactionNotFound
	}
	delete(r.s.txs, id)
	return nil
}

func (r memTransactions) DeleteByAccountID(ctx context.Context, accountID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, t := range r.s.txs {
		if t.AccountID == accountID {
			delete(r.s.txs, id)
			n++
		}
	}
	return n, nil
}

type memWebhooks struct{ s *memStore }

func reclaimable(e *webhook.Event, staleBefore time.Time) bool {
	return e.Status == webhook.StatusFailed ||
		(e.Status == webhook.StatusReceived && e.ClaimedAt.Before(staleBefore))
}

func takeOver(e *webhook.Event, now time.Time) {
	if e.Status == webhook.StatusReceived {
		e.RetryCount++
	}
	e.Status = webhook.StatusReceived
	e.ClaimedAt = now
}

func (r memWebhooks) Claim(ctx context.Context, e *webhook.Event, staleBefore time.Time) (*webhook.ClaimResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, ex := range r.s.events {
		if ex.Provider != e.Provider || ex.ExternalID != e.ExternalID || ex.Status == webhook.StatusSkipped {
			continue
		}
		if reclaimable(ex, staleBefore) {
			takeOver(ex, e.ClaimedAt)
			ex.Payload = e.Payload
			ex.ErrorMessage = ""
			cp := *ex
			return &webhook.ClaimResult{Claimed: true, Redelivery: true, Event: &cp}, nil
		}
		return &webhook.ClaimResult{}, nil
	}
	cp := *e
	r.s.events[e.ID] = &cp
	out := *e
	return &webhook.ClaimResult{Claimed: true, Event: &out}, nil
}

func (r memWebhooks) RecordSkipped(ctx context.Context, e *webhook.Event) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *e
	r.s.events[e.ID] = &cp
	return nil
}

func (r memWebhooks) MarkSuccess(ctx context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e, ok := r.s.events[id]; ok {
		e.Status = webhook.StatusSuccess
		e.ProcessedAt = &at
		return nil
	}
	return webhook.ErrEventNotFound
}

func (r memWebhooks) MarkFailed(ctx context.Context, id string, message string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e, ok := r.s.events[id]; ok {
		e.Status = webhook.StatusFailed
		e.ErrorMessage = message
		e.RetryCount++
		e.ProcessedAt = &at
		return nil
	}
	return webhook.ErrEventNotFound
}

func (r memWebhooks) ListRetryable(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]*webhook.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*webhook.Event
	for _, e := range r.s.events {
		if reclaimable(e, staleBefore) && e.RetryCount < maxRetries {
			cp := *e
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memWebhooks) Reclaim(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.events[id]
	if !ok || !reclaimable(e, staleBefore) {
		return false, nil
	}
	takeOver(e, now)
	return true, nil
}

// fakeConnector serves canned accounts and transactions.
type fakeConnector struct {
	mu        sync.Mutex
	provider  string
	conv      transaction.SignConvention
	exchange  *connector.Exchange
	accounts  []connector.RemoteAccount
	txs       map[string][]connector.RemoteTransaction
	listErr   error
	txErr     error
	txCalls   int
	revoked   []string
	txStarted chan struct{}
	txRelease chan struct{}
}

func (c *fakeConnector) Provider() string { return c.provider }
func (c *fakeConnector) SignConvention() transaction.SignConvention { return c.conv }

func (c *fakeConnector) ExchangeEnrollment(ctx context.Context, raw json.RawMessage) (*connector.Exchange, error) {
	if c.exchange == nil {
		return nil, connector.ErrInvalidEnrollment
	}
	ex := *c.exchange
	return &ex, nil
}

func (c *fakeConnector) ListAccounts(ctx context.Context, accessToken string) ([]connector.RemoteAccount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]connector.RemoteAccount(nil), c.accounts...), nil
}

func (c *fakeConnector) ListTransactions(ctx context.Context, accessToken, accountExternalID string, r *connector.DateRange) ([]connector.RemoteTransaction, error) {
	if c.txStarted != nil {
		c.txStarted <- struct{}{}
		<-c.txRelease
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txCalls++
	if c.txErr != nil {
		return nil, c.txErr
	}
	return append([]connector.RemoteTransaction(nil), c.txs[accountExternalID]...), nil
}

func (c *fakeConnector) RevokeAccount(ctx context.Context, accessToken, accountExternalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked = append(c.revoked, accountExternalID)
	return nil
}

func (c *fakeConnector) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txCalls
}

func (c *fakeConnector) setBalance(externalID string, balance decimal.NullDecimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.accounts {
		if c.accounts[i].ExternalID == externalID {
			c.accounts[i].Balance = balance
		}
	}
}

func (c *fakeConnector) setTransactions(externalID string, txs ...connector.RemoteTransaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txs == nil {
		c.txs = map[string][]connector.RemoteTransaction{}
	}
	c.txs[externalID] = txs
}

// fakeVault seals by prefixing. Anything without the prefix fails integrity.
type fakeVault struct{}

func (fakeVault) Encrypt(plaintext string) (string, error) { return "sealed:" + plaintext, nil }

func (fakeVault) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, "sealed:") {
		return "", credential.ErrIntegrity
	}
	return strings.TrimPrefix(ciphertext, "sealed:"), nil
}

type recordingMessenger struct {
	mu    sync.Mutex
	sends []map[string]string
}

func (m *recordingMessenger) SendToTopic(ctx context.Context, topic, title, body string, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, data)
	return nil
}

func (m *recordingMessenger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeWebhookHandler accepts deliveries carrying X-Test-Signature: ok and a
// JSON body of {id, kind, enrollment, accounts}.
type fakeWebhookHandler struct{ provider string }

func (h fakeWebhookHandler) Provider() string { return h.provider }

func (h fakeWebhookHandler) Verify(ctx context.Context, body []byte, header http.Header) error {
	if header.Get("X-Test-Signature") != "ok" {
		return errors.New("signature mismatch")
	}
	return nil
}

func (h fakeWebhookHandler) Parse(body []byte) (*connector.WebhookEvent, error) {
	var p struct {
		ID         string   `json:"id"`
		Kind       string   `json:"kind"`
		Enrollment string   `json:"enrollment"`
		Accounts   []string `json:"accounts"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	return &connector.WebhookEvent{
		ExternalID:           p.ID,
		Kind:                 connector.WebhookKind(p.Kind),
		RawType:              p.Kind,
		EnrollmentExternalID: p.Enrollment,
		AccountExternalIDs:   p.Accounts,
	}, nil
}

type recordingRequester struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *recordingRequester) RequestSync(accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, accountID)
	return nil
}

// fixture wires an engine over memStore with one enrollment and one
// checking account, remote balance $1,000.00.
type fixture struct {
	store     *memStore
	conn      *fakeConnector
	clock     *fakeClock
	messenger *recordingMessenger
	engine    *Engine
	enr       *enrollment.Enrollment
	acc       *account.Account
}

const testUserID int64 = 7

func newFixture() *fixture {
	s := newMemStore()
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	conn := &fakeConnector{
		provider: enrollment.ProviderTeller,
		conv:     transaction.OutflowNegative,
		accounts: []connector.RemoteAccount{{
			ExternalID: "acc_ext_1",
			Name:       "Checking",
			Type:       "depository",
			Currency:   "USD",
			Balance:    decimal.NewNullDecimal(decimal.RequireFromString("1000.00")),
		}},
	}
	messenger := &recordingMessenger{}

	cfg := DefaultConfig()
	cfg.DisconnectPollInterval = 5 * time.Millisecond
	engine := NewEngine(s.repos(), s, connector.NewRegistry(conn), fakeVault{}, notification.NewService(messenger, nil), cfg)
	engine.now = clock.Now

	enr := &enrollment.Enrollment{
		ID:                  "enr-1",
		UserID:              testUserID,
		Provider:            enrollment.ProviderTeller,
		ExternalID:          "enr_ext_1",
		InstitutionID:       "inst-1",
		InstitutionName:     "First Bank",
		EncryptedCredential: "sealed:token-1",
		Status:              enrollment.StatusActive,
	}
	s.enrollments[enr.ID] = enr

	enrID, extID := enr.ID, "acc_ext_1"
	acc := &account.Account{
		ID:            "acc-1",
		UserID:        testUserID,
		EnrollmentID:  &enrID,
		ExternalID:    &extID,
		InstitutionID: "inst-1",
		Name:          "Checking",
		Type:          account.TypeDepository,
		Currency:      "USD",
		SyncStatus:    account.SyncPending,
		IsActive:      true,
	}
	s.accounts[acc.ID] = acc

	return &fixture{store: s, conn: conn, clock: clock, messenger: messenger, engine: engine, enr: enr, acc: acc}
}

func remoteTx(id, amount, description string) connector.RemoteTransaction {
	return connector.RemoteTransaction{
		ExternalID:        id,
		AccountExternalID: "acc_ext_1",
		Amount:            decimal.RequireFromString(amount),
		Kind:              "card_payment",
		Description:       description,
		Date:              time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC),
		Status:            "posted",
	}
}
