package openfinance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"finsync/internal/domain/account"
	"finsync/internal/domain/enrollment"
	"finsync/internal/domain/store"
	"finsync/internal/infrastructure/connector"
)

// ConnectResult describes a completed connect.
type ConnectResult struct {
	EnrollmentID string        `json:"enrollmentId"`
	Relinked     bool          `json:"relinked"`
	Accounts     int           `json:"accounts"`
	Syncs        []*SyncResult `json:"syncs"`
}

// EnrollmentManager links institutions to users and tracks the lifecycle of
// each link.
type EnrollmentManager struct {
	engine *Engine
}

// NewEnrollmentManager creates a new enrollment manager
func NewEnrollmentManager(engine *Engine) *EnrollmentManager {
	return &EnrollmentManager{engine: engine}
}

// Connect exchanges a client-side enrollment payload for a credential,
// stores it sealed with the institution's accounts, and runs the first sync.
// A connect whose first sync fails is undone: a new enrollment is purged, a
// re-linked one gets its previous credential and status back, and adopted
// accounts return to their previous enrollment. After a successful connect,
// an enrollment left without accounts is removed with its credential.
func (m *EnrollmentManager) Connect(ctx context.Context, userID int64, provider string, raw json.RawMessage) (*ConnectResult, error) {
	e := m.engine
	conn, err := e.connectors.Get(provider)
	if err != nil {
		return nil, err
	}

	ex, err := conn.ExchangeEnrollment(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange enrollment: %w", err)
	}
	if ex.AccessToken == "" || ex.ExternalID == "" {
		return nil, fmt.Errorf("%w: provider returned no credential", connector.ErrInvalidEnrollment)
	}

	sealed, err := e.vault.Encrypt(ex.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credential: %w", err)
	}

	remote, err := conn.ListAccounts(ctx, ex.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote accounts: %w", err)
	}

	prev, err := e.repos.Enrollments.GetByExternalID(ctx, provider, ex.ExternalID)
	if err != nil && !errors.Is(err, enrollment.ErrEnrollmentNotFound) {
		return nil, fmt.Errorf("failed to look up enrollment: %w", err)
	}
	if prev != nil && prev.UserID != userID {
		return nil, ErrEnrollmentConflict
	}

	enrollmentID := uuid.NewString()
	if prev != nil {
		enrollmentID = prev.ID
	}

	var enr *enrollment.Enrollment
	var created bool
	var links map[string]string
	err = e.uow.Do(ctx, func(r store.Repositories) error {
		var err error
		enr, created, err = r.Enrollments.Upsert(ctx, enrollment.UpsertParams{
			ID:                  enrollmentID,
			UserID:              userID,
			Provider:            provider,
			ExternalID:          ex.ExternalID,
			InstitutionID:       ex.InstitutionID,
			InstitutionName:     ex.InstitutionName,
			EncryptedCredential: sealed,
			Scopes:              ex.Scopes,
		})
		if err != nil {
			return fmt.Errorf("failed to store enrollment: %w", err)
		}

		if links, err = priorLinks(ctx, r, enr, remote); err != nil {
			return err
		}

		for _, ra := range remote {
			if ra.Closed {
				continue
			}
			if _, err := r.Accounts.UpsertRemote(ctx, remoteAccountParams(enr, ra)); err != nil {
				return fmt.Errorf("failed to store account %s: %w", ra.ExternalID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	accounts, err := e.repos.Accounts.ListByEnrollmentID(ctx, enr.ID)
	if err != nil {
		m.undo(ctx, enr, prev, created, links)
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	syncs, err := e.syncEnrollment(ctx, enr, accounts, &prefetch{token: ex.AccessToken, accounts: remote, connecting: true})
	if err != nil {
		m.undo(ctx, enr, prev, created, links)
		return nil, fmt.Errorf("first sync failed: %w", err)
	}

	m.removeSuperseded(ctx, enr, links)

	log.Printf("User %d: Connected %s enrollment %s with %d accounts", userID, provider, enr.ID, len(accounts))
	return &ConnectResult{
		EnrollmentID: enr.ID,
		Relinked:     !created,
		Accounts:     len(accounts),
		Syncs:        syncs,
	}, nil
}

// priorLinks maps every existing account the connect will write to the
// enrollment it belongs to before the connect: the accounts of a re-linked
// enrollment, and accounts of other enrollments of the user that the
// institution reports again and the upsert will adopt.
func priorLinks(ctx context.Context, r store.Repositories, enr *enrollment.Enrollment, remote []connector.RemoteAccount) (map[string]string, error) {
	accounts, err := r.Accounts.ListByUserID(ctx, enr.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	reported := make(map[string]bool, len(remote))
	for _, ra := range remote {
		if !ra.Closed {
			reported[ra.ExternalID] = true
		}
	}

	links := map[string]string{}
	for _, a := range accounts {
		if a.EnrollmentID == nil {
			continue
		}
		adopted := a.ExternalID != nil && a.InstitutionID == enr.InstitutionID && reported[*a.ExternalID]
		if *a.EnrollmentID == enr.ID || adopted {
			links[a.ID] = *a.EnrollmentID
		}
	}
	return links, nil
}

// undo reverts a connect whose first sync failed. Adopted accounts go back
// to their previous enrollment with their transactions; only accounts the
// connect created are deleted.
func (m *EnrollmentManager) undo(ctx context.Context, enr *enrollment.Enrollment, prev *enrollment.Enrollment, created bool, links map[string]string) {
	ctx = context.WithoutCancel(ctx)
	err := m.engine.uow.Do(ctx, func(r store.Repositories) error {
		accounts, err := r.Accounts.ListByEnrollmentID(ctx, enr.ID)
		if err != nil {
			return err
		}
		for _, a := range accounts {
			if prior, ok := links[a.ID]; ok {
				if prior != enr.ID {
					if err := r.Accounts.MoveToEnrollment(ctx, a.ID, prior); err != nil {
						return err
					}
				}
				continue
			}
			if _, err := r.Transactions.DeleteByAccountID(ctx, a.ID); err != nil {
				return err
			}
			if err := r.Accounts.Delete(ctx, a.ID); err != nil {
				return err
			}
		}
		if created || prev == nil {
			return r.Enrollments.Delete(ctx, enr.ID)
		}
		return r.Enrollments.Restore(ctx, prev)
	})
	if err != nil {
		log.Printf("User %d: Failed to undo connect of enrollment %s: %v", enr.UserID, enr.ID, err)
	}
}

// removeSuperseded deletes enrollments, with their credentials, whose
// accounts were all adopted by enr.
func (m *EnrollmentManager) removeSuperseded(ctx context.Context, enr *enrollment.Enrollment, links map[string]string) {
	ctx = context.WithoutCancel(ctx)
	seen := map[string]bool{enr.ID: true}
	for _, prior := range links {
		if seen[prior] {
			continue
		}
		seen[prior] = true

		var removed bool
		err := m.engine.uow.Do(ctx, func(r store.Repositories) error {
			if _, err := r.Enrollments.LockByID(ctx, prior); err != nil {
				if errors.Is(err, enrollment.ErrEnrollmentNotFound) {
					return nil
				}
				return fmt.Errorf("failed to lock enrollment: %w", err)
			}
			var err error
			removed, err = removeIfEmpty(ctx, r, prior)
			return err
		})
		if err != nil {
			log.Printf("User %d: Failed to remove enrollment %s superseded by %s: %v", enr.UserID, prior, enr.ID, err)
			continue
		}
		if removed {
			log.Printf("User %d: Removed enrollment %s superseded by %s", enr.UserID, prior, enr.ID)
		}
	}
}

// Disconnect removes an account through the reconciliation engine.
func (m *EnrollmentManager) Disconnect(ctx context.Context, accountID string, userID int64) error {
	return m.engine.DisconnectAccount(ctx, userID, accountID)
}

// List returns the user's enrollments.
func (m *EnrollmentManager) List(ctx context.Context, userID int64) ([]*enrollment.Enrollment, error) {
	enrollments, err := m.engine.repos.Enrollments.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	return enrollments, nil
}

// Get returns one enrollment owned by userID.
func (m *EnrollmentManager) Get(ctx context.Context, userID int64, enrollmentID string) (*enrollment.Enrollment, error) {
	enr, err := m.engine.repos.Enrollments.GetByID(ctx, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	if enr.UserID != userID {
		return nil, enrollment.ErrForbidden
	}
	return enr, nil
}

// MarkStatus records an institution-reported lifecycle change. The user is
// asked to re-link when the enrollment leaves active.
func (m *EnrollmentManager) MarkStatus(ctx context.Context, enrollmentID string, status enrollment.Status, reason string) (bool, error) {
	if !enrollment.IsValidStatus(status) {
		return false, enrollment.ErrInvalidStatus
	}
	enr, err := m.engine.repos.Enrollments.GetByID(ctx, enrollmentID)
	if err != nil {
		return false, fmt.Errorf("failed to get enrollment: %w", err)
	}
	return m.engine.setEnrollmentStatus(ctx, enr, status, reason)
}

func remoteAccountParams(enr *enrollment.Enrollment, ra connector.RemoteAccount) account.UpsertRemoteParams {
	currency := ra.Currency
	if currency == "" {
		currency = "USD"
	}
	return account.UpsertRemoteParams{
		ID:            uuid.NewString(),
		UserID:        enr.UserID,
		EnrollmentID:  enr.ID,
		ExternalID:    ra.ExternalID,
		InstitutionID: enr.InstitutionID,
		Name:          ra.Name,
		Type:          account.NormalizeType(ra.Type),
		Subtype:       ra.Subtype,
		Currency:      currency,
	}
}
