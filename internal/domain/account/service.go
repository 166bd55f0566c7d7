package account

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Service contains the business logic for account operations
type Service struct {
	repo Repository
}

// NewService creates a new account service
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// CreateManualAccount creates an account the user maintains by hand.
func (s *Service) CreateManualAccount(ctx context.Context, params CreateParams) (*Account, error) {
	if params.ID == "" {
		params.ID = uuid.NewString()
	}
	if params.Currency == "" {
		params.Currency = "USD"
	}
	params.Currency = strings.ToUpper(params.Currency)
	if params.Type == "" {
		params.Type = TypeDepository
	}

	if err := params.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidInput, err)
	}

	return s.repo.Create(ctx, params)
}

// GetAccount retrieves an account by ID and verifies user ownership
func (s *Service) GetAccount(ctx context.Context, accountID string, userID int64) (*Account, error) {
	account, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if account.UserID != userID {
		return nil, ErrForbidden
	}

	return account, nil
}

// ListAccountsByUserID retrieves all accounts for a specific user
func (s *Service) ListAccountsByUserID(ctx context.Context, userID int64) ([]*Account, error) {
	if userID <= 0 {
		return nil, errors.New("valid user ID is required")
	}

	return s.repo.ListByUserID(ctx, userID)
}

// SetPrimary marks the account as the user's primary one, clearing any other.
func (s *Service) SetPrimary(ctx context.Context, accountID string, userID int64) (*Account, error) {
	account, err := s.GetAccount(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}
	if account.SyncStatus == SyncDisabled {
		return nil, ErrAccountDisabled
	}

	if err := s.repo.SetPrimary(ctx, userID, accountID); err != nil {
		return nil, err
	}

	return s.repo.GetByID(ctx, accountID)
}

// Disable stops syncing the account. Its data is kept.
func (s *Service) Disable(ctx context.Context, accountID string, userID int64) error {
	if _, err := s.GetAccount(ctx, accountID, userID); err != nil {
		return err
	}

	return s.repo.Disable(ctx, accountID)
}
