package account

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Type is the canonical account type.
type Type string

const (
	TypeDepository Type = "depository"
	TypeCredit     Type = "credit"
	TypeLoan       Type = "loan"
	TypeInvestment Type = "investment"
	TypeOther      Type = "other"
)

// SyncStatus is the per-account reconciliation state. The syncing state
// doubles as the account's sync lock.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSyncing  SyncStatus = "syncing"
	SyncSuccess  SyncStatus = "success"
	SyncFailed   SyncStatus = "failed"
	SyncDisabled SyncStatus = "disabled"
)

var (
	// Common ISO 4217 currency codes
	validCurrencies = map[string]struct{}{
		"USD": {}, "EUR": {}, "GBP": {}, "CAD": {}, "AUD": {},
		"NZD": {}, "CHF": {}, "JPY": {}, "MXN": {}, "BRL": {},
		"SEK": {}, "NOK": {}, "DKK": {}, "PLN": {}, "SGD": {},
		"HKD": {}, "INR": {}, "ZAR": {},
	}
)

// Domain errors
var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrForbidden        = errors.New("access forbidden")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidType      = errors.New("invalid account type")
	ErrInvalidCurrency  = errors.New("valid ISO 4217 currency is required")
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrAccountDisabled  = errors.New("account is disabled")
	ErrNotLinked        = errors.New("account is not linked to an institution")
	ErrDuplicateAccount = errors.New("account already exists for this institution")
)

// Account is a ledger the user holds at an institution, or a manual one when
// EnrollmentID is nil.
type Account struct {
	ID               string              `json:"id"`
	UserID           int64               `json:"userId"`
	EnrollmentID     *string             `json:"enrollmentId"`
	ExternalID       *string             `json:"externalId"`
	InstitutionID    string              `json:"institutionId"`
	Name             string              `json:"name"`
	Type             Type                `json:"type"`
	Subtype          string              `json:"subtype"`
	Currency         string              `json:"currency"`
	Balance          decimal.Decimal     `json:"balance"`
	AvailableBalance decimal.NullDecimal `json:"availableBalance"`
	SnapshotBalance  decimal.Decimal     `json:"-"`
	SnapshotAt       *time.Time          `json:"-"`
	SyncStatus       SyncStatus          `json:"syncStatus"`
	SyncStartedAt    *time.Time          `json:"-"`
	LastSyncAt       *time.Time          `json:"lastSyncAt"`
	LastSyncError    string              `json:"lastSyncError,omitempty"`
	IsPrimary        bool                `json:"isPrimary"`
	IsActive         bool                `json:"isActive"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// IsLinked reports whether the account is backed by an enrollment.
func (a *Account) IsLinked() bool {
	return a.EnrollmentID != nil && a.ExternalID != nil
}

// SnapshotFresh reports whether the last remote balance is younger than window.
func (a *Account) SnapshotFresh(now time.Time, window time.Duration) bool {
	return a.SnapshotAt != nil && a.SnapshotAt.After(now.Add(-window))
}

// CreateParams creates a manual account. OpeningBalance seeds SnapshotBalance.
type CreateParams struct {
	ID             string
	UserID         int64
	Name           string
	Type           Type
	Subtype        string
	Currency       string
	OpeningBalance decimal.Decimal
}

// Validate validates the create parameters
func (p CreateParams) Validate() error {
	if p.ID == "" {
		return errors.New("account ID is required")
	}
	if p.UserID <= 0 {
		return errors.New("valid user ID is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("account name is required")
	}
	if !IsValidType(p.Type) {
		return ErrInvalidType
	}
	if !IsValidCurrency(p.Currency) {
		return ErrInvalidCurrency
	}
	return nil
}

// UpsertRemoteParams registers an account reported by a connector.
// Existing rows keyed by (institution, external id) keep their local state.
type UpsertRemoteParams struct {
	ID            string
	UserID        int64
	EnrollmentID  string
	ExternalID    string
	InstitutionID string
	Name          string
	Type          Type
	Subtype       string
	Currency      string
}

// Validate validates the upsert parameters
func (p UpsertRemoteParams) Validate() error {
	if p.ID == "" {
		return errors.New("account ID is required for upsert")
	}
	if p.UserID <= 0 {
		return errors.New("valid user ID is required for upsert")
	}
	if p.EnrollmentID == "" || p.ExternalID == "" {
		return errors.New("enrollment and external ID are required")
	}
	if p.Name == "" {
		return errors.New("account name is required")
	}
	if !IsValidType(p.Type) {
		return ErrInvalidType
	}
	if !IsValidCurrency(p.Currency) {
		return ErrInvalidCurrency
	}
	return nil
}

// IsValidType checks if t is a canonical account type.
func IsValidType(t Type) bool {
	switch t {
	case TypeDepository, TypeCredit, TypeLoan, TypeInvestment, TypeOther:
		return true
	}
	return false
}

// NormalizeType maps provider vocabulary to a canonical Type.
func NormalizeType(providerType string) Type {
	switch strings.ToLower(providerType) {
	case "depository", "checking", "savings", "money_market", "cd":
		return TypeDepository
	case "credit", "credit_card":
		return TypeCredit
	case "loan", "mortgage", "student":
		return TypeLoan
	case "investment", "brokerage":
		return TypeInvestment
	default:
		return TypeOther
	}
}

// IsValidCurrency checks if the provided currency is a valid ISO 4217 code.
func IsValidCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	_, ok := validCurrencies[c]
	return ok
}

// CanBeginSync reports whether an account in status s may acquire the sync
// lock. A syncing account is only reclaimable once its lock has gone stale.
func (s SyncStatus) CanBeginSync() bool {
	switch s {
	case SyncPending, SyncSuccess, SyncFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to SyncStatus) bool {
	if to == SyncDisabled {
		return true
	}
	switch from {
	case SyncPending, SyncSuccess, SyncFailed:
		return to == SyncSyncing
	case SyncSyncing:
		return to == SyncSuccess || to == SyncFailed
	}
	return false
}
