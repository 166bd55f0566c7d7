package transaction

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Type classifies what a transaction means to the user.
type Type string

const (
	TypeIncome   Type = "income"
	TypeExpense  Type = "expense"
	TypeTransfer Type = "transfer"
)

// Direction is the money flow relative to the account.
type Direction string

const (
	DirectionInflow  Direction = "inflow"
	DirectionOutflow Direction = "outflow"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusPosted    Status = "posted"
	StatusCancelled Status = "cancelled"
	StatusDisputed  Status = "disputed"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrForbidden           = errors.New("access forbidden")
	ErrInvalidInput        = errors.New("invalid input")
	// ErrExternalIDConflict means the provider id is already owned by a
	// different account.
	ErrExternalIDConflict = errors.New("external transaction id belongs to another account")
	// ErrProviderOwned rejects edits to fields the institution controls.
	ErrProviderOwned = errors.New("field is managed by the institution")
)

// Transaction is a single ledger entry. Amount is always a non-negative
// magnitude; Type and Direction carry the sign. The user overlay
// (UserCategory, UserMerchant, Tags, Notes, Verified) is never written by sync.
type Transaction struct {
	ID               string          `json:"id"`
	UserID           int64           `json:"userId"`
	AccountID        string          `json:"accountId"`
	ExternalID       *string         `json:"externalId"`
	Amount           decimal.Decimal `json:"amount"`
	Type             Type            `json:"type"`
	Direction        Direction       `json:"direction"`
	Description      string          `json:"description"`
	TransactionDate  time.Time       `json:"transactionDate"`
	PostedDate       *time.Time      `json:"postedDate"`
	ExternalCategory string          `json:"externalCategory"`
	ExternalMerchant string          `json:"externalMerchant"`
	UserCategory     *string         `json:"userCategory"`
	UserMerchant     *string         `json:"userMerchant"`
	Tags             []string        `json:"tags"`
	Notes            string          `json:"notes"`
	Status           Status          `json:"status"`
	Verified         bool            `json:"verified"`
	RecordedAt       time.Time       `json:"recordedAt"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// IsManual reports whether the transaction was entered by the user.
func (t *Transaction) IsManual() bool {
	return t.ExternalID == nil
}

// Category returns the user's category when set, else the institution's.
func (t *Transaction) Category() string {
	if t.UserCategory != nil && *t.UserCategory != "" {
		return *t.UserCategory
	}
	return t.ExternalCategory
}

// Effect is the signed contribution of the transaction to its account balance.
func (t *Transaction) Effect() decimal.Decimal {
	return Effect(t.Amount, t.Direction, t.Status)
}

// Effect returns +amount for inflows and -amount for outflows. Cancelled
// entries contribute nothing.
func Effect(amount decimal.Decimal, dir Direction, status Status) decimal.Decimal {
	if status == StatusCancelled {
		return decimal.Zero
	}
	if dir == DirectionOutflow {
		return amount.Abs().Neg()
	}
	return amount.Abs()
}

// UpsertRemoteParams carries provider-owned fields for one synced record.
type UpsertRemoteParams struct {
	ID               string
	UserID           int64
	AccountID        string
	ExternalID       string
	Amount           decimal.Decimal
	Type             Type
	Direction        Direction
	Description      string
	TransactionDate  time.Time
	PostedDate       *time.Time
	ExternalCategory string
	ExternalMerchant string
	Status           Status
	RecordedAt       time.Time
}

// CreateParams creates a manual transaction.
type CreateParams struct {
	ID              string
	UserID          int64
	AccountID       string
	Amount          decimal.Decimal
	Type            Type
	Direction       Direction
	Description     string
	TransactionDate time.Time
	UserCategory    *string
	Tags            []string
	Notes           string
	RecordedAt      time.Time
}

// Validate validates the create parameters
func (p CreateParams) Validate() error {
	if p.ID == "" || p.AccountID == "" {
		return errors.New("transaction and account IDs are required")
	}
	if p.UserID <= 0 {
		return errors.New("valid user ID is required")
	}
	if p.Amount.IsNegative() {
		return errors.New("amount must be a non-negative magnitude")
	}
	if !IsValidType(p.Type) {
		return errors.New("invalid transaction type")
	}
	if !ConsistentDirection(p.Type, p.Direction) {
		return errors.New("direction does not match transaction type")
	}
	if p.TransactionDate.IsZero() {
		return errors.New("transaction date is required")
	}
	return nil
}

// UpdateParams edits a transaction. Core fields are only writable on manual
// transactions; the overlay fields are always writable.
type UpdateParams struct {
	Amount          *decimal.Decimal
	Type            *Type
	Direction       *Direction
	Description     *string
	TransactionDate *time.Time
	Status          *Status

	UserCategory *string
	UserMerchant *string
	Tags         *[]string
	Notes        *string
	Verified     *bool
}

// TouchesCore reports whether the update changes a provider-owned field
// other than a dispute toggle.
func (p UpdateParams) TouchesCore() bool {
	return p.Amount != nil || p.Type != nil || p.Direction != nil ||
		p.Description != nil || p.TransactionDate != nil
}

// AffectsBalance reports whether applying p may change the account balance.
func (p UpdateParams) AffectsBalance() bool {
	return p.Amount != nil || p.Direction != nil || p.Type != nil || p.Status != nil
}

func IsValidType(t Type) bool {
	switch t {
	case TypeIncome, TypeExpense, TypeTransfer:
		return true
	}
	return false
}

func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusPosted, StatusCancelled, StatusDisputed:
		return true
	}
	return false
}

// ConsistentDirection enforces income=inflow and expense=outflow. Transfers
// may go either way.
func ConsistentDirection(t Type, d Direction) bool {
	switch t {
	case TypeIncome:
		return d == DirectionInflow
	case TypeExpense:
		return d == DirectionOutflow
	case TypeTransfer:
		return d == DirectionInflow || d == DirectionOutflow
	}
	return false
}
