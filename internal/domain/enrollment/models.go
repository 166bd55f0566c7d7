package enrollment

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a user's link to an institution.
type Status string

const (
	StatusActive       Status = "active"
	StatusDisconnected Status = "disconnected"
	StatusExpired      Status = "expired"
	StatusRevoked      Status = "revoked"
)

// Supported connector backends.
const (
	ProviderTeller = "teller"
	ProviderPlaid  = "plaid"
)

var (
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	ErrInactive           = errors.New("enrollment is not active")
	ErrInvalidStatus      = errors.New("invalid enrollment status")
	ErrForbidden          = errors.New("access forbidden")
)

// Enrollment is one user's authorized link to one financial institution.
// EncryptedCredential is sealed by a credential.Vault and is never
// serialized to API clients.
type Enrollment struct {
	ID                  string     `json:"id"`
	UserID              int64      `json:"userId"`
	Provider            string     `json:"provider"`
	ExternalID          string     `json:"externalId"`
	InstitutionID       string     `json:"institutionId"`
	InstitutionName     string     `json:"institutionName"`
	EncryptedCredential string     `json:"-"`
	Status              Status     `json:"status"`
	StatusReason        string     `json:"statusReason,omitempty"`
	Scopes              []string   `json:"scopes"`
	LastSyncedAt        *time.Time `json:"lastSyncedAt"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// IsActive reports whether the enrollment may be used for syncing.
func (e *Enrollment) IsActive() bool {
	return e.Status == StatusActive
}

// UpsertParams creates an enrollment or re-links an existing one that has
// the same (user, provider, external id).
type UpsertParams struct {
	ID                  string
	UserID              int64
	Provider            string
	ExternalID          string
	InstitutionID       string
	InstitutionName     string
	EncryptedCredential string
	Scopes              []string
}

// Validate validates the upsert parameters
func (p UpsertParams) Validate() error {
	if p.UserID <= 0 {
		return errors.New("valid user ID is required")
	}
	if p.Provider == "" {
		return errors.New("provider is required")
	}
	if p.ExternalID == "" {
		return errors.New("external enrollment ID is required")
	}
	if p.EncryptedCredential == "" {
		return errors.New("encrypted credential is required")
	}
	return nil
}

// IsValidStatus checks if s is a known enrollment status.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusActive, StatusDisconnected, StatusExpired, StatusRevoked:
		return true
	}
	return false
}
