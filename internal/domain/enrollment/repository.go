package enrollment

import (
	"context"
	"time"
)

// Repository defines the interface for enrollment data access
type Repository interface {
	// Upsert inserts a new enrollment or refreshes the credential, institution
	// and status of an existing one. created reports which happened.
	Upsert(ctx context.Context, params UpsertParams) (e *Enrollment, created bool, err error)

	GetByID(ctx context.Context, id string) (*Enrollment, error)

	// LockByID reads the enrollment and holds a row lock on it until the
	// surrounding transaction ends.
	LockByID(ctx context.Context, id string) (*Enrollment, error)

	// GetByExternalID looks an enrollment up by provider-assigned id.
	GetByExternalID(ctx context.Context, provider, externalID string) (*Enrollment, error)

	ListByUserID(ctx context.Context, userID int64) ([]*Enrollment, error)

	// UpdateStatus transitions the enrollment and records why. changed is
	// false when the enrollment already had that status.
	UpdateStatus(ctx context.Context, id string, status Status, reason string) (changed bool, err error)

	// Restore writes back a previous credential and status, used to undo a
	// failed re-link.
	Restore(ctx context.Context, prev *Enrollment) error

	MarkSynced(ctx context.Context, id string, at time.Time) error

	// Delete removes the enrollment row together with its sealed credential.
	Delete(ctx context.Context, id string) error
}
