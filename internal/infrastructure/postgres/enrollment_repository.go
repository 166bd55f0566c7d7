package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"finsync/internal/domain/enrollment"
)

const enrollmentColumns = `id, user_id, provider, external_id, institution_id, institution_name,
	encrypted_credential, status, status_reason, scopes, last_synced_at, created_at, updated_at`

// EnrollmentRepository implements the enrollment.Repository interface for PostgreSQL
type EnrollmentRepository struct {
	db querier
}

// NewEnrollmentRepository creates a new PostgreSQL enrollment repository
func NewEnrollmentRepository(db *DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

func scanEnrollment(row scanner) (*enrollment.Enrollment, error) {
	var e enrollment.Enrollment
	var lastSynced sql.NullTime
	var scopes pq.StringArray

	err := row.Scan(
		&e.ID, &e.UserID, &e.Provider, &e.ExternalID, &e.InstitutionID, &e.InstitutionName,
		&e.EncryptedCredential, &e.Status, &e.StatusReason, &scopes, &lastSynced,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Scopes = []string(scopes)
	e.LastSyncedAt = timePtr(lastSynced)
	return &e, nil
}

// Upsert inserts an enrollment or re-activates an existing one with a fresh
// credential. A row owned by another user is never touched.
func (r *EnrollmentRepository) Upsert(ctx context.Context, params enrollment.UpsertParams) (*enrollment.Enrollment, bool, error) {
	if err := params.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid enrollment: %w", err)
	}

	query := `
		INSERT INTO enrollments (id, user_id, provider, external_id, institution_id, institution_name, encrypted_credential, scopes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider, external_id) DO UPDATE SET
			encrypted_credential = EXCLUDED.encrypted_credential,
			institution_id = COALESCE(NULLIF(EXCLUDED.institution_id, ''), enrollments.institution_id),
			institution_name = COALESCE(NULLIF(EXCLUDED.institution_name, ''), enrollments.institution_name),
			scopes = EXCLUDED.scopes,
			status = 'active',
			status_reason = '',
			updated_at = NOW()
		WHERE enrollments.user_id = EXCLUDED.user_id
		RETURNING ` + enrollmentColumns + `, (xmax = 0) AS created
	`

	var e enrollment.Enrollment
	var lastSynced sql.NullTime
	var scopes pq.StringArray
	var created bool

	err := r.db.QueryRowContext(ctx, query,
		params.ID, params.UserID, params.Provider, params.ExternalID, params.InstitutionID,
		params.InstitutionName, params.EncryptedCredential, pq.Array(params.Scopes),
	).Scan(
		&e.ID, &e.UserID, &e.Provider, &e.ExternalID, &e.InstitutionID, &e.InstitutionName,
		&e.EncryptedCredential, &e.Status, &e.StatusReason, &scopes, &lastSynced,
		&e.CreatedAt, &e.UpdatedAt, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, enrollment.ErrForbidden
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert enrollment: %w", err)
	}

	e.Scopes = []string(scopes)
	e.LastSyncedAt = timePtr(lastSynced)
	return &e, created, nil
}

// GetByID retrieves an enrollment by its ID
func (r *EnrollmentRepository) GetByID(ctx context.Context, id string) (*enrollment.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1`

	e, err := scanEnrollment(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, enrollment.ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	return e, nil
}

// LockByID reads the enrollment with FOR UPDATE. Outside a transaction the
// lock is released as soon as the statement ends.
func (r *EnrollmentRepository) LockByID(ctx context.Context, id string) (*enrollment.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1 FOR UPDATE`

	e, err := scanEnrollment(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, enrollment.ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock enrollment: %w", err)
	}
	return e, nil
}

func (r *EnrollmentRepository) GetByExternalID(ctx context.Context, provider, externalID string) (*enrollment.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE provider = $1 AND external_id = $2`

	e, err := scanEnrollment(r.db.QueryRowContext(ctx, query, provider, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, enrollment.ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment by external id: %w", err)
	}
	return e, nil
}

// ListByUserID retrieves all enrollments for a user
func (r *EnrollmentRepository) ListByUserID(ctx context.Context, userID int64) ([]*enrollment.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE user_id = $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []*enrollment.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		enrollments = append(enrollments, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating enrollments: %w", err)
	}

	return enrollments, nil
}

// UpdateStatus transitions the enrollment. It reports false without writing
// when the enrollment already has the status.
func (r *EnrollmentRepository) UpdateStatus(ctx context.Context, id string, status enrollment.Status, reason string) (bool, error) {
	if !enrollment.IsValidStatus(status) {
		return false, enrollment.ErrInvalidStatus
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE enrollments
		SET status = $2, status_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status <> $2
	`, id, status, reason)
	if err != nil {
		return false, fmt.Errorf("failed to update enrollment status: %w", err)
	}

	changed, err := rowsChanged(result)
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if changed {
		return true, nil
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Restore writes back the credential, institution and status of prev.
func (r *EnrollmentRepository) Restore(ctx context.Context, prev *enrollment.Enrollment) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE enrollments
		SET encrypted_credential = $2, institution_id = $3, institution_name = $4,
			scopes = $5, status = $6, status_reason = $7, last_synced_at = $8, updated_at = NOW()
		WHERE id = $1
	`, prev.ID, prev.EncryptedCredential, prev.InstitutionID, prev.InstitutionName,
		pq.Array(prev.Scopes), prev.Status, prev.StatusReason, nullTime(prev.LastSyncedAt))
	if err != nil {
		return fmt.Errorf("failed to restore enrollment: %w", err)
	}

	changed, err := rowsChanged(result)
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if !changed {
		return enrollment.ErrEnrollmentNotFound
	}
	return nil
}

func (r *EnrollmentRepository) MarkSynced(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE enrollments SET last_synced_at = $2, updated_at = NOW() WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark enrollment synced: %w", err)
	}
	return nil
}

// Delete removes the enrollment. Accounts must already be gone.
func (r *EnrollmentRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM enrollments WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("enrollment %s still has accounts: %w", id, err)
		}
		return fmt.Errorf("failed to delete enrollment: %w", err)
	}

	changed, err := rowsChanged(result)
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if !changed {
		return enrollment.ErrEnrollmentNotFound
	}
	return nil
}
