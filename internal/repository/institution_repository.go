package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/franorzabal-hub/kairos-api/internal/models"
)

// InstitutionRepository persists tenants and their trial fields.
type InstitutionRepository struct {
	db *sqlx.DB
}

// NewInstitutionRepository constructs the repository.
func NewInstitutionRepository(db *sqlx.DB) *InstitutionRepository {
	return &InstitutionRepository{db: db}
}

const institutionColumns = `id, name, contact_email, is_trial, trial_status, trial_started_at, trial_expires_at, created_at, updated_at`

// FindByID returns an institution by id.
func (r *InstitutionRepository) FindByID(ctx context.Context, id string) (*models.Institution, error) {
	q := fmt.Sprintf(`SELECT %s FROM institutions WHERE id = $1`, institutionColumns)
	var inst models.Institution
	if err := r.db.GetContext(ctx, &inst, q, id); err != nil {
		return nil, err
	}
	return &inst, nil
}

// UpdateTrial writes the full trial state of an institution.
func (r *InstitutionRepository) UpdateTrial(ctx context.Context, id string, isTrial bool, status models.TrialStatus, startedAt, expiresAt *time.Time) error {
	const q = `UPDATE institutions
        SET is_trial = $2, trial_status = $3, trial_started_at = $4, trial_expires_at = $5, updated_at = $6
        WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, isTrial, status, startedAt, expiresAt, time.Now().UTC()); err != nil {
		return fmt.Errorf("update trial: %w", err)
	}
	return nil
}

// SetTrialStatus writes only the trial status; used by the async expiry
// write-back and the sweep.
func (r *InstitutionRepository) SetTrialStatus(ctx context.Context, id string, status models.TrialStatus) error {
	const q = `UPDATE institutions SET trial_status = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("set trial status: %w", err)
	}
	return nil
}

// ListExpiredTrials returns active trials whose expiry has passed.
func (r *InstitutionRepository) ListExpiredTrials(ctx context.Context, now time.Time) ([]models.Institution, error) {
	q := fmt.Sprintf(`SELECT %s FROM institutions
        WHERE is_trial = TRUE AND trial_status = $1 AND trial_expires_at < $2`, institutionColumns)
	var institutions []models.Institution
	if err := r.db.SelectContext(ctx, &institutions, q, models.TrialStatusActive, now); err != nil {
		return nil, fmt.Errorf("list expired trials: %w", err)
	}
	return institutions, nil
}

// ListExpiringTrials returns active trials expiring within the window.
func (r *InstitutionRepository) ListExpiringTrials(ctx context.Context, from, to time.Time) ([]models.Institution, error) {
	q := fmt.Sprintf(`SELECT %s FROM institutions
        WHERE is_trial = TRUE AND trial_status = $1 AND trial_expires_at BETWEEN $2 AND $3`, institutionColumns)
	var institutions []models.Institution
	if err := r.db.SelectContext(ctx, &institutions, q, models.TrialStatusActive, from, to); err != nil {
		return nil, fmt.Errorf("list expiring trials: %w", err)
	}
	return institutions, nil
}

// CreateAuditLog records an administrative action.
func (r *InstitutionRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	log.CreatedAt = time.Now().UTC()

	const q = `INSERT INTO audit_logs (id, user_id, action, entity_type, entity_id, detail, created_at)
        VALUES (:id, :user_id, :action, :entity_type, :entity_id, :detail, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, q, log); err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}
