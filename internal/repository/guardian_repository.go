package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/franorzabal-hub/kairos-api/internal/models"
)

// GuardianRepository persists guardians and the student-guardian join. The
// primary-flag invariant (at most one primary per student) is enforced here:
// writing a primary link clears the previous holder in the same transaction.
type GuardianRepository struct {
	db *sqlx.DB
}

// NewGuardianRepository constructs the repository.
func NewGuardianRepository(db *sqlx.DB) *GuardianRepository {
	return &GuardianRepository{db: db}
}

const guardianColumns = `id, institution_id, user_id, email, first_name, last_name, phone, created_at, updated_at`

// FindByID returns a guardian by id.
func (r *GuardianRepository) FindByID(ctx context.Context, id string) (*models.Guardian, error) {
	q := fmt.Sprintf(`SELECT %s FROM guardians WHERE id = $1`, guardianColumns)
	var guardian models.Guardian
	if err := r.db.GetContext(ctx, &guardian, q, id); err != nil {
		return nil, err
	}
	return &guardian, nil
}

// FindByEmail returns a guardian by email (case-insensitive).
func (r *GuardianRepository) FindByEmail(ctx context.Context, email string) (*models.Guardian, error) {
	q := fmt.Sprintf(`SELECT %s FROM guardians WHERE LOWER(email) = LOWER($1)`, guardianColumns)
	var guardian models.Guardian
	if err := r.db.GetContext(ctx, &guardian, q, email); err != nil {
		return nil, err
	}
	return &guardian, nil
}

// FindByUserID returns the guardian linked to a user account.
func (r *GuardianRepository) FindByUserID(ctx context.Context, userID string) (*models.Guardian, error) {
	q := fmt.Sprintf(`SELECT %s FROM guardians WHERE user_id = $1`, guardianColumns)
	var guardian models.Guardian
	if err := r.db.GetContext(ctx, &guardian, q, userID); err != nil {
		return nil, err
	}
	return &guardian, nil
}

// Create persists a new guardian.
func (r *GuardianRepository) Create(ctx context.Context, guardian *models.Guardian) error {
	if guardian.ID == "" {
		guardian.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	guardian.CreatedAt = now
	guardian.UpdatedAt = now

	const q = `INSERT INTO guardians (id, institution_id, user_id, email, first_name, last_name, phone, created_at, updated_at)
        VALUES (:id, :institution_id, :user_id, :email, :first_name, :last_name, :phone, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, q, guardian); err != nil {
		return fmt.Errorf("create guardian: %w", err)
	}
	return nil
}

// LinkExists checks whether a student-guardian relationship row exists.
func (r *GuardianRepository) LinkExists(ctx context.Context, studentID, guardianID string) (bool, error) {
	const q = `SELECT 1 FROM student_guardians WHERE student_id = $1 AND guardian_id = $2 LIMIT 1`
	var one int
	if err := r.db.GetContext(ctx, &one, q, studentID, guardianID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check link: %w", err)
	}
	return true, nil
}

// LinkStudent inserts a student-guardian relationship. When the new link is
// primary, the previous primary holder for the student is cleared first so
// the invariant holds even across concurrent writers.
func (r *GuardianRepository) LinkStudent(ctx context.Context, link *models.StudentGuardian) error {
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	link.CreatedAt = time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin link tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if link.IsPrimary {
		const clear = `UPDATE student_guardians SET is_primary = FALSE WHERE student_id = $1 AND is_primary = TRUE`
		if _, err := tx.ExecContext(ctx, clear, link.StudentID); err != nil {
			return fmt.Errorf("clear previous primary: %w", err)
		}
	}

	const insert = `INSERT INTO student_guardians (id, student_id, guardian_id, relation, is_primary, can_pickup, receives_communications, created_at)
        VALUES (:id, :student_id, :guardian_id, :relation, :is_primary, :can_pickup, :receives_communications, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insert, link); err != nil {
		return fmt.Errorf("insert link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit link tx: %w", err)
	}
	return nil
}

// GuardianIDsByStudents returns the distinct guardians linked to any of the
// students, optionally restricted to those opted into communications.
func (r *GuardianRepository) GuardianIDsByStudents(ctx context.Context, studentIDs []string, respectPreferences bool) ([]string, error) {
	if len(studentIDs) == 0 {
		return nil, nil
	}
	base := `SELECT DISTINCT guardian_id FROM student_guardians WHERE student_id IN (?)`
	if respectPreferences {
		base += ` AND receives_communications = TRUE`
	}
	q, args, err := sqlx.In(base, studentIDs)
	if err != nil {
		return nil, fmt.Errorf("guardians by students: %w", err)
	}
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, r.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("guardians by students: %w", err)
	}
	return ids, nil
}

// StudentIDsByGuardian returns the students linked to a guardian.
func (r *GuardianRepository) StudentIDsByGuardian(ctx context.Context, guardianID string) ([]string, error) {
	const q = `SELECT student_id FROM student_guardians WHERE guardian_id = $1`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, q, guardianID); err != nil {
		return nil, fmt.Errorf("students by guardian: %w", err)
	}
	return ids, nil
}

// EmailsByGuardianIDs returns guardian emails keyed by id for channel fan-out.
func (r *GuardianRepository) EmailsByGuardianIDs(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}
	q, args, err := sqlx.In(`SELECT id, email FROM guardians WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("guardian emails: %w", err)
	}
	rows := []struct {
		ID    string `db:"id"`
		Email string `db:"email"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("guardian emails: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.ID] = row.Email
	}
	return out, nil
}
