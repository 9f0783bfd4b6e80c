package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/franorzabal-hub/kairos-api/internal/models"
)

// InviteRepository persists guardian invitations and their target students.
type InviteRepository struct {
	db *sqlx.DB
}

// NewInviteRepository constructs the repository.
func NewInviteRepository(db *sqlx.DB) *InviteRepository {
	return &InviteRepository{db: db}
}

const inviteColumns = `id, token, institution_id, email, expires_at, used, used_at, guardian_id, created_by, created_at`

// Create inserts an invitation and its target-student rows in one
// transaction. The student names are denormalized at creation time so the
// invite preview survives later roster changes.
func (r *InviteRepository) Create(ctx context.Context, invite *models.GuardianInvite, students []models.InviteStudent) error {
	if invite.ID == "" {
		invite.ID = uuid.NewString()
	}
	invite.CreatedAt = time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const insertInvite = `INSERT INTO guardian_invites
        (id, token, institution_id, email, expires_at, used, used_at, guardian_id, created_by, created_at)
        VALUES (:id, :token, :institution_id, :email, :expires_at, :used, :used_at, :guardian_id, :created_by, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insertInvite, invite); err != nil {
		return fmt.Errorf("insert invite: %w", err)
	}

	const insertStudent = `INSERT INTO invite_students (id, invite_id, student_id, student_name)
        VALUES ($1, $2, $3, $4)`
	for i := range students {
		students[i].InviteID = invite.ID
		if students[i].ID == "" {
			students[i].ID = uuid.NewString()
		}
		s := students[i]
		if _, err := tx.ExecContext(ctx, insertStudent, s.ID, s.InviteID, s.StudentID, s.StudentName); err != nil {
			return fmt.Errorf("insert invite student: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// FindByToken returns the invitation holding the opaque token.
func (r *InviteRepository) FindByToken(ctx context.Context, token string) (*models.GuardianInvite, error) {
	q := fmt.Sprintf(`SELECT %s FROM guardian_invites WHERE token = $1`, inviteColumns)
	var invite models.GuardianInvite
	if err := r.db.GetContext(ctx, &invite, q, token); err != nil {
		return nil, err
	}
	return &invite, nil
}

// FindByID returns an invitation by id.
func (r *InviteRepository) FindByID(ctx context.Context, id string) (*models.GuardianInvite, error) {
	q := fmt.Sprintf(`SELECT %s FROM guardian_invites WHERE id = $1`, inviteColumns)
	var invite models.GuardianInvite
	if err := r.db.GetContext(ctx, &invite, q, id); err != nil {
		return nil, err
	}
	return &invite, nil
}

// StudentsForInvite returns the target students fixed on the invitation.
func (r *InviteRepository) StudentsForInvite(ctx context.Context, inviteID string) ([]models.InviteStudent, error) {
	const q = `SELECT id, invite_id, student_id, student_name
        FROM invite_students WHERE invite_id = $1 ORDER BY student_name`
	var students []models.InviteStudent
	if err := r.db.SelectContext(ctx, &students, q, inviteID); err != nil {
		return nil, fmt.Errorf("list invite students: %w", err)
	}
	return students, nil
}

// MarkUsed consumes the invitation. The conditional predicate closes the
// race between two concurrent accepts of the same token: only the caller
// that flips used wins, everyone else sees zero rows affected.
func (r *InviteRepository) MarkUsed(ctx context.Context, id, guardianID string, now time.Time) (bool, error) {
	const q = `UPDATE guardian_invites
        SET used = TRUE, used_at = $2, guardian_id = $3
        WHERE id = $1 AND used = FALSE AND expires_at > $2`
	res, err := r.db.ExecContext(ctx, q, id, now, guardianID)
	if err != nil {
		return false, fmt.Errorf("mark invite used: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark invite used: %w", err)
	}
	return affected == 1, nil
}

// UpdateExpiry moves the expiration instant. Revocation sets it to now;
// resend extends it into the future.
func (r *InviteRepository) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	const q = `UPDATE guardian_invites SET expires_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, expiresAt); err != nil {
		return fmt.Errorf("update invite expiry: %w", err)
	}
	return nil
}

// List returns invitations for an institution, optionally filtered by the
// derived status, newest first.
func (r *InviteRepository) List(ctx context.Context, filter models.InviteFilter) ([]models.GuardianInvite, int, error) {
	where := `institution_id = $1`
	args := []interface{}{filter.InstitutionID}

	switch filter.Status {
	case models.InviteStatusUsed:
		where += ` AND used = TRUE`
	case models.InviteStatusExpired:
		args = append(args, time.Now().UTC())
		where += fmt.Sprintf(` AND used = FALSE AND expires_at <= $%d`, len(args))
	case models.InviteStatusPending:
		args = append(args, time.Now().UTC())
		where += fmt.Sprintf(` AND used = FALSE AND expires_at > $%d`, len(args))
	}

	var total int
	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM guardian_invites WHERE %s`, where)
	if err := r.db.GetContext(ctx, &total, countQ, args...); err != nil {
		return nil, 0, fmt.Errorf("count invites: %w", err)
	}

	offset := (filter.Page - 1) * filter.PageSize
	listQ := fmt.Sprintf(`SELECT %s FROM guardian_invites WHERE %s
        ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, inviteColumns, where, len(args)+1, len(args)+2)
	args = append(args, filter.PageSize, offset)

	var invites []models.GuardianInvite
	if err := r.db.SelectContext(ctx, &invites, listQ, args...); err != nil {
		return nil, 0, fmt.Errorf("list invites: %w", err)
	}
	return invites, total, nil
}
