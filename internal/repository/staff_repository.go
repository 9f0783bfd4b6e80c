package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/franorzabal-hub/kairos-api/internal/models"
)

// StaffRepository reads staff records and their section assignments.
type StaffRepository struct {
	db *sqlx.DB
}

// NewStaffRepository constructs the repository.
func NewStaffRepository(db *sqlx.DB) *StaffRepository {
	return &StaffRepository{db: db}
}

// FindByUserID returns the staff record linked to a user account.
func (r *StaffRepository) FindByUserID(ctx context.Context, userID string) (*models.Staff, error) {
	const q = `SELECT id, institution_id, user_id, first_name, last_name, email, active, created_at
        FROM staff WHERE user_id = $1`
	var staff models.Staff
	if err := r.db.GetContext(ctx, &staff, q, userID); err != nil {
		return nil, err
	}
	return &staff, nil
}

// SectionIDsForStaff returns sections actively assigned to the staff member.
// When academicYearID is non-empty the assignments are scoped to that year.
func (r *StaffRepository) SectionIDsForStaff(ctx context.Context, staffID, academicYearID string) ([]string, error) {
	q := `SELECT section_id FROM staff_section_assignments WHERE staff_id = $1 AND active = TRUE`
	args := []interface{}{staffID}
	if academicYearID != "" {
		q += ` AND academic_year_id = $2`
		args = append(args, academicYearID)
	}
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, q, args...); err != nil {
		return nil, fmt.Errorf("sections for staff: %w", err)
	}
	return ids, nil
}
