package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/franorzabal-hub/kairos-api/internal/models"
)

// EnrollmentRepository reads student enrollments for audience fan-out.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// ActiveStudentIDsBySections returns the distinct students with an active
// enrollment in any of the given sections for the academic year.
func (r *EnrollmentRepository) ActiveStudentIDsBySections(ctx context.Context, sectionIDs []string, academicYearID string) ([]string, error) {
	if len(sectionIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT DISTINCT student_id FROM enrollments
        WHERE section_id IN (?) AND academic_year_id = ? AND status = ?`,
		sectionIDs, academicYearID, models.EnrollmentStatusActive)
	if err != nil {
		return nil, fmt.Errorf("active students by sections: %w", err)
	}
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("active students by sections: %w", err)
	}
	return ids, nil
}

// ListByStudent returns a student's enrollment history, newest first.
func (r *EnrollmentRepository) ListByStudent(ctx context.Context, studentID string) ([]models.Enrollment, error) {
	const query = `SELECT id, student_id, section_id, academic_year_id, status, joined_at, left_at
        FROM enrollments WHERE student_id = $1 ORDER BY joined_at DESC`
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, studentID); err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	return enrollments, nil
}
