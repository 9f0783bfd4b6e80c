package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/internal/query"
)

// StudentRepository handles student reads. Listing is always constrained by
// the caller-supplied access filter.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs the repository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

const studentColumns = `s.id, s.institution_id, s.campus_id, s.current_grade_id, s.current_section_id,
        s.first_name, s.last_name, s.active, s.created_at, s.updated_at`

// FindByID returns a student by id.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	q := fmt.Sprintf(`SELECT %s FROM students s WHERE s.id = $1`, studentColumns)
	var student models.Student
	if err := r.db.GetContext(ctx, &student, q, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// ExistsInInstitution checks that the student belongs to the institution.
func (r *StudentRepository) ExistsInInstitution(ctx context.Context, studentID, institutionID string) (bool, error) {
	const q = `SELECT 1 FROM students WHERE id = $1 AND institution_id = $2 LIMIT 1`
	var one int
	if err := r.db.GetContext(ctx, &one, q, studentID, institutionID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check student institution: %w", err)
	}
	return true, nil
}

// ScopesByIDs returns the hierarchy positions of the given students.
func (r *StudentRepository) ScopesByIDs(ctx context.Context, ids []string) ([]models.StudentScope, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q, args, err := sqlx.In(`SELECT id, institution_id, campus_id, current_grade_id, current_section_id
        FROM students WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("student scopes: %w", err)
	}
	var scopes []models.StudentScope
	if err := r.db.SelectContext(ctx, &scopes, r.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("student scopes: %w", err)
	}
	return scopes, nil
}

// List returns students visible through the access filter, paginated.
func (r *StudentRepository) List(ctx context.Context, institutionID string, access query.Expr, page, pageSize int) ([]models.Student, int, error) {
	if query.IsDenyAll(access) {
		return nil, 0, nil
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	clause, filterArgs := query.SQL(access, 1)
	args := append([]interface{}{institutionID}, filterArgs...)

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM students s WHERE s.institution_id = $1 AND %s`, clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count students: %w", err)
	}

	listQuery := fmt.Sprintf(`SELECT %s FROM students s WHERE s.institution_id = $1 AND %s
        ORDER BY s.last_name, s.first_name LIMIT %d OFFSET %d`,
		studentColumns, clause, pageSize, (page-1)*pageSize)

	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list students: %w", err)
	}
	return students, total, nil
}
