package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/franorzabal-hub/kairos-api/internal/models"
)

// HierarchyRepository reads the campus / school unit / grade / section tree
// and the academic-year calendar. It is a read-only view; structural writes
// happen through tenant provisioning, not this API.
type HierarchyRepository struct {
	db *sqlx.DB
}

// NewHierarchyRepository constructs the repository.
func NewHierarchyRepository(db *sqlx.DB) *HierarchyRepository {
	return &HierarchyRepository{db: db}
}

// CurrentAcademicYear returns the year flagged current for the institution.
func (r *HierarchyRepository) CurrentAcademicYear(ctx context.Context, institutionID string) (*models.AcademicYear, error) {
	const query = `SELECT id, institution_id, name, start_date, end_date, is_current
        FROM academic_years WHERE institution_id = $1 AND is_current = TRUE LIMIT 1`
	var year models.AcademicYear
	if err := r.db.GetContext(ctx, &year, query, institutionID); err != nil {
		return nil, err
	}
	return &year, nil
}

// SchoolUnitIDsByCampus returns active school units within a campus.
func (r *HierarchyRepository) SchoolUnitIDsByCampus(ctx context.Context, campusID string) ([]string, error) {
	const query = `SELECT id FROM school_units WHERE campus_id = $1 AND active = TRUE`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, campusID); err != nil {
		return nil, fmt.Errorf("school units by campus: %w", err)
	}
	return ids, nil
}

// GradeIDsBySchoolUnits returns active grades within the given school units.
func (r *HierarchyRepository) GradeIDsBySchoolUnits(ctx context.Context, schoolUnitIDs []string) ([]string, error) {
	if len(schoolUnitIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id FROM grades WHERE school_unit_id IN (?) AND active = TRUE`, schoolUnitIDs)
	if err != nil {
		return nil, fmt.Errorf("grades by school units: %w", err)
	}
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("grades by school units: %w", err)
	}
	return ids, nil
}

// SectionIDs returns section ids matching the query.
func (r *HierarchyRepository) SectionIDs(ctx context.Context, q models.SectionQuery) ([]string, error) {
	base := `SELECT s.id FROM sections s
        JOIN grades g ON g.id = s.grade_id
        JOIN school_units su ON su.id = g.school_unit_id
        JOIN campuses c ON c.id = su.campus_id
        WHERE s.academic_year_id = ?`
	args := []interface{}{q.AcademicYearID}

	if len(q.GradeIDs) > 0 {
		base += ` AND s.grade_id IN (?)`
		args = append(args, q.GradeIDs)
	}
	if q.Shift != "" && q.Shift != "ALL" {
		base += ` AND s.shift = ?`
		args = append(args, q.Shift)
	}

	query, expanded, err := sqlx.In(base, args...)
	if err != nil {
		return nil, fmt.Errorf("sections: %w", err)
	}
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, r.db.Rebind(query), expanded...); err != nil {
		return nil, fmt.Errorf("sections: %w", err)
	}
	return ids, nil
}

// SectionExists checks whether a section id is present.
func (r *HierarchyRepository) SectionExists(ctx context.Context, id string) (bool, error) {
	const query = `SELECT 1 FROM sections WHERE id = $1 LIMIT 1`
	var one int
	if err := r.db.GetContext(ctx, &one, query, id); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check section: %w", err)
	}
	return true, nil
}

// SchoolUnitForGrade returns the school unit owning a grade.
func (r *HierarchyRepository) SchoolUnitForGrade(ctx context.Context, gradeID string) (string, error) {
	const query = `SELECT school_unit_id FROM grades WHERE id = $1`
	var id string
	if err := r.db.GetContext(ctx, &id, query, gradeID); err != nil {
		return "", err
	}
	return id, nil
}

// GradeForSection returns the grade owning a section.
func (r *HierarchyRepository) GradeForSection(ctx context.Context, sectionID string) (string, error) {
	const query = `SELECT grade_id FROM sections WHERE id = $1`
	var id string
	if err := r.db.GetContext(ctx, &id, query, sectionID); err != nil {
		return "", err
	}
	return id, nil
}

// SchoolUnitIDsForStaff returns school units where the staff member is
// director, vice director or coordinator.
func (r *HierarchyRepository) SchoolUnitIDsForStaff(ctx context.Context, staffID string) ([]string, error) {
	const query = `SELECT id FROM school_units
        WHERE director_id = $1 OR vice_director_id = $1 OR coordinator_id = $1`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, staffID); err != nil {
		return nil, fmt.Errorf("school units for staff: %w", err)
	}
	return ids, nil
}

// CascadeSchoolUnits lists selector options for school units in a campus.
func (r *HierarchyRepository) CascadeSchoolUnits(ctx context.Context, campusID string) ([]models.CascadeOption, error) {
	const query = `SELECT id, name FROM school_units WHERE campus_id = $1 AND active = TRUE ORDER BY name`
	var options []models.CascadeOption
	if err := r.db.SelectContext(ctx, &options, query, campusID); err != nil {
		return nil, fmt.Errorf("cascade school units: %w", err)
	}
	return options, nil
}

// CascadeGrades lists selector options for grades in a school unit.
func (r *HierarchyRepository) CascadeGrades(ctx context.Context, schoolUnitID string) ([]models.CascadeOption, error) {
	const query = `SELECT id, name FROM grades WHERE school_unit_id = $1 AND active = TRUE ORDER BY sequence`
	var options []models.CascadeOption
	if err := r.db.SelectContext(ctx, &options, query, schoolUnitID); err != nil {
		return nil, fmt.Errorf("cascade grades: %w", err)
	}
	return options, nil
}

// CascadeSections lists selector options for sections in a grade, scoped to
// the academic year when provided.
func (r *HierarchyRepository) CascadeSections(ctx context.Context, gradeID, academicYearID string) ([]models.CascadeOption, error) {
	query := `SELECT id, name FROM sections WHERE grade_id = $1`
	args := []interface{}{gradeID}
	if academicYearID != "" {
		query += ` AND academic_year_id = $2`
		args = append(args, academicYearID)
	}
	query += ` ORDER BY name`

	var options []models.CascadeOption
	if err := r.db.SelectContext(ctx, &options, query, args...); err != nil {
		return nil, fmt.Errorf("cascade sections: %w", err)
	}
	return options, nil
}
