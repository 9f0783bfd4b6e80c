package models

import "time"

// AcademicYear scopes enrollments and section assignments. Exactly one year
// should be flagged current at a time.
type AcademicYear struct {
	ID            string    `db:"id" json:"id"`
	InstitutionID string    `db:"institution_id" json:"institution_id"`
	Name          string    `db:"name" json:"name"`
	StartDate     time.Time `db:"start_date" json:"start_date"`
	EndDate       time.Time `db:"end_date" json:"end_date"`
	IsCurrent     bool      `db:"is_current" json:"is_current"`
}

// Campus is the top structural level beneath the institution.
type Campus struct {
	ID            string `db:"id" json:"id"`
	InstitutionID string `db:"institution_id" json:"institution_id"`
	Name          string `db:"name" json:"name"`
	Active        bool   `db:"active" json:"active"`
}

// SchoolUnit groups grades within a campus (e.g. primary, secondary). The
// director/vice/coordinator staff links drive school-admin send permissions.
type SchoolUnit struct {
	ID            string  `db:"id" json:"id"`
	CampusID      string  `db:"campus_id" json:"campus_id"`
	Name          string  `db:"name" json:"name"`
	DirectorID    *string `db:"director_id" json:"director_id,omitempty"`
	ViceDirectorID *string `db:"vice_director_id" json:"vice_director_id,omitempty"`
	CoordinatorID *string `db:"coordinator_id" json:"coordinator_id,omitempty"`
	Active        bool    `db:"active" json:"active"`
}

// Grade belongs to exactly one school unit.
type Grade struct {
	ID           string `db:"id" json:"id"`
	SchoolUnitID string `db:"school_unit_id" json:"school_unit_id"`
	Name         string `db:"name" json:"name"`
	Sequence     int    `db:"sequence" json:"sequence"`
	Active       bool   `db:"active" json:"active"`
}

// Section is the leaf of the hierarchy; its grade must belong to the same
// campus lineage.
type Section struct {
	ID             string `db:"id" json:"id"`
	GradeID        string `db:"grade_id" json:"grade_id"`
	AcademicYearID string `db:"academic_year_id" json:"academic_year_id"`
	Name           string `db:"name" json:"name"`
	Shift          string `db:"shift" json:"shift"`
}

// SectionQuery filters the section fan-out step of audience resolution.
// Empty GradeIDs means all sections for the academic year.
type SectionQuery struct {
	GradeIDs       []string
	AcademicYearID string
	Shift          string
}

// CascadeOption is a selector option for the next hierarchy level.
type CascadeOption struct {
	Value string `db:"id" json:"value"`
	Label string `db:"name" json:"label"`
}
