package models

import "time"

// Student belongs to exactly one institution, campus, grade and section at a
// time; history lives in enrollment records.
type Student struct {
	ID               string    `db:"id" json:"id"`
	InstitutionID    string    `db:"institution_id" json:"institution_id"`
	CampusID         *string   `db:"campus_id" json:"campus_id,omitempty"`
	CurrentGradeID   *string   `db:"current_grade_id" json:"current_grade_id,omitempty"`
	CurrentSectionID *string   `db:"current_section_id" json:"current_section_id,omitempty"`
	FirstName        string    `db:"first_name" json:"first_name"`
	LastName         string    `db:"last_name" json:"last_name"`
	Active           bool      `db:"active" json:"active"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// StudentScope carries a student's current hierarchy position; permission
// filters for parents are derived from these values.
type StudentScope struct {
	StudentID        string  `db:"id"`
	InstitutionID    string  `db:"institution_id"`
	CampusID         *string `db:"campus_id"`
	CurrentGradeID   *string `db:"current_grade_id"`
	CurrentSectionID *string `db:"current_section_id"`
}

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

const (
	EnrollmentStatusActive      EnrollmentStatus = "ACTIVE"
	EnrollmentStatusTransferred EnrollmentStatus = "TRANSFERRED"
	EnrollmentStatusLeft        EnrollmentStatus = "LEFT"
)

// Enrollment captures a student's registration to a section within an
// academic year.
type Enrollment struct {
	ID             string           `db:"id" json:"id"`
	StudentID      string           `db:"student_id" json:"student_id"`
	SectionID      string           `db:"section_id" json:"section_id"`
	AcademicYearID string           `db:"academic_year_id" json:"academic_year_id"`
	Status         EnrollmentStatus `db:"status" json:"status"`
	JoinedAt       time.Time        `db:"joined_at" json:"joined_at"`
	LeftAt         *time.Time       `db:"left_at" json:"left_at,omitempty"`
}
