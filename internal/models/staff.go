package models

import "time"

// Staff is an institution employee, optionally linked to a user account.
type Staff struct {
	ID            string    `db:"id" json:"id"`
	InstitutionID string    `db:"institution_id" json:"institution_id"`
	UserID        *string   `db:"user_id" json:"user_id,omitempty"`
	FirstName     string    `db:"first_name" json:"first_name"`
	LastName      string    `db:"last_name" json:"last_name"`
	Email         string    `db:"email" json:"email"`
	Active        bool      `db:"active" json:"active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// StaffSectionAssignment links a staff member to a section for an academic
// year. Teacher visibility and send permissions derive from active rows.
type StaffSectionAssignment struct {
	ID             string    `db:"id" json:"id"`
	StaffID        string    `db:"staff_id" json:"staff_id"`
	SectionID      string    `db:"section_id" json:"section_id"`
	AcademicYearID string    `db:"academic_year_id" json:"academic_year_id"`
	Active         bool      `db:"active" json:"active"`
	AssignedAt     time.Time `db:"assigned_at" json:"assigned_at"`
}
