package models

import "time"

// UserRole represents the available roles for the RBAC system, ordered from
// most to least privileged.
type UserRole string

const (
	RoleSystemManager UserRole = "SYSTEM_MANAGER"
	RoleSchoolAdmin   UserRole = "SCHOOL_ADMIN"
	RoleSchoolManager UserRole = "SCHOOL_MANAGER"
	RoleSecretary     UserRole = "SECRETARY"
	RoleTeacher       UserRole = "TEACHER"
	RoleParent        UserRole = "PARENT"
)

// IsStaff reports whether the role has unrestricted visibility within its tenant.
func (r UserRole) IsStaff() bool {
	switch r {
	case RoleSystemManager, RoleSchoolAdmin, RoleSchoolManager, RoleSecretary:
		return true
	}
	return false
}

// User represents an application user stored in the users table.
type User struct {
	ID            string     `db:"id" json:"id"`
	Email         string     `db:"email" json:"email"`
	PasswordHash  string     `db:"password_hash" json:"-"`
	FirstName     string     `db:"first_name" json:"first_name"`
	LastName      string     `db:"last_name" json:"last_name"`
	Phone         string     `db:"phone" json:"phone"`
	Role          UserRole   `db:"role" json:"role"`
	InstitutionID *string    `db:"institution_id" json:"institution_id,omitempty"`
	Active        bool       `db:"active" json:"active"`
	LastLogin     *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
