package models

import "time"

// TrialStatus is the lifecycle of a tenant trial.
type TrialStatus string

const (
	TrialStatusActive    TrialStatus = "ACTIVE"
	TrialStatusExpired   TrialStatus = "EXPIRED"
	TrialStatusConverted TrialStatus = "CONVERTED"
)

// Institution is the tenant root. Trial fields are mutated only by the trial
// gate; institutions are never auto-deleted.
type Institution struct {
	ID             string      `db:"id" json:"id"`
	Name           string      `db:"name" json:"name"`
	ContactEmail   string      `db:"contact_email" json:"contact_email"`
	IsTrial        bool        `db:"is_trial" json:"is_trial"`
	TrialStatus    TrialStatus `db:"trial_status" json:"trial_status,omitempty"`
	TrialStartedAt *time.Time  `db:"trial_started_at" json:"trial_started_at,omitempty"`
	TrialExpiresAt *time.Time  `db:"trial_expires_at" json:"trial_expires_at,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
}

// TrialInfo is the computed trial view returned by the trial status endpoint.
type TrialInfo struct {
	InstitutionID   string      `json:"institution_id"`
	InstitutionName string      `json:"institution_name"`
	IsTrial         bool        `json:"is_trial"`
	TrialStatus     TrialStatus `json:"trial_status,omitempty"`
	TrialStartedAt  *time.Time  `json:"trial_started_at,omitempty"`
	TrialExpiresAt  *time.Time  `json:"trial_expires_at,omitempty"`
	DaysRemaining   int         `json:"days_remaining"`
	IsExpired       bool        `json:"is_expired"`
	IsWarningPeriod bool        `json:"is_warning_period"`
}

// TrialAccess summarises the current user's write access under the trial gate.
type TrialAccess struct {
	HasFullAccess bool    `json:"has_full_access"`
	IsTrial       bool    `json:"is_trial"`
	IsExpired     bool    `json:"is_expired"`
	InstitutionID *string `json:"institution_id,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// AuditLog records administrative actions (trial start/extend/convert).
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     string    `db:"user_id" json:"user_id"`
	Action     string    `db:"action" json:"action"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	Detail     string    `db:"detail" json:"detail"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
