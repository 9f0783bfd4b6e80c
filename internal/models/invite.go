package models

import "time"

// InviteStatus is the derived invitation state. Used takes precedence over
// Expired when both would apply.
type InviteStatus string

const (
	InviteStatusPending InviteStatus = "PENDING"
	InviteStatusUsed    InviteStatus = "USED"
	InviteStatusExpired InviteStatus = "EXPIRED"
)

// GuardianInvite is the ephemeral credential binding an email to a pending
// guardian-student linkage. The token is generated once and never changes;
// revocation forces ExpiresAt into the past.
type GuardianInvite struct {
	ID            string     `db:"id" json:"id"`
	Token         string     `db:"token" json:"-"`
	InstitutionID string     `db:"institution_id" json:"institution_id"`
	Email         string     `db:"email" json:"email"`
	ExpiresAt     time.Time  `db:"expires_at" json:"expires_at"`
	Used          bool       `db:"used" json:"used"`
	UsedAt        *time.Time `db:"used_at" json:"used_at,omitempty"`
	GuardianID    *string    `db:"guardian_id" json:"guardian_id,omitempty"`
	CreatedBy     string     `db:"created_by" json:"created_by"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// StatusAt derives the invitation status at the given instant.
func (i *GuardianInvite) StatusAt(now time.Time) InviteStatus {
	if i.Used {
		return InviteStatusUsed
	}
	if now.After(i.ExpiresAt) {
		return InviteStatusExpired
	}
	return InviteStatusPending
}

// IsValidAt reports whether the invite can still be accepted at the instant.
func (i *GuardianInvite) IsValidAt(now time.Time) bool {
	return i.StatusAt(now) == InviteStatusPending
}

// InviteStudent is one targeted student on an invitation, fixed at creation.
type InviteStudent struct {
	ID          string `db:"id" json:"-"`
	InviteID    string `db:"invite_id" json:"-"`
	StudentID   string `db:"student_id" json:"student_id"`
	StudentName string `db:"student_name" json:"student_name"`
}

// InviteView is the invitation detail returned to clients, with the derived
// status and target students resolved.
type InviteView struct {
	InvitationID    string          `json:"invitation_id"`
	InstitutionID   string          `json:"institution_id"`
	InstitutionName string          `json:"institution_name"`
	Email           string          `json:"email"`
	Token           string          `json:"token,omitempty"`
	Students        []InviteStudent `json:"students"`
	ExpiresAt       time.Time       `json:"expires_at"`
	Status          InviteStatus    `json:"status"`
	IsValid         bool            `json:"is_valid"`
}

// InviteFilter provides filters for listing invitations.
type InviteFilter struct {
	InstitutionID string
	Status        InviteStatus
	Page          int
	PageSize      int
}
