package models

import "time"

// Guardian is an independent identity keyed by email; it may link to zero or
// one platform user account. Created lazily on invitation acceptance or
// explicitly by staff.
type Guardian struct {
	ID            string    `db:"id" json:"id"`
	InstitutionID *string   `db:"institution_id" json:"institution_id,omitempty"`
	UserID        *string   `db:"user_id" json:"user_id,omitempty"`
	Email         string    `db:"email" json:"email"`
	FirstName     string    `db:"first_name" json:"first_name"`
	LastName      string    `db:"last_name" json:"last_name"`
	Phone         string    `db:"phone" json:"phone"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// GuardianRelation enumerates the student-guardian relation types.
type GuardianRelation string

const (
	RelationFather      GuardianRelation = "FATHER"
	RelationMother      GuardianRelation = "MOTHER"
	RelationGuardian    GuardianRelation = "GUARDIAN"
	RelationGrandparent GuardianRelation = "GRANDPARENT"
	RelationOther       GuardianRelation = "OTHER"
)

// StudentGuardian is the many-to-many join between students and guardians.
// At most one row per student may carry IsPrimary; the repository clears the
// previous holder when a new primary is written.
type StudentGuardian struct {
	ID                      string           `db:"id" json:"id"`
	StudentID               string           `db:"student_id" json:"student_id"`
	GuardianID              string           `db:"guardian_id" json:"guardian_id"`
	Relation                GuardianRelation `db:"relation" json:"relation"`
	IsPrimary               bool             `db:"is_primary" json:"is_primary"`
	CanPickup               bool             `db:"can_pickup" json:"can_pickup"`
	ReceivesCommunications  bool             `db:"receives_communications" json:"receives_communications"`
	CreatedAt               time.Time        `db:"created_at" json:"created_at"`
}
