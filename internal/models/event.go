package models

import "time"

// EventStatus is the event lifecycle.
type EventStatus string

const (
	EventStatusDraft     EventStatus = "DRAFT"
	EventStatusPublished EventStatus = "PUBLISHED"
	EventStatusCancelled EventStatus = "CANCELLED"
)

// Event is a scoped school event with an optional capacity; over-capacity
// RSVPs are waitlisted.
type Event struct {
	ID            string      `db:"id" json:"id"`
	InstitutionID string      `db:"institution_id" json:"institution_id"`
	OrganizerID   string      `db:"organizer_id" json:"organizer_id"`
	Title         string      `db:"title" json:"title"`
	Description   string      `db:"description" json:"description"`
	ScopeType     ScopeType   `db:"scope_type" json:"scope_type"`
	CampusID      *string     `db:"campus_id" json:"campus_id,omitempty"`
	GradeID       *string     `db:"grade_id" json:"grade_id,omitempty"`
	SectionID     *string     `db:"section_id" json:"section_id,omitempty"`
	Status        EventStatus `db:"status" json:"status"`
	StartsAt      time.Time   `db:"starts_at" json:"starts_at"`
	EndsAt        *time.Time  `db:"ends_at" json:"ends_at,omitempty"`
	Capacity      int         `db:"capacity" json:"capacity"`
	RSVPDeadline  *time.Time  `db:"rsvp_deadline" json:"rsvp_deadline,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

// RSVPStatus is the RSVP sub-lifecycle.
type RSVPStatus string

const (
	RSVPConfirmed  RSVPStatus = "CONFIRMED"
	RSVPWaitlisted RSVPStatus = "WAITLISTED"
	RSVPCancelled  RSVPStatus = "CANCELLED"
)

// EventRSVP is one guardian's response to an event. Waitlist ordering is
// FIFO: position assigned at creation, promotion picks the lowest position
// with CreatedAt as tie-break.
type EventRSVP struct {
	ID               string     `db:"id" json:"id"`
	EventID          string     `db:"event_id" json:"event_id"`
	GuardianID       string     `db:"guardian_id" json:"guardian_id"`
	StudentID        *string    `db:"student_id" json:"student_id,omitempty"`
	Status           RSVPStatus `db:"status" json:"status"`
	NumberOfGuests   int        `db:"number_of_guests" json:"number_of_guests"`
	WaitlistPosition int        `db:"waitlist_position" json:"waitlist_position"`
	PromotedAt       *time.Time `db:"promoted_at" json:"promoted_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// EventFilter provides filters for listing events.
type EventFilter struct {
	InstitutionID string
	Status        EventStatus
	From          *time.Time
	Page          int
	PageSize      int
}
