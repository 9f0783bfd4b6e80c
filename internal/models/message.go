package models

import "time"

// MessageStatus is the message lifecycle.
type MessageStatus string

const (
	MessageStatusDraft     MessageStatus = "DRAFT"
	MessageStatusScheduled MessageStatus = "SCHEDULED"
	MessageStatusSent      MessageStatus = "SENT"
	MessageStatusCancelled MessageStatus = "CANCELLED"
)

// ScopeType declares which hierarchy level a communication targets.
type ScopeType string

const (
	ScopeInstitution ScopeType = "INSTITUTION"
	ScopeCampus      ScopeType = "CAMPUS"
	ScopeGrade       ScopeType = "GRADE"
	ScopeSection     ScopeType = "SECTION"
	ScopeGroup       ScopeType = "GROUP"
	ScopeIndividual  ScopeType = "INDIVIDUAL"
)

// Message is a staff-to-guardians communication; recipients are fanned out
// per guardian when the message is sent.
type Message struct {
	ID            string        `db:"id" json:"id"`
	InstitutionID string        `db:"institution_id" json:"institution_id"`
	SenderID      string        `db:"sender_id" json:"sender_id"`
	Subject       string        `db:"subject" json:"subject"`
	Body          string        `db:"body" json:"body"`
	ScopeType     ScopeType     `db:"scope_type" json:"scope_type"`
	CampusID      *string       `db:"campus_id" json:"campus_id,omitempty"`
	GradeID       *string       `db:"grade_id" json:"grade_id,omitempty"`
	SectionID     *string       `db:"section_id" json:"section_id,omitempty"`
	Status        MessageStatus `db:"status" json:"status"`
	Priority      string        `db:"priority" json:"priority"`
	SendEmail     bool          `db:"send_email" json:"send_email"`
	SendSMS       bool          `db:"send_sms" json:"send_sms"`
	SendPush      bool          `db:"send_push" json:"send_push"`
	SendInApp     bool          `db:"send_in_app" json:"send_in_app"`
	ScheduledAt   *time.Time    `db:"scheduled_at" json:"scheduled_at,omitempty"`
	SentAt        *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	TotalRecipients int         `db:"total_recipients" json:"total_recipients"`
	DeliveredCount  int         `db:"delivered_count" json:"delivered_count"`
	FailedCount     int         `db:"failed_count" json:"failed_count"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// ChannelStatus tracks one delivery channel on a recipient row. Each channel
// advances independently: Pending, then Sent, then Delivered, Failed or
// Bounced.
type ChannelStatus string

const (
	ChannelPending   ChannelStatus = "PENDING"
	ChannelSent      ChannelStatus = "SENT"
	ChannelDelivered ChannelStatus = "DELIVERED"
	ChannelFailed    ChannelStatus = "FAILED"
	ChannelBounced   ChannelStatus = "BOUNCED"
)

// DeliveryChannel names the supported channels.
type DeliveryChannel string

const (
	ChannelEmail DeliveryChannel = "EMAIL"
	ChannelSMS   DeliveryChannel = "SMS"
	ChannelPush  DeliveryChannel = "PUSH"
	ChannelInApp DeliveryChannel = "IN_APP"
)

// MessageRecipient is one (message, guardian) fan-out row.
type MessageRecipient struct {
	ID          string        `db:"id" json:"id"`
	MessageID   string        `db:"message_id" json:"message_id"`
	GuardianID  string        `db:"guardian_id" json:"guardian_id"`
	StudentID   *string       `db:"student_id" json:"student_id,omitempty"`
	EmailStatus ChannelStatus `db:"email_status" json:"email_status"`
	SMSStatus   ChannelStatus `db:"sms_status" json:"sms_status"`
	PushStatus  ChannelStatus `db:"push_status" json:"push_status"`
	InAppStatus ChannelStatus `db:"in_app_status" json:"in_app_status"`
	EmailSentAt *time.Time    `db:"email_sent_at" json:"email_sent_at,omitempty"`
	EmailError  *string       `db:"email_error" json:"email_error,omitempty"`
	IsRead      bool          `db:"is_read" json:"is_read"`
	ReadAt      *time.Time    `db:"read_at" json:"read_at,omitempty"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
}

// RecipientDetail enriches a recipient row with guardian contact info for
// listings and delivery reports.
type RecipientDetail struct {
	MessageRecipient
	GuardianEmail string `db:"guardian_email" json:"guardian_email"`
	GuardianName  string `db:"guardian_name" json:"guardian_name"`
}

// MessageFilter provides filters for listing messages.
type MessageFilter struct {
	InstitutionID string
	Status        MessageStatus
	ScopeType     ScopeType
	Page          int
	PageSize      int
}
