package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/internal/query"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
	"github.com/franorzabal-hub/kairos-api/pkg/mail"
)

type messageRepository interface {
	Create(ctx context.Context, msg *models.Message) error
	FindByID(ctx context.Context, id string) (*models.Message, error)
	List(ctx context.Context, filter models.MessageFilter) ([]models.Message, int, error)
	MarkSent(ctx context.Context, id string, totalRecipients int, sentAt time.Time) error
	UpdateStatus(ctx context.Context, id string, status models.MessageStatus) error
	CreateRecipients(ctx context.Context, recipients []models.MessageRecipient) error
	Recipients(ctx context.Context, messageID string, access query.Expr) ([]models.RecipientDetail, error)
	MarkRead(ctx context.Context, recipientID, guardianID string) (bool, error)
	UpdateChannelStatus(ctx context.Context, recipientID string, channel models.DeliveryChannel, status models.ChannelStatus, errMsg *string) error
	RefreshDeliveryCounts(ctx context.Context, messageID string) error
}

type audienceResolver interface {
	Resolve(ctx context.Context, institutionID string, sel models.AudienceSelector, includeStudents, respectPreferences bool) (*models.AudienceResolution, error)
	ValidateSendPermission(ctx context.Context, viewer Viewer, sel models.AudienceSelector) error
}

type guardianEmailReader interface {
	EmailsByGuardianIDs(ctx context.Context, ids []string) (map[string]string, error)
	FindByUserID(ctx context.Context, userID string) (*models.Guardian, error)
}

type recipientDecider interface {
	RecipientFilter(ctx context.Context, viewer Viewer) Decision
}

// CreateMessageRequest describes message creation.
type CreateMessageRequest struct {
	Subject     string           `json:"subject" validate:"required"`
	Body        string           `json:"body" validate:"required"`
	ScopeType   models.ScopeType `json:"scope_type" validate:"required"`
	CampusID    *string          `json:"campus_id"`
	GradeID     *string          `json:"grade_id"`
	SectionID   *string          `json:"section_id"`
	Priority    string           `json:"priority"`
	SendEmail   bool             `json:"send_email"`
	SendSMS     bool             `json:"send_sms"`
	SendPush    bool             `json:"send_push"`
	SendInApp   bool             `json:"send_in_app"`
	ScheduledAt *time.Time       `json:"scheduled_at"`
}

// MessageService orchestrates communication drafting, fan-out and delivery
// tracking.
type MessageService struct {
	messages  messageRepository
	audience  audienceResolver
	guardians guardianEmailReader
	perms     recipientDecider
	mailer    mail.Sender
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewMessageService constructs MessageService.
func NewMessageService(messages messageRepository, audience audienceResolver, guardians guardianEmailReader, perms recipientDecider, mailer mail.Sender, validate *validator.Validate, logger *zap.Logger) *MessageService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if mailer == nil {
		mailer = mail.NopSender{}
	}
	return &MessageService{
		messages:  messages,
		audience:  audience,
		guardians: guardians,
		perms:     perms,
		mailer:    mailer,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// validateScope checks that the scope value matching the scope type is set.
func validateScope(scopeType models.ScopeType, campusID, gradeID, sectionID *string) error {
	switch scopeType {
	case models.ScopeInstitution:
		return nil
	case models.ScopeCampus:
		if campusID == nil || *campusID == "" {
			return appErrors.Clone(appErrors.ErrValidation, "campus_id is required for CAMPUS scope")
		}
		return nil
	case models.ScopeGrade:
		if gradeID == nil || *gradeID == "" {
			return appErrors.Clone(appErrors.ErrValidation, "grade_id is required for GRADE scope")
		}
		return nil
	case models.ScopeSection:
		if sectionID == nil || *sectionID == "" {
			return appErrors.Clone(appErrors.ErrValidation, "section_id is required for SECTION scope")
		}
		return nil
	case models.ScopeGroup, models.ScopeIndividual:
		return nil
	}
	return appErrors.Clonef(appErrors.ErrValidation, "unknown scope type %q", scopeType)
}

func selectorForScope(scopeType models.ScopeType, campusID, gradeID, sectionID *string) models.AudienceSelector {
	sel := models.AudienceSelector{}
	switch scopeType {
	case models.ScopeInstitution:
		sel.Type = models.AudienceAllSchool
	case models.ScopeCampus:
		sel.Type = models.AudienceCampus
		if campusID != nil {
			sel.CampusID = *campusID
		}
	case models.ScopeGrade:
		sel.Type = models.AudienceGrade
		if gradeID != nil {
			sel.GradeID = *gradeID
		}
	case models.ScopeSection:
		sel.Type = models.AudienceSection
		if sectionID != nil {
			sel.SectionID = *sectionID
		}
	default:
		sel.Type = models.AudienceCustom
	}
	return sel
}

// Create stores a message draft after validating scope fields and that the
// sender may target the audience. Scheduled messages must be future-dated.
func (s *MessageService) Create(ctx context.Context, viewer Viewer, req CreateMessageRequest) (*models.Message, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid message payload")
	}
	if err := validateScope(req.ScopeType, req.CampusID, req.GradeID, req.SectionID); err != nil {
		return nil, err
	}
	if req.ScheduledAt != nil && !req.ScheduledAt.After(s.now()) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "scheduled_at must be in the future")
	}

	sel := selectorForScope(req.ScopeType, req.CampusID, req.GradeID, req.SectionID)
	if err := s.audience.ValidateSendPermission(ctx, viewer, sel); err != nil {
		return nil, err
	}

	status := models.MessageStatusDraft
	if req.ScheduledAt != nil {
		status = models.MessageStatusScheduled
	}
	priority := req.Priority
	if priority == "" {
		priority = "NORMAL"
	}
	msg := &models.Message{
		InstitutionID: viewer.InstitutionID,
		SenderID:      viewer.UserID,
		Subject:       req.Subject,
		Body:          req.Body,
		ScopeType:     req.ScopeType,
		CampusID:      req.CampusID,
		GradeID:       req.GradeID,
		SectionID:     req.SectionID,
		Status:        status,
		Priority:      priority,
		SendEmail:     req.SendEmail,
		SendSMS:       req.SendSMS,
		SendPush:      req.SendPush,
		SendInApp:     req.SendInApp,
		ScheduledAt:   req.ScheduledAt,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create message")
	}
	return msg, nil
}

// Send resolves the audience and fans the message out, one recipient row per
// guardian. The email channel is dispatched inline; other channels stay
// Pending for their own dispatchers.
func (s *MessageService) Send(ctx context.Context, viewer Viewer, messageID string) (*models.Message, error) {
	msg, err := s.messages.FindByID(ctx, messageID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "message not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load message")
	}
	if msg.Status == models.MessageStatusSent {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "message already sent")
	}
	if msg.Status == models.MessageStatusCancelled {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "message is cancelled")
	}

	sel := selectorForScope(msg.ScopeType, msg.CampusID, msg.GradeID, msg.SectionID)
	if err := s.audience.ValidateSendPermission(ctx, viewer, sel); err != nil {
		return nil, err
	}

	resolution, err := s.audience.Resolve(ctx, msg.InstitutionID, sel, false, true)
	if err != nil {
		return nil, err
	}

	pendingOr := func(enabled bool) models.ChannelStatus {
		if enabled {
			return models.ChannelPending
		}
		return ""
	}
	recipients := make([]models.MessageRecipient, 0, len(resolution.Guardians))
	for _, guardianID := range resolution.Guardians {
		recipients = append(recipients, models.MessageRecipient{
			MessageID:   msg.ID,
			GuardianID:  guardianID,
			EmailStatus: pendingOr(msg.SendEmail),
			SMSStatus:   pendingOr(msg.SendSMS),
			PushStatus:  pendingOr(msg.SendPush),
			InAppStatus: pendingOr(msg.SendInApp),
		})
	}
	if err := s.messages.CreateRecipients(ctx, recipients); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create recipients")
	}

	sentAt := s.now()
	if err := s.messages.MarkSent(ctx, msg.ID, len(recipients), sentAt); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark message sent")
	}
	msg.Status = models.MessageStatusSent
	msg.SentAt = &sentAt
	msg.TotalRecipients = len(recipients)

	if msg.SendEmail {
		s.dispatchEmails(ctx, msg, recipients)
	}
	return msg, nil
}

func (s *MessageService) dispatchEmails(ctx context.Context, msg *models.Message, recipients []models.MessageRecipient) {
	guardianIDs := make([]string, len(recipients))
	for i, r := range recipients {
		guardianIDs[i] = r.GuardianID
	}
	emails, err := s.guardians.EmailsByGuardianIDs(ctx, guardianIDs)
	if err != nil {
		s.logger.Error("failed to load guardian emails", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}

	for _, r := range recipients {
		addr, ok := emails[r.GuardianID]
		if !ok || addr == "" {
			reason := "no email on file"
			s.updateChannel(ctx, r.ID, models.ChannelFailed, &reason)
			continue
		}
		err := s.mailer.Send(mail.Message{
			To:       []string{addr},
			Subject:  msg.Subject,
			TextBody: msg.Body,
		})
		if err != nil {
			reason := err.Error()
			s.updateChannel(ctx, r.ID, models.ChannelFailed, &reason)
			continue
		}
		s.updateChannel(ctx, r.ID, models.ChannelSent, nil)
	}

	if err := s.messages.RefreshDeliveryCounts(ctx, msg.ID); err != nil {
		s.logger.Warn("failed to refresh delivery counts", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (s *MessageService) updateChannel(ctx context.Context, recipientID string, status models.ChannelStatus, errMsg *string) {
	if err := s.messages.UpdateChannelStatus(ctx, recipientID, models.ChannelEmail, status, errMsg); err != nil {
		s.logger.Warn("failed to update channel status", zap.String("recipient_id", recipientID), zap.Error(err))
	}
}

// Get returns a message by id.
func (s *MessageService) Get(ctx context.Context, id string) (*models.Message, error) {
	msg, err := s.messages.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "message not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load message")
	}
	return msg, nil
}

// List returns messages for an institution with pagination metadata.
func (s *MessageService) List(ctx context.Context, filter models.MessageFilter) ([]models.Message, *models.Pagination, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}
	messages, total, err := s.messages.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list messages")
	}
	pagination := &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}
	return messages, pagination, nil
}

// Recipients lists a message's recipient rows filtered by the viewer's
// permissions: staff see all, a guardian only their own row.
func (s *MessageService) Recipients(ctx context.Context, viewer Viewer, messageID string) ([]models.RecipientDetail, error) {
	if _, err := s.Get(ctx, messageID); err != nil {
		return nil, err
	}
	decision := s.perms.RecipientFilter(ctx, viewer)
	if !decision.Allowed() {
		return nil, decision.Err()
	}
	details, err := s.messages.Recipients(ctx, messageID, decision.Filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list recipients")
	}
	return details, nil
}

// MarkRead flags the viewer's own recipient row as read. The update is bound
// to the viewer's guardian id, so a foreign row surfaces as not found.
func (s *MessageService) MarkRead(ctx context.Context, viewer Viewer, recipientID string) error {
	guardian, err := s.guardians.FindByUserID(ctx, viewer.UserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrForbidden, "no guardian record for user")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load guardian")
	}
	ok, err := s.messages.MarkRead(ctx, recipientID, guardian.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark recipient read")
	}
	if !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "recipient row not found")
	}
	return nil
}

// UpdateChannelStatus records a delivery callback for a recipient channel.
func (s *MessageService) UpdateChannelStatus(ctx context.Context, recipientID string, channel models.DeliveryChannel, status models.ChannelStatus, errMsg *string, messageID string) error {
	if err := s.messages.UpdateChannelStatus(ctx, recipientID, channel, status, errMsg); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update channel status")
	}
	if messageID != "" {
		if err := s.messages.RefreshDeliveryCounts(ctx, messageID); err != nil {
			s.logger.Warn("failed to refresh delivery counts", zap.String("message_id", messageID), zap.Error(err))
		}
	}
	return nil
}
