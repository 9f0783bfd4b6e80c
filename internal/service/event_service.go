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
)

type eventRepository interface {
	Create(ctx context.Context, ev *models.Event) error
	FindByID(ctx context.Context, id string) (*models.Event, error)
	UpdateStatus(ctx context.Context, id string, status models.EventStatus) error
	List(ctx context.Context, filter models.EventFilter, access query.Expr) ([]models.Event, int, error)
	FindRSVP(ctx context.Context, eventID, guardianID string) (*models.EventRSVP, error)
	CreateRSVP(ctx context.Context, rsvp *models.EventRSVP) error
	ConfirmedCount(ctx context.Context, eventID string) (int, error)
	MaxWaitlistPosition(ctx context.Context, eventID string) (int, error)
	NextWaitlisted(ctx context.Context, eventID string) (*models.EventRSVP, error)
	UpdateRSVPStatus(ctx context.Context, id string, status models.RSVPStatus, promoted bool) error
	ReopenRSVP(ctx context.Context, id string, status models.RSVPStatus, position, numberOfGuests int) error
	ListRSVPs(ctx context.Context, eventID string) ([]models.EventRSVP, error)
}

type contentDecider interface {
	ContentFilter(ctx context.Context, viewer Viewer) Decision
	RSVPAccess(ctx context.Context, viewer Viewer) Decision
}

type rsvpGuardianReader interface {
	FindByUserID(ctx context.Context, userID string) (*models.Guardian, error)
}

// CreateEventRequest describes event creation.
type CreateEventRequest struct {
	Title        string           `json:"title" validate:"required"`
	Description  string           `json:"description"`
	ScopeType    models.ScopeType `json:"scope_type" validate:"required"`
	CampusID     *string          `json:"campus_id"`
	GradeID      *string          `json:"grade_id"`
	SectionID    *string          `json:"section_id"`
	StartsAt     time.Time        `json:"starts_at" validate:"required"`
	EndsAt       *time.Time       `json:"ends_at"`
	Capacity     int              `json:"capacity" validate:"omitempty,min=0"`
	RSVPDeadline *time.Time       `json:"rsvp_deadline"`
}

// RSVPRequest describes a guardian's event response.
type RSVPRequest struct {
	StudentID      *string `json:"student_id"`
	NumberOfGuests int     `json:"number_of_guests" validate:"omitempty,min=0,max=10"`
}

// EventService owns events, RSVPs and the FIFO waitlist.
type EventService struct {
	events    eventRepository
	perms     contentDecider
	guardians rsvpGuardianReader
	audience  audienceResolver
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewEventService constructs EventService.
func NewEventService(events eventRepository, perms contentDecider, guardians rsvpGuardianReader, audience audienceResolver, validate *validator.Validate, logger *zap.Logger) *EventService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventService{
		events:    events,
		perms:     perms,
		guardians: guardians,
		audience:  audience,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a draft event after validating scope and send permission.
func (s *EventService) Create(ctx context.Context, viewer Viewer, req CreateEventRequest) (*models.Event, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid event payload")
	}
	if err := validateScope(req.ScopeType, req.CampusID, req.GradeID, req.SectionID); err != nil {
		return nil, err
	}
	if req.EndsAt != nil && !req.EndsAt.After(req.StartsAt) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "ends_at must be after starts_at")
	}

	sel := selectorForScope(req.ScopeType, req.CampusID, req.GradeID, req.SectionID)
	if err := s.audience.ValidateSendPermission(ctx, viewer, sel); err != nil {
		return nil, err
	}

	ev := &models.Event{
		InstitutionID: viewer.InstitutionID,
		OrganizerID:   viewer.UserID,
		Title:         req.Title,
		Description:   req.Description,
		ScopeType:     req.ScopeType,
		CampusID:      req.CampusID,
		GradeID:       req.GradeID,
		SectionID:     req.SectionID,
		Status:        models.EventStatusDraft,
		StartsAt:      req.StartsAt,
		EndsAt:        req.EndsAt,
		Capacity:      req.Capacity,
		RSVPDeadline:  req.RSVPDeadline,
	}
	if err := s.events.Create(ctx, ev); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create event")
	}
	return ev, nil
}

// Publish makes a draft event visible to its audience.
func (s *EventService) Publish(ctx context.Context, id string) (*models.Event, error) {
	ev, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.Status != models.EventStatusDraft {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "only draft events can be published")
	}
	if err := s.events.UpdateStatus(ctx, id, models.EventStatusPublished); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to publish event")
	}
	ev.Status = models.EventStatusPublished
	return ev, nil
}

func (s *EventService) get(ctx context.Context, id string) (*models.Event, error) {
	ev, err := s.events.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "event not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load event")
	}
	return ev, nil
}

// List returns events visible to the viewer.
func (s *EventService) List(ctx context.Context, viewer Viewer, filter models.EventFilter) ([]models.Event, *models.Pagination, error) {
	decision := s.perms.ContentFilter(ctx, viewer)
	if !decision.Allowed() {
		return nil, nil, decision.Err()
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}
	events, total, err := s.events.List(ctx, filter, decision.Filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list events")
	}
	pagination := &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}
	return events, pagination, nil
}

// RSVP records a guardian's response. Confirmed while capacity allows,
// waitlisted at the tail afterwards. One response per guardian per event.
func (s *EventService) RSVP(ctx context.Context, viewer Viewer, eventID string, req RSVPRequest) (*models.EventRSVP, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid rsvp payload")
	}
	decision := s.perms.RSVPAccess(ctx, viewer)
	if !decision.Allowed() {
		return nil, decision.Err()
	}

	ev, err := s.get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status != models.EventStatusPublished {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "event is not open for responses")
	}
	now := s.now()
	if ev.RSVPDeadline != nil && now.After(*ev.RSVPDeadline) {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "rsvp deadline has passed")
	}

	guardian, err := s.guardians.FindByUserID(ctx, viewer.UserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "no guardian record for user")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load guardian")
	}

	existing, err := s.events.FindRSVP(ctx, eventID, guardian.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check rsvp")
	}
	if existing != nil && existing.Status != models.RSVPCancelled {
		return nil, appErrors.Clone(appErrors.ErrConflict, "you have already responded to this event")
	}

	status := models.RSVPConfirmed
	position := 0
	seats := 1 + req.NumberOfGuests
	if ev.Capacity > 0 {
		confirmed, err := s.events.ConfirmedCount(ctx, eventID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count confirmations")
		}
		if confirmed+seats > ev.Capacity {
			status = models.RSVPWaitlisted
			max, err := s.events.MaxWaitlistPosition(ctx, eventID)
			if err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read waitlist")
			}
			position = max + 1
		}
	}

	if existing != nil {
		// Re-responding after cancellation reuses the row at the new position.
		existing.Status = status
		existing.WaitlistPosition = position
		existing.NumberOfGuests = req.NumberOfGuests
		existing.PromotedAt = nil
		if err := s.events.ReopenRSVP(ctx, existing.ID, status, position, req.NumberOfGuests); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update rsvp")
		}
		return existing, nil
	}

	rsvp := &models.EventRSVP{
		EventID:          eventID,
		GuardianID:       guardian.ID,
		StudentID:        req.StudentID,
		Status:           status,
		NumberOfGuests:   req.NumberOfGuests,
		WaitlistPosition: position,
	}
	if err := s.events.CreateRSVP(ctx, rsvp); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create rsvp")
	}
	return rsvp, nil
}

// CancelRSVP cancels the viewer's response. A freed confirmed seat promotes
// the head of the waitlist.
func (s *EventService) CancelRSVP(ctx context.Context, viewer Viewer, eventID string) error {
	guardian, err := s.guardians.FindByUserID(ctx, viewer.UserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrForbidden, "no guardian record for user")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load guardian")
	}

	rsvp, err := s.events.FindRSVP(ctx, eventID, guardian.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load rsvp")
	}
	if rsvp == nil {
		return appErrors.Clone(appErrors.ErrNotFound, "no response found for this event")
	}
	if rsvp.Status == models.RSVPCancelled {
		return appErrors.Clone(appErrors.ErrStateConflict, "response already cancelled")
	}

	wasConfirmed := rsvp.Status == models.RSVPConfirmed
	if err := s.events.UpdateRSVPStatus(ctx, rsvp.ID, models.RSVPCancelled, false); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel rsvp")
	}

	if wasConfirmed {
		s.promoteNext(ctx, eventID)
	}
	return nil
}

func (s *EventService) promoteNext(ctx context.Context, eventID string) {
	next, err := s.events.NextWaitlisted(ctx, eventID)
	if err != nil {
		s.logger.Error("failed to read waitlist head", zap.String("event_id", eventID), zap.Error(err))
		return
	}
	if next == nil {
		return
	}
	if err := s.events.UpdateRSVPStatus(ctx, next.ID, models.RSVPConfirmed, true); err != nil {
		s.logger.Error("failed to promote waitlisted rsvp", zap.String("rsvp_id", next.ID), zap.Error(err))
		return
	}
	s.logger.Info("promoted waitlisted rsvp",
		zap.String("event_id", eventID),
		zap.String("rsvp_id", next.ID),
		zap.Int("position", next.WaitlistPosition))
}

// ListRSVPs returns all responses for an event, for organizers.
func (s *EventService) ListRSVPs(ctx context.Context, eventID string) ([]models.EventRSVP, error) {
	if _, err := s.get(ctx, eventID); err != nil {
		return nil, err
	}
	rsvps, err := s.events.ListRSVPs(ctx, eventID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list rsvps")
	}
	return rsvps, nil
}
