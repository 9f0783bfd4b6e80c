package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/pkg/config"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
	"github.com/franorzabal-hub/kairos-api/pkg/mail"
)

type inviteRepository interface {
	Create(ctx context.Context, invite *models.GuardianInvite, students []models.InviteStudent) error
	FindByToken(ctx context.Context, token string) (*models.GuardianInvite, error)
	FindByID(ctx context.Context, id string) (*models.GuardianInvite, error)
	StudentsForInvite(ctx context.Context, inviteID string) ([]models.InviteStudent, error)
	MarkUsed(ctx context.Context, id, guardianID string, now time.Time) (bool, error)
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error
	List(ctx context.Context, filter models.InviteFilter) ([]models.GuardianInvite, int, error)
}

type guardianWriter interface {
	FindByEmail(ctx context.Context, email string) (*models.Guardian, error)
	Create(ctx context.Context, guardian *models.Guardian) error
	LinkExists(ctx context.Context, studentID, guardianID string) (bool, error)
	LinkStudent(ctx context.Context, link *models.StudentGuardian) error
}

type invitingStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
	ExistsInInstitution(ctx context.Context, studentID, institutionID string) (bool, error)
}

type institutionReader interface {
	FindByID(ctx context.Context, id string) (*models.Institution, error)
}

type userReader interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
}

type scopeInvalidator interface {
	InvalidateViewerScope(ctx context.Context, userID string)
}

// CreateInviteRequest describes invitation creation.
type CreateInviteRequest struct {
	InstitutionID  string   `json:"institution_id" validate:"required"`
	Email          string   `json:"email" validate:"required,email"`
	StudentIDs     []string `json:"student_ids" validate:"required,min=1"`
	ExpirationDays int      `json:"expiration_days" validate:"omitempty,min=1,max=90"`
}

// AcceptInviteRequest describes invitation acceptance.
type AcceptInviteRequest struct {
	Token     string `json:"token" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

// AcceptInviteResult reports the linkage outcome per student.
type AcceptInviteResult struct {
	GuardianID     string   `json:"guardian_id"`
	LinkedStudents []string `json:"linked_students"`
	AlreadyLinked  []string `json:"already_linked"`
}

// InvitationService owns the guardian invitation workflow.
type InvitationService struct {
	invites      inviteRepository
	guardians    guardianWriter
	students     invitingStudentReader
	institutions institutionReader
	users        userReader
	scopes       scopeInvalidator
	mailer       mail.Sender
	cfg          config.InvitationsConfig
	validator    *validator.Validate
	logger       *zap.Logger
	now          func() time.Time
}

// NewInvitationService constructs InvitationService.
func NewInvitationService(invites inviteRepository, guardians guardianWriter, students invitingStudentReader, institutions institutionReader, users userReader, scopes scopeInvalidator, mailer mail.Sender, cfg config.InvitationsConfig, validate *validator.Validate, logger *zap.Logger) *InvitationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if mailer == nil {
		mailer = mail.NopSender{}
	}
	if cfg.DefaultExpirationDays <= 0 {
		cfg.DefaultExpirationDays = 7
	}
	if cfg.TokenLength <= 0 {
		cfg.TokenLength = 32
	}
	return &InvitationService{
		invites:      invites,
		guardians:    guardians,
		students:     students,
		institutions: institutions,
		users:        users,
		scopes:       scopes,
		mailer:       mailer,
		cfg:          cfg,
		validator:    validate,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *InvitationService) generateToken() (string, error) {
	buf := make([]byte, s.cfg.TokenLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create issues an invitation binding an email to the given students and
// sends the invite mail best-effort.
func (s *InvitationService) Create(ctx context.Context, actorID string, req CreateInviteRequest) (*models.InviteView, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid invitation payload")
	}

	inst, err := s.institutions.FindByID(ctx, req.InstitutionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "institution not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load institution")
	}

	inviteStudents := make([]models.InviteStudent, 0, len(req.StudentIDs))
	for _, studentID := range req.StudentIDs {
		student, err := s.students.FindByID(ctx, studentID)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clonef(appErrors.ErrNotFound, "student %s not found", studentID)
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
		}
		if student.InstitutionID != req.InstitutionID {
			return nil, appErrors.Clonef(appErrors.ErrValidation, "student %s does not belong to the institution", studentID)
		}
		inviteStudents = append(inviteStudents, models.InviteStudent{
			StudentID:   student.ID,
			StudentName: strings.TrimSpace(student.FirstName + " " + student.LastName),
		})
	}

	token, err := s.generateToken()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate token")
	}

	days := req.ExpirationDays
	if days <= 0 {
		days = s.cfg.DefaultExpirationDays
	}
	now := s.now()
	invite := &models.GuardianInvite{
		Token:         token,
		InstitutionID: req.InstitutionID,
		Email:         strings.ToLower(strings.TrimSpace(req.Email)),
		ExpiresAt:     now.Add(time.Duration(days) * 24 * time.Hour),
		CreatedBy:     actorID,
	}
	if err := s.invites.Create(ctx, invite, inviteStudents); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create invitation")
	}

	s.sendInviteMail(invite, inst.Name, inviteStudents)
	return s.adminView(invite, inst.Name, inviteStudents), nil
}

func (s *InvitationService) sendInviteMail(invite *models.GuardianInvite, institutionName string, students []models.InviteStudent) {
	names := make([]string, len(students))
	for i, st := range students {
		names[i] = st.StudentName
	}
	msg := mail.Message{
		To:      []string{invite.Email},
		Subject: fmt.Sprintf("Invitation from %s", institutionName),
		TextBody: fmt.Sprintf(
			"You have been invited to follow %s at %s. Use the code %s before %s to accept.",
			strings.Join(names, ", "), institutionName, invite.Token, invite.ExpiresAt.Format("2006-01-02")),
	}
	if err := s.mailer.Send(msg); err != nil {
		s.logger.Warn("failed to send invitation mail", zap.String("invite_id", invite.ID), zap.Error(err))
	}
}

func (s *InvitationService) view(invite *models.GuardianInvite, institutionName string, students []models.InviteStudent) *models.InviteView {
	now := s.now()
	return &models.InviteView{
		InvitationID:    invite.ID,
		InstitutionID:   invite.InstitutionID,
		InstitutionName: institutionName,
		Email:           invite.Email,
		Students:        students,
		ExpiresAt:       invite.ExpiresAt,
		Status:          invite.StatusAt(now),
		IsValid:         invite.IsValidAt(now),
	}
}

// adminView is the staff-facing view: it carries the token so the institution
// can hand it out through its own channels when mail delivery is off. The
// public token lookup keeps using the bare view.
func (s *InvitationService) adminView(invite *models.GuardianInvite, institutionName string, students []models.InviteStudent) *models.InviteView {
	v := s.view(invite, institutionName, students)
	v.Token = invite.Token
	return v
}

// Get returns the public invitation view for a token.
func (s *InvitationService) Get(ctx context.Context, token string) (*models.InviteView, error) {
	invite, err := s.invites.FindByToken(ctx, token)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "invitation not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invitation")
	}
	return s.hydrate(ctx, invite)
}

func (s *InvitationService) hydrate(ctx context.Context, invite *models.GuardianInvite) (*models.InviteView, error) {
	students, err := s.invites.StudentsForInvite(ctx, invite.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invite students")
	}
	name := ""
	if inst, err := s.institutions.FindByID(ctx, invite.InstitutionID); err == nil {
		name = inst.Name
	}
	return s.view(invite, name, students), nil
}

// Accept consumes the invitation: find-or-create the guardian by email, link
// every target student idempotently, then mark the token used. The mark-used
// update is conditional; losing the race surfaces as a state conflict.
func (s *InvitationService) Accept(ctx context.Context, req AcceptInviteRequest) (*AcceptInviteResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid acceptance payload")
	}

	invite, err := s.invites.FindByToken(ctx, req.Token)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "invitation not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invitation")
	}

	now := s.now()
	switch invite.StatusAt(now) {
	case models.InviteStatusUsed:
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "invitation already used")
	case models.InviteStatusExpired:
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "invitation has expired")
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email != invite.Email {
		if s.cfg.EnforceEmailMatch {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "email does not match the invitation")
		}
		s.logger.Warn("invitation accepted with different email",
			zap.String("invite_id", invite.ID),
			zap.String("invited", invite.Email),
			zap.String("presented", email))
	}

	guardian, err := s.findOrCreateGuardian(ctx, invite.InstitutionID, email, req)
	if err != nil {
		return nil, err
	}

	students, err := s.invites.StudentsForInvite(ctx, invite.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invite students")
	}

	// LinkedStudents reports every student the guardian ends up linked to,
	// pre-existing links included; AlreadyLinked calls those out separately.
	result := &AcceptInviteResult{GuardianID: guardian.ID}
	created := false
	for _, st := range students {
		exists, err := s.guardians.LinkExists(ctx, st.StudentID, guardian.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check guardian link")
		}
		if exists {
			result.AlreadyLinked = append(result.AlreadyLinked, st.StudentID)
			result.LinkedStudents = append(result.LinkedStudents, st.StudentID)
			continue
		}
		link := &models.StudentGuardian{
			StudentID:              st.StudentID,
			GuardianID:             guardian.ID,
			Relation:               models.RelationGuardian,
			CanPickup:              true,
			ReceivesCommunications: true,
		}
		if err := s.guardians.LinkStudent(ctx, link); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to link student")
		}
		result.LinkedStudents = append(result.LinkedStudents, st.StudentID)
		created = true
	}

	if created && s.scopes != nil && guardian.UserID != nil {
		// New links change what the account may see; drop the cached scope.
		s.scopes.InvalidateViewerScope(ctx, *guardian.UserID)
	}

	won, err := s.invites.MarkUsed(ctx, invite.ID, guardian.ID, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to consume invitation")
	}
	if !won {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "invitation already used")
	}
	return result, nil
}

func (s *InvitationService) findOrCreateGuardian(ctx context.Context, institutionID, email string, req AcceptInviteRequest) (*models.Guardian, error) {
	guardian, err := s.guardians.FindByEmail(ctx, email)
	if err == nil {
		return guardian, nil
	}
	if err != sql.ErrNoRows {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up guardian")
	}

	firstName := req.FirstName
	lastName := req.LastName
	phone := req.Phone
	var userID *string
	// An existing account for the email seeds the guardian profile.
	if user, err := s.users.FindByEmail(ctx, email); err == nil {
		userID = &user.ID
		if firstName == "" {
			firstName = user.FirstName
		}
		if lastName == "" {
			lastName = user.LastName
		}
		if phone == "" {
			phone = user.Phone
		}
	}

	guardian = &models.Guardian{
		InstitutionID: &institutionID,
		UserID:        userID,
		Email:         email,
		FirstName:     firstName,
		LastName:      lastName,
		Phone:         phone,
	}
	if err := s.guardians.Create(ctx, guardian); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create guardian")
	}
	return guardian, nil
}

// Revoke forces a pending invitation to expire immediately. Afterwards it is
// indistinguishable from natural expiry.
func (s *InvitationService) Revoke(ctx context.Context, id string) error {
	invite, err := s.invites.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "invitation not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invitation")
	}

	now := s.now()
	switch invite.StatusAt(now) {
	case models.InviteStatusUsed:
		return appErrors.Clone(appErrors.ErrStateConflict, "invitation already used")
	case models.InviteStatusExpired:
		return appErrors.Clone(appErrors.ErrStateConflict, "invitation already expired")
	}

	if err := s.invites.UpdateExpiry(ctx, id, now); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke invitation")
	}
	return nil
}

// Resend extends a non-used invitation from now and re-sends the mail. The
// token never changes, so an expired invite is resurrected in place.
func (s *InvitationService) Resend(ctx context.Context, id string, days int) (*models.InviteView, error) {
	invite, err := s.invites.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "invitation not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invitation")
	}
	if invite.Used {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "invitation already used")
	}

	if days <= 0 {
		days = s.cfg.DefaultExpirationDays
	}
	expires := s.now().Add(time.Duration(days) * 24 * time.Hour)
	if err := s.invites.UpdateExpiry(ctx, id, expires); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to extend invitation")
	}
	invite.ExpiresAt = expires

	students, err := s.invites.StudentsForInvite(ctx, invite.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invite students")
	}
	name := ""
	if inst, err := s.institutions.FindByID(ctx, invite.InstitutionID); err == nil {
		name = inst.Name
	}
	s.sendInviteMail(invite, name, students)
	return s.adminView(invite, name, students), nil
}

// List returns invitations for an institution with pagination metadata.
func (s *InvitationService) List(ctx context.Context, filter models.InviteFilter) ([]models.InviteView, *models.Pagination, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}

	invites, total, err := s.invites.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list invitations")
	}

	name := ""
	if filter.InstitutionID != "" {
		if inst, err := s.institutions.FindByID(ctx, filter.InstitutionID); err == nil {
			name = inst.Name
		}
	}

	views := make([]models.InviteView, 0, len(invites))
	for i := range invites {
		students, err := s.invites.StudentsForInvite(ctx, invites[i].ID)
		if err != nil {
			return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invite students")
		}
		views = append(views, *s.adminView(&invites[i], name, students))
	}
	pagination := &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}
	return views, pagination, nil
}
