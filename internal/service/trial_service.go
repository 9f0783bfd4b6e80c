package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/pkg/config"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
	"github.com/franorzabal-hub/kairos-api/pkg/jobs"
	"github.com/franorzabal-hub/kairos-api/pkg/mail"
)

type institutionRepository interface {
	FindByID(ctx context.Context, id string) (*models.Institution, error)
	UpdateTrial(ctx context.Context, id string, isTrial bool, status models.TrialStatus, startedAt, expiresAt *time.Time) error
	SetTrialStatus(ctx context.Context, id string, status models.TrialStatus) error
	ListExpiredTrials(ctx context.Context, now time.Time) ([]models.Institution, error)
	ListExpiringTrials(ctx context.Context, from, to time.Time) ([]models.Institution, error)
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type trialCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

type statusEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// JobTypeTrialWriteBack marks async persistence of a lazily detected expiry.
const JobTypeTrialWriteBack = "trial_status_write_back"

// TrialWriteBackPayload carries the institution whose stored status is stale.
type TrialWriteBackPayload struct {
	InstitutionID string
	Status        models.TrialStatus
}

// TrialService owns the tenant trial lifecycle: lazy expiry detection,
// extensions, conversion and the daily sweep.
type TrialService struct {
	institutions institutionRepository
	cache        trialCache
	queue        statusEnqueuer
	mailer       mail.Sender
	cfg          config.TrialConfig
	logger       *zap.Logger
	now          func() time.Time
}

// NewTrialService constructs TrialService.
func NewTrialService(institutions institutionRepository, cache trialCache, queue statusEnqueuer, mailer mail.Sender, cfg config.TrialConfig, logger *zap.Logger) *TrialService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mailer == nil {
		mailer = mail.NopSender{}
	}
	if cfg.DurationDays <= 0 {
		cfg.DurationDays = 14
	}
	if cfg.WarningDays <= 0 {
		cfg.WarningDays = 3
	}
	if cfg.MaxExtensionDay <= 0 {
		cfg.MaxExtensionDay = 30
	}
	if cfg.StatusCacheTTL <= 0 {
		cfg.StatusCacheTTL = 5 * time.Minute
	}
	return &TrialService{
		institutions: institutions,
		cache:        cache,
		queue:        queue,
		mailer:       mailer,
		cfg:          cfg,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func trialStatusKey(institutionID string) string {
	return fmt.Sprintf("trial_status:%s", institutionID)
}

// IsExpired reports whether the institution's trial blocks writes right now.
// A stale ACTIVE row whose expiry passed counts as expired immediately; the
// authoritative status write rides the job queue and never delays the answer.
func (s *TrialService) IsExpired(ctx context.Context, institutionID string) (bool, error) {
	if s.cache != nil {
		var cached bool
		if err := s.cache.Get(ctx, trialStatusKey(institutionID), &cached); err == nil {
			return cached, nil
		}
	}

	inst, err := s.institutions.FindByID(ctx, institutionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, appErrors.Clone(appErrors.ErrNotFound, "institution not found")
		}
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load institution")
	}

	expired := s.computeExpired(inst)
	if expired && inst.TrialStatus == models.TrialStatusActive {
		s.enqueueWriteBack(institutionID)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, trialStatusKey(institutionID), expired, s.cfg.StatusCacheTTL); err != nil {
			s.logger.Warn("failed to cache trial status", zap.String("institution_id", institutionID), zap.Error(err))
		}
	}
	return expired, nil
}

func (s *TrialService) computeExpired(inst *models.Institution) bool {
	if !inst.IsTrial || inst.TrialStatus == models.TrialStatusConverted {
		return false
	}
	if inst.TrialStatus == models.TrialStatusExpired {
		return true
	}
	if inst.TrialExpiresAt != nil && s.now().After(*inst.TrialExpiresAt) {
		return true
	}
	return false
}

func (s *TrialService) enqueueWriteBack(institutionID string) {
	if s.queue == nil {
		return
	}
	job := jobs.Job{
		ID:      uuid.NewString(),
		Type:    JobTypeTrialWriteBack,
		Payload: TrialWriteBackPayload{InstitutionID: institutionID, Status: models.TrialStatusExpired},
	}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Warn("failed to enqueue trial write-back", zap.String("institution_id", institutionID), zap.Error(err))
	}
}

// HandleWriteBack is the job-queue handler persisting lazily detected expiry.
func (s *TrialService) HandleWriteBack(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(TrialWriteBackPayload)
	if !ok {
		s.logger.Error("unexpected write-back payload", zap.String("job_id", job.ID))
		return nil
	}
	// Re-check: an extension may have landed between detection and this run.
	inst, err := s.institutions.FindByID(ctx, payload.InstitutionID)
	if err != nil {
		return fmt.Errorf("load institution for write-back: %w", err)
	}
	if inst.TrialStatus != models.TrialStatusActive || !s.computeExpired(inst) {
		return nil
	}
	if err := s.institutions.SetTrialStatus(ctx, payload.InstitutionID, payload.Status); err != nil {
		return fmt.Errorf("persist trial status: %w", err)
	}
	s.invalidate(ctx, payload.InstitutionID)
	return nil
}

// Status returns the computed trial view for an institution.
func (s *TrialService) Status(ctx context.Context, institutionID string) (*models.TrialInfo, error) {
	inst, err := s.institutions.FindByID(ctx, institutionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "institution not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load institution")
	}

	info := &models.TrialInfo{
		InstitutionID:   inst.ID,
		InstitutionName: inst.Name,
		IsTrial:         inst.IsTrial,
		TrialStatus:     inst.TrialStatus,
		TrialStartedAt:  inst.TrialStartedAt,
		TrialExpiresAt:  inst.TrialExpiresAt,
	}
	if !inst.IsTrial || inst.TrialStatus == models.TrialStatusConverted {
		return info, nil
	}

	info.IsExpired = s.computeExpired(inst)
	if inst.TrialExpiresAt != nil && !info.IsExpired {
		remaining := inst.TrialExpiresAt.Sub(s.now())
		info.DaysRemaining = int(remaining.Hours() / 24)
		info.IsWarningPeriod = remaining <= time.Duration(s.cfg.WarningDays)*24*time.Hour
	}
	return info, nil
}

// Start begins a trial for an institution not already on one.
func (s *TrialService) Start(ctx context.Context, institutionID, actorID string, days int) (*models.TrialInfo, error) {
	inst, err := s.institutions.FindByID(ctx, institutionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "institution not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load institution")
	}
	if inst.IsTrial && inst.TrialStatus == models.TrialStatusActive {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "trial already active")
	}
	if inst.TrialStatus == models.TrialStatusConverted {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "institution already converted")
	}

	if days <= 0 {
		days = s.cfg.DurationDays
	}
	now := s.now()
	expires := now.Add(time.Duration(days) * 24 * time.Hour)
	if err := s.institutions.UpdateTrial(ctx, institutionID, true, models.TrialStatusActive, &now, &expires); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start trial")
	}
	s.invalidate(ctx, institutionID)
	s.audit(ctx, actorID, "trial_start", institutionID, fmt.Sprintf("trial started for %d days", days))
	return s.Status(ctx, institutionID)
}

// Extend pushes the expiry forward. An expired trial extends from now; an
// active one from its current expiry. Converted institutions are immutable.
func (s *TrialService) Extend(ctx context.Context, institutionID, actorID string, days int) (*models.TrialInfo, error) {
	if days < 1 || days > s.cfg.MaxExtensionDay {
		return nil, appErrors.Clonef(appErrors.ErrValidation, "extension must be between 1 and %d days", s.cfg.MaxExtensionDay)
	}

	inst, err := s.institutions.FindByID(ctx, institutionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "institution not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load institution")
	}
	if !inst.IsTrial {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "institution is not on a trial")
	}
	if inst.TrialStatus == models.TrialStatusConverted {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "institution already converted")
	}

	now := s.now()
	base := now
	if inst.TrialExpiresAt != nil && inst.TrialExpiresAt.After(now) {
		base = *inst.TrialExpiresAt
	}
	expires := base.Add(time.Duration(days) * 24 * time.Hour)
	if err := s.institutions.UpdateTrial(ctx, institutionID, true, models.TrialStatusActive, inst.TrialStartedAt, &expires); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to extend trial")
	}
	s.invalidate(ctx, institutionID)
	s.audit(ctx, actorID, "trial_extend", institutionID, fmt.Sprintf("trial extended by %d days to %s", days, expires.Format(time.RFC3339)))
	return s.Status(ctx, institutionID)
}

// Convert marks the institution as a paying customer. Terminal: a stale past
// expiry no longer matters anywhere.
func (s *TrialService) Convert(ctx context.Context, institutionID, actorID string) (*models.TrialInfo, error) {
	inst, err := s.institutions.FindByID(ctx, institutionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "institution not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load institution")
	}
	if inst.TrialStatus == models.TrialStatusConverted {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "institution already converted")
	}

	if err := s.institutions.UpdateTrial(ctx, institutionID, false, models.TrialStatusConverted, inst.TrialStartedAt, inst.TrialExpiresAt); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to convert trial")
	}
	s.invalidate(ctx, institutionID)
	s.audit(ctx, actorID, "trial_convert", institutionID, "trial converted to full account")
	return s.Status(ctx, institutionID)
}

// CheckAccess summarises the viewer's write access under the trial gate.
func (s *TrialService) CheckAccess(ctx context.Context, viewer Viewer) (*models.TrialAccess, error) {
	if viewer.Role == models.RoleSystemManager {
		return &models.TrialAccess{HasFullAccess: true}, nil
	}
	if viewer.InstitutionID == "" {
		return &models.TrialAccess{HasFullAccess: false, Message: "no institution"}, nil
	}

	inst, err := s.institutions.FindByID(ctx, viewer.InstitutionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "institution not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load institution")
	}

	expired := s.computeExpired(inst)
	access := &models.TrialAccess{
		HasFullAccess: !expired,
		IsTrial:       inst.IsTrial && inst.TrialStatus != models.TrialStatusConverted,
		IsExpired:     expired,
		InstitutionID: &inst.ID,
	}
	if expired {
		access.Message = "trial period has expired; contact your administrator"
	}
	return access, nil
}

// Sweep is the daily authoritative pass: persist expiries and send warning
// mails for trials ending within the warning window. Mail failures are
// logged, never propagated.
func (s *TrialService) Sweep(ctx context.Context) error {
	now := s.now()

	expired, err := s.institutions.ListExpiredTrials(ctx, now)
	if err != nil {
		return fmt.Errorf("list expired trials: %w", err)
	}
	for _, inst := range expired {
		if err := s.institutions.SetTrialStatus(ctx, inst.ID, models.TrialStatusExpired); err != nil {
			s.logger.Error("failed to mark trial expired", zap.String("institution_id", inst.ID), zap.Error(err))
		}
	}
	// The sweep is authoritative; drop the whole cached keyspace so every
	// tenant re-reads its fresh status, including rows changed out of band.
	if s.cache != nil {
		if err := s.cache.DeleteByPattern(ctx, "trial_status:*"); err != nil {
			s.logger.Warn("failed to flush trial status cache", zap.Error(err))
		}
	}

	warnFrom := now
	warnTo := now.Add(time.Duration(s.cfg.WarningDays) * 24 * time.Hour)
	expiring, err := s.institutions.ListExpiringTrials(ctx, warnFrom, warnTo)
	if err != nil {
		return fmt.Errorf("list expiring trials: %w", err)
	}
	for _, inst := range expiring {
		if inst.ContactEmail == "" || inst.TrialExpiresAt == nil {
			continue
		}
		msg := mail.Message{
			To:      []string{inst.ContactEmail},
			Subject: "Your trial is ending soon",
			TextBody: fmt.Sprintf("The trial for %s ends on %s. Convert to keep full access.",
				inst.Name, inst.TrialExpiresAt.Format("2006-01-02")),
		}
		if err := s.mailer.Send(msg); err != nil {
			s.logger.Warn("failed to send trial warning", zap.String("institution_id", inst.ID), zap.Error(err))
		}
	}

	s.logger.Info("trial sweep completed",
		zap.Int("expired", len(expired)),
		zap.Int("warned", len(expiring)))
	return nil
}

// RunSweeper blocks, running Sweep on the configured interval until the
// context is cancelled.
func (s *TrialService) RunSweeper(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("trial sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *TrialService) invalidate(ctx context.Context, institutionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, trialStatusKey(institutionID)); err != nil {
		s.logger.Warn("failed to invalidate trial cache", zap.String("institution_id", institutionID), zap.Error(err))
	}
}

func (s *TrialService) audit(ctx context.Context, actorID, action, institutionID, detail string) {
	log := &models.AuditLog{
		UserID:     actorID,
		Action:     action,
		EntityType: "institution",
		EntityID:   institutionID,
		Detail:     detail,
	}
	if err := s.institutions.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}
