package service

import (
	"context"
	"database/sql"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/internal/query"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
)

type newsRepository interface {
	Create(ctx context.Context, item *models.News) error
	FindByID(ctx context.Context, id string) (*models.News, error)
	UpdateStatus(ctx context.Context, id string, status models.NewsStatus) error
	List(ctx context.Context, filter models.NewsFilter, access query.Expr) ([]models.News, int, error)
}

type newsDecider interface {
	ContentFilter(ctx context.Context, viewer Viewer) Decision
}

// CreateNewsRequest describes announcement creation.
type CreateNewsRequest struct {
	Title     string           `json:"title" validate:"required"`
	Body      string           `json:"body" validate:"required"`
	ScopeType models.ScopeType `json:"scope_type" validate:"required"`
	CampusID  *string          `json:"campus_id"`
	GradeID   *string          `json:"grade_id"`
	SectionID *string          `json:"section_id"`
}

// NewsService owns scoped announcements.
type NewsService struct {
	news      newsRepository
	perms     newsDecider
	audience  audienceResolver
	validator *validator.Validate
	logger    *zap.Logger
}

// NewNewsService constructs NewsService.
func NewNewsService(news newsRepository, perms newsDecider, audience audienceResolver, validate *validator.Validate, logger *zap.Logger) *NewsService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NewsService{news: news, perms: perms, audience: audience, validator: validate, logger: logger}
}

// Create stores a draft announcement after validating scope and permission.
func (s *NewsService) Create(ctx context.Context, viewer Viewer, req CreateNewsRequest) (*models.News, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid news payload")
	}
	if err := validateScope(req.ScopeType, req.CampusID, req.GradeID, req.SectionID); err != nil {
		return nil, err
	}

	sel := selectorForScope(req.ScopeType, req.CampusID, req.GradeID, req.SectionID)
	if err := s.audience.ValidateSendPermission(ctx, viewer, sel); err != nil {
		return nil, err
	}

	item := &models.News{
		InstitutionID: viewer.InstitutionID,
		AuthorID:      viewer.UserID,
		Title:         req.Title,
		Body:          req.Body,
		ScopeType:     req.ScopeType,
		CampusID:      req.CampusID,
		GradeID:       req.GradeID,
		SectionID:     req.SectionID,
		Status:        models.NewsStatusDraft,
	}
	if err := s.news.Create(ctx, item); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create news")
	}
	return item, nil
}

// Publish makes a draft announcement visible to its audience.
func (s *NewsService) Publish(ctx context.Context, id string) (*models.News, error) {
	item, err := s.news.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "news item not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load news item")
	}
	if item.Status != models.NewsStatusDraft {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "only draft news can be published")
	}
	if err := s.news.UpdateStatus(ctx, id, models.NewsStatusPublished); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to publish news")
	}
	item.Status = models.NewsStatusPublished
	return item, nil
}

// Archive retires a published announcement.
func (s *NewsService) Archive(ctx context.Context, id string) error {
	item, err := s.news.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "news item not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load news item")
	}
	if item.Status != models.NewsStatusPublished {
		return appErrors.Clone(appErrors.ErrStateConflict, "only published news can be archived")
	}
	if err := s.news.UpdateStatus(ctx, id, models.NewsStatusArchived); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to archive news")
	}
	return nil
}

// List returns announcements visible to the viewer.
func (s *NewsService) List(ctx context.Context, viewer Viewer, filter models.NewsFilter) ([]models.News, *models.Pagination, error) {
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
	items, total, err := s.news.List(ctx, filter, decision.Filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list news")
	}
	pagination := &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}
	return items, pagination, nil
}
