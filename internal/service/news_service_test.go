package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/internal/query"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
)

type mockNewsRepo struct {
	items      map[string]*models.News
	lastAccess query.Expr
}

func (m *mockNewsRepo) Create(ctx context.Context, item *models.News) error {
	if item.ID == "" {
		item.ID = "news-generated"
	}
	if m.items == nil {
		m.items = make(map[string]*models.News)
	}
	m.items[item.ID] = item
	return nil
}

func (m *mockNewsRepo) FindByID(ctx context.Context, id string) (*models.News, error) {
	if item, ok := m.items[id]; ok {
		return item, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockNewsRepo) UpdateStatus(ctx context.Context, id string, status models.NewsStatus) error {
	if item, ok := m.items[id]; ok {
		item.Status = status
		return nil
	}
	return sql.ErrNoRows
}

func (m *mockNewsRepo) List(ctx context.Context, filter models.NewsFilter, access query.Expr) ([]models.News, int, error) {
	m.lastAccess = access
	if query.IsDenyAll(access) {
		return nil, 0, nil
	}
	var out []models.News
	for _, item := range m.items {
		out = append(out, *item)
	}
	return out, len(out), nil
}

type stubContentDecider struct {
	decision Decision
}

func (s *stubContentDecider) ContentFilter(ctx context.Context, viewer Viewer) Decision {
	return s.decision
}

func newNewsFixture() (*NewsService, *mockNewsRepo) {
	repo := &mockNewsRepo{items: map[string]*models.News{}}
	svc := NewNewsService(repo, allowAllDecider{}, allowAllAudience{}, nil, nil)
	return svc, repo
}

func TestNewsCreateStartsAsDraft(t *testing.T) {
	svc, _ := newNewsFixture()

	item, err := svc.Create(context.Background(), staffViewer(), CreateNewsRequest{
		Title:     "Feria de ciencias",
		Body:      "La feria abre el viernes.",
		ScopeType: models.ScopeInstitution,
	})
	require.NoError(t, err)
	assert.Equal(t, models.NewsStatusDraft, item.Status)
	assert.Equal(t, "inst-1", item.InstitutionID)
	assert.Equal(t, "staff-user", item.AuthorID)
}

func TestNewsCreateRequiresScopeValue(t *testing.T) {
	svc, _ := newNewsFixture()

	_, err := svc.Create(context.Background(), staffViewer(), CreateNewsRequest{
		Title:     "Feria",
		Body:      "Texto",
		ScopeType: models.ScopeGrade,
	})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestNewsLifecycle(t *testing.T) {
	svc, repo := newNewsFixture()
	repo.items["news-1"] = &models.News{ID: "news-1", Status: models.NewsStatusDraft}

	// Archive before publish is rejected.
	err := svc.Archive(context.Background(), "news-1")
	assert.True(t, errors.Is(err, appErrors.ErrStateConflict))

	item, err := svc.Publish(context.Background(), "news-1")
	require.NoError(t, err)
	assert.Equal(t, models.NewsStatusPublished, item.Status)

	_, err = svc.Publish(context.Background(), "news-1")
	assert.True(t, errors.Is(err, appErrors.ErrStateConflict))

	require.NoError(t, svc.Archive(context.Background(), "news-1"))
	assert.Equal(t, models.NewsStatusArchived, repo.items["news-1"].Status)

	err = svc.Archive(context.Background(), "news-1")
	assert.True(t, errors.Is(err, appErrors.ErrStateConflict))
}

func TestNewsPublishNotFound(t *testing.T) {
	svc, _ := newNewsFixture()

	_, err := svc.Publish(context.Background(), "missing")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestNewsListAppliesContentFilter(t *testing.T) {
	repo := &mockNewsRepo{items: map[string]*models.News{
		"news-1": {ID: "news-1", Status: models.NewsStatusPublished},
	}}
	decider := &stubContentDecider{decision: Decision{Kind: DecisionAllowed, Filter: query.Eq("status", models.NewsStatusPublished)}}
	svc := NewNewsService(repo, decider, allowAllAudience{}, nil, nil)

	items, pagination, err := svc.List(context.Background(), Viewer{UserID: "parent-1", Role: models.RoleParent, InstitutionID: "inst-1"}, models.NewsFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, pagination.TotalCount)

	clause, _ := query.SQL(repo.lastAccess, 0)
	assert.Contains(t, clause, "status")
}

func TestNewsListDeniedViewer(t *testing.T) {
	repo := &mockNewsRepo{}
	decider := &stubContentDecider{decision: Decision{Kind: DecisionUnauthenticated, Reason: "authentication required"}}
	svc := NewNewsService(repo, decider, allowAllAudience{}, nil, nil)

	_, _, err := svc.List(context.Background(), Viewer{}, models.NewsFilter{})
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
}
