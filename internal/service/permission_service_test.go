package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/internal/query"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
)

type mockGuardianScope struct {
	byUser    map[string]*models.Guardian
	links     map[string][]string
	findCalls int
}

func (m *mockGuardianScope) FindByUserID(ctx context.Context, userID string) (*models.Guardian, error) {
	m.findCalls++
	if g, ok := m.byUser[userID]; ok {
		return g, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockGuardianScope) StudentIDsByGuardian(ctx context.Context, guardianID string) ([]string, error) {
	return m.links[guardianID], nil
}

type mockStudentScope struct {
	scopes map[string]models.StudentScope
}

func (m *mockStudentScope) ScopesByIDs(ctx context.Context, ids []string) ([]models.StudentScope, error) {
	var out []models.StudentScope
	for _, id := range ids {
		if sc, ok := m.scopes[id]; ok {
			out = append(out, sc)
		}
	}
	return out, nil
}

type memoryCache struct {
	entries map[string][]byte
	gets    int
	sets    int
}

func (m *memoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	m.gets++
	raw, ok := m.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.sets++
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if m.entries == nil {
		m.entries = make(map[string][]byte)
	}
	m.entries[key] = raw
	return nil
}

func (m *memoryCache) Delete(ctx context.Context, key string) error {
	delete(m.entries, key)
	return nil
}

func (m *memoryCache) DeleteByPattern(ctx context.Context, pattern string) error {
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

func strptr(s string) *string { return &s }

func newPermissionFixture() (*PermissionService, *mockGuardianScope, *mockStaffReader, *memoryCache) {
	guardians := &mockGuardianScope{
		byUser: map[string]*models.Guardian{
			"parent-user": {ID: "gua-1", Email: "p@example.com"},
		},
		links: map[string][]string{"gua-1": {"stu-1", "stu-2"}},
	}
	students := &mockStudentScope{scopes: map[string]models.StudentScope{
		"stu-1": {StudentID: "stu-1", CampusID: strptr("campus-1"), CurrentGradeID: strptr("grade-1"), CurrentSectionID: strptr("sec-1")},
		"stu-2": {StudentID: "stu-2", CampusID: strptr("campus-1"), CurrentGradeID: strptr("grade-2"), CurrentSectionID: strptr("sec-2")},
	}}
	staff := &mockStaffReader{
		byUser:   map[string]*models.Staff{"teacher-user": {ID: "staff-1"}},
		sections: map[string][]string{"staff-1": {"sec-1"}},
	}
	hierarchy := &mockHierarchy{currentYear: &models.AcademicYear{ID: "year-1", IsCurrent: true}}
	cacheStore := &memoryCache{entries: make(map[string][]byte)}

	svc := NewPermissionService(guardians, students, staff, hierarchy, cacheStore, time.Minute, nil)
	return svc, guardians, staff, cacheStore
}

func TestStudentFilterUnauthenticated(t *testing.T) {
	svc, _, _, _ := newPermissionFixture()

	d := svc.StudentFilter(context.Background(), Viewer{})
	assert.False(t, d.Allowed())
	assert.Equal(t, DecisionUnauthenticated, d.Kind)
	assert.ErrorIs(t, d.Err(), appErrors.ErrUnauthorized)
}

func TestStudentFilterNoInstitution(t *testing.T) {
	svc, _, _, _ := newPermissionFixture()

	d := svc.StudentFilter(context.Background(), Viewer{UserID: "u1", Role: models.RoleTeacher})
	assert.Equal(t, DecisionNoInstitution, d.Kind)
	assert.ErrorIs(t, d.Err(), appErrors.ErrForbidden)

	// System managers operate across tenants and carry no institution.
	d = svc.StudentFilter(context.Background(), Viewer{UserID: "u1", Role: models.RoleSystemManager})
	assert.True(t, d.Allowed())
	assert.True(t, query.IsAllowAll(d.Filter))
}

func TestStudentFilterStaffSeesAll(t *testing.T) {
	svc, _, _, _ := newPermissionFixture()

	d := svc.StudentFilter(context.Background(), Viewer{UserID: "u1", Role: models.RoleSchoolAdmin, InstitutionID: "inst-1"})
	require.True(t, d.Allowed())
	assert.True(t, query.IsAllowAll(d.Filter))
}

func TestStudentFilterTeacherSections(t *testing.T) {
	svc, _, _, _ := newPermissionFixture()

	d := svc.StudentFilter(context.Background(), Viewer{UserID: "teacher-user", Role: models.RoleTeacher, InstitutionID: "inst-1"})
	require.True(t, d.Allowed())

	clause, args := query.SQL(d.Filter, 0)
	assert.Contains(t, clause, "current_section_id")
	assert.Equal(t, []interface{}{"sec-1"}, args)
}

func TestStudentFilterParentChildren(t *testing.T) {
	svc, _, _, _ := newPermissionFixture()

	d := svc.StudentFilter(context.Background(), Viewer{UserID: "parent-user", Role: models.RoleParent, InstitutionID: "inst-1"})
	require.True(t, d.Allowed())

	clause, args := query.SQL(d.Filter, 0)
	assert.Contains(t, clause, "id")
	assert.ElementsMatch(t, []interface{}{"stu-1", "stu-2"}, args)
}

func TestStudentFilterParentWithoutChildrenDeniesRows(t *testing.T) {
	svc, guardians, _, _ := newPermissionFixture()
	guardians.links["gua-1"] = nil

	d := svc.StudentFilter(context.Background(), Viewer{UserID: "parent-user", Role: models.RoleParent, InstitutionID: "inst-1"})
	require.True(t, d.Allowed())
	assert.True(t, query.IsDenyAll(d.Filter))
}

func TestScopeIsCached(t *testing.T) {
	svc, guardians, _, cacheStore := newPermissionFixture()
	viewer := Viewer{UserID: "parent-user", Role: models.RoleParent, InstitutionID: "inst-1"}

	first, err := svc.Scope(context.Background(), viewer)
	require.NoError(t, err)
	assert.Equal(t, 1, guardians.findCalls)
	assert.Equal(t, 1, cacheStore.sets)

	second, err := svc.Scope(context.Background(), viewer)
	require.NoError(t, err)
	assert.Equal(t, 1, guardians.findCalls, "second lookup should hit the cache")
	assert.ElementsMatch(t, first.StudentIDs, second.StudentIDs)

	svc.InvalidateViewerScope(context.Background(), viewer.UserID)
	_, err = svc.Scope(context.Background(), viewer)
	require.NoError(t, err)
	assert.Equal(t, 2, guardians.findCalls)
}

func TestRecipientFilter(t *testing.T) {
	svc, _, _, _ := newPermissionFixture()

	d := svc.RecipientFilter(context.Background(), Viewer{UserID: "u1", Role: models.RoleSecretary})
	require.True(t, d.Allowed())
	assert.True(t, query.IsAllowAll(d.Filter))

	d = svc.RecipientFilter(context.Background(), Viewer{UserID: "parent-user", Role: models.RoleParent})
	require.True(t, d.Allowed())
	clause, args := query.SQL(d.Filter, 0)
	assert.Contains(t, clause, "mr.guardian_id")
	assert.Equal(t, []interface{}{"gua-1"}, args)

	// A parent account with no guardian row sees nothing, not everything.
	d = svc.RecipientFilter(context.Background(), Viewer{UserID: "stranger", Role: models.RoleParent})
	require.True(t, d.Allowed())
	assert.True(t, query.IsDenyAll(d.Filter))
}

func TestContentFilterParentScopes(t *testing.T) {
	svc, _, _, _ := newPermissionFixture()

	d := svc.ContentFilter(context.Background(), Viewer{UserID: "parent-user", Role: models.RoleParent, InstitutionID: "inst-1"})
	require.True(t, d.Allowed())

	clause, args := query.SQL(d.Filter, 0)
	assert.Contains(t, clause, "status")
	assert.Contains(t, clause, "scope_type")
	assert.Contains(t, clause, "campus_id")
	assert.True(t, strings.Contains(clause, "OR"))

	var found bool
	for _, a := range args {
		if a == "PUBLISHED" {
			found = true
		}
	}
	assert.True(t, found, "filter must pin status to PUBLISHED")
}

func TestContentFilterParentWithoutChildren(t *testing.T) {
	svc, guardians, _, _ := newPermissionFixture()
	guardians.links["gua-1"] = nil

	d := svc.ContentFilter(context.Background(), Viewer{UserID: "parent-user", Role: models.RoleParent, InstitutionID: "inst-1"})
	require.True(t, d.Allowed())
	assert.True(t, query.IsDenyAll(d.Filter))
}

func TestContentFilterTeacherBranches(t *testing.T) {
	svc, _, _, _ := newPermissionFixture()

	d := svc.ContentFilter(context.Background(), Viewer{UserID: "teacher-user", Role: models.RoleTeacher, InstitutionID: "inst-1"})
	require.True(t, d.Allowed())

	clause, args := query.SQL(d.Filter, 0)
	assert.Contains(t, clause, "scope_type")
	assert.Contains(t, clause, "section_id")
	assert.Contains(t, args, interface{}("sec-1"))
}

func TestRSVPAccess(t *testing.T) {
	svc, _, _, _ := newPermissionFixture()

	d := svc.RSVPAccess(context.Background(), Viewer{UserID: "parent-user", Role: models.RoleParent})
	assert.True(t, d.Allowed())

	d = svc.RSVPAccess(context.Background(), Viewer{UserID: "u1", Role: models.RoleTeacher})
	assert.False(t, d.Allowed())
	assert.ErrorIs(t, d.Err(), appErrors.ErrForbidden)

	d = svc.RSVPAccess(context.Background(), Viewer{})
	assert.Equal(t, DecisionUnauthenticated, d.Kind)
}
