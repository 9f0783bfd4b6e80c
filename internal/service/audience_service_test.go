package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
)

type mockHierarchy struct {
	currentYear   *models.AcademicYear
	unitsByCampus map[string][]string
	gradesByUnits map[string][]string
	sections      []string
	sectionExists map[string]bool
	unitForGrade  map[string]string
	gradeForSect  map[string]string
	unitsForStaff map[string][]string
	lastQuery     models.SectionQuery
}

func (m *mockHierarchy) CurrentAcademicYear(ctx context.Context, institutionID string) (*models.AcademicYear, error) {
	if m.currentYear == nil {
		return nil, sql.ErrNoRows
	}
	return m.currentYear, nil
}

func (m *mockHierarchy) SchoolUnitIDsByCampus(ctx context.Context, campusID string) ([]string, error) {
	return m.unitsByCampus[campusID], nil
}

func (m *mockHierarchy) GradeIDsBySchoolUnits(ctx context.Context, schoolUnitIDs []string) ([]string, error) {
	var out []string
	for _, id := range schoolUnitIDs {
		out = append(out, m.gradesByUnits[id]...)
	}
	return out, nil
}

func (m *mockHierarchy) SectionIDs(ctx context.Context, q models.SectionQuery) ([]string, error) {
	m.lastQuery = q
	return m.sections, nil
}

func (m *mockHierarchy) SectionExists(ctx context.Context, id string) (bool, error) {
	return m.sectionExists[id], nil
}

func (m *mockHierarchy) SchoolUnitForGrade(ctx context.Context, gradeID string) (string, error) {
	if unit, ok := m.unitForGrade[gradeID]; ok {
		return unit, nil
	}
	return "", sql.ErrNoRows
}

func (m *mockHierarchy) GradeForSection(ctx context.Context, sectionID string) (string, error) {
	if grade, ok := m.gradeForSect[sectionID]; ok {
		return grade, nil
	}
	return "", sql.ErrNoRows
}

func (m *mockHierarchy) SchoolUnitIDsForStaff(ctx context.Context, staffID string) ([]string, error) {
	return m.unitsForStaff[staffID], nil
}

func (m *mockHierarchy) CascadeSchoolUnits(ctx context.Context, campusID string) ([]models.CascadeOption, error) {
	var out []models.CascadeOption
	for _, id := range m.unitsByCampus[campusID] {
		out = append(out, models.CascadeOption{Value: id, Label: id})
	}
	return out, nil
}

func (m *mockHierarchy) CascadeGrades(ctx context.Context, schoolUnitID string) ([]models.CascadeOption, error) {
	var out []models.CascadeOption
	for _, id := range m.gradesByUnits[schoolUnitID] {
		out = append(out, models.CascadeOption{Value: id, Label: id})
	}
	return out, nil
}

func (m *mockHierarchy) CascadeSections(ctx context.Context, gradeID, academicYearID string) ([]models.CascadeOption, error) {
	var out []models.CascadeOption
	for _, id := range m.sections {
		out = append(out, models.CascadeOption{Value: id, Label: id})
	}
	return out, nil
}

type mockEnrollments struct {
	bySection map[string][]string
	err       error
}

func (m *mockEnrollments) ActiveStudentIDsBySections(ctx context.Context, sectionIDs []string, academicYearID string) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []string
	for _, id := range sectionIDs {
		out = append(out, m.bySection[id]...)
	}
	return out, nil
}

type mockGuardianLinks struct {
	byStudent     map[string][]string
	optedOut      map[string]bool
	lastRespected bool
}

func (m *mockGuardianLinks) GuardianIDsByStudents(ctx context.Context, studentIDs []string, respectPreferences bool) ([]string, error) {
	m.lastRespected = respectPreferences
	var out []string
	for _, sid := range studentIDs {
		for _, gid := range m.byStudent[sid] {
			if respectPreferences && m.optedOut[gid] {
				continue
			}
			out = append(out, gid)
		}
	}
	return out, nil
}

type mockStaffReader struct {
	byUser   map[string]*models.Staff
	sections map[string][]string
}

func (m *mockStaffReader) FindByUserID(ctx context.Context, userID string) (*models.Staff, error) {
	if staff, ok := m.byUser[userID]; ok {
		return staff, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockStaffReader) SectionIDsForStaff(ctx context.Context, staffID, academicYearID string) ([]string, error) {
	return m.sections[staffID], nil
}

func newAudienceFixture() (*AudienceService, *mockHierarchy, *mockEnrollments, *mockGuardianLinks, *mockStaffReader) {
	hierarchy := &mockHierarchy{
		currentYear:   &models.AcademicYear{ID: "year-1", IsCurrent: true},
		unitsByCampus: map[string][]string{"campus-1": {"unit-1", "unit-2"}},
		gradesByUnits: map[string][]string{"unit-1": {"grade-1"}, "unit-2": {"grade-2"}},
		sections:      []string{"sec-1", "sec-2"},
		sectionExists: map[string]bool{"sec-1": true, "sec-2": true},
		unitForGrade:  map[string]string{"grade-1": "unit-1", "grade-2": "unit-2"},
		gradeForSect:  map[string]string{"sec-1": "grade-1", "sec-2": "grade-2"},
		unitsForStaff: map[string][]string{},
	}
	enrollments := &mockEnrollments{bySection: map[string][]string{
		"sec-1": {"stu-1", "stu-2"},
		"sec-2": {"stu-2", "stu-3"},
	}}
	guardians := &mockGuardianLinks{
		byStudent: map[string][]string{
			"stu-1": {"gua-1"},
			"stu-2": {"gua-1", "gua-2"},
			"stu-3": {"gua-3"},
		},
		optedOut: map[string]bool{},
	}
	staff := &mockStaffReader{byUser: map[string]*models.Staff{}, sections: map[string][]string{}}

	svc := NewAudienceService(hierarchy, enrollments, guardians, staff, nil, nil)
	return svc, hierarchy, enrollments, guardians, staff
}

func TestResolveStudentsSection(t *testing.T) {
	svc, _, _, _, _ := newAudienceFixture()

	students, err := svc.ResolveStudents(context.Background(), "inst-1", models.AudienceSelector{
		Type:      models.AudienceSection,
		SectionID: "sec-1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"stu-1", "stu-2"}, students)
}

func TestResolveStudentsSectionNotFound(t *testing.T) {
	svc, _, _, _, _ := newAudienceFixture()

	_, err := svc.ResolveStudents(context.Background(), "inst-1", models.AudienceSelector{
		Type:      models.AudienceSection,
		SectionID: "sec-missing",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestResolveStudentsDeduplicates(t *testing.T) {
	svc, _, _, _, _ := newAudienceFixture()

	students, err := svc.ResolveStudents(context.Background(), "inst-1", models.AudienceSelector{
		Type: models.AudienceAllSchool,
	})
	require.NoError(t, err)
	// stu-2 is enrolled in both sections but appears once.
	assert.Equal(t, []string{"stu-1", "stu-2", "stu-3"}, students)
}

func TestResolveStudentsCustomIsEmpty(t *testing.T) {
	svc, _, _, _, _ := newAudienceFixture()

	students, err := svc.ResolveStudents(context.Background(), "inst-1", models.AudienceSelector{Type: models.AudienceCustom})
	require.NoError(t, err)
	assert.Empty(t, students)
}

func TestResolveStudentsMissingScopeValue(t *testing.T) {
	svc, _, _, _, _ := newAudienceFixture()

	for _, sel := range []models.AudienceSelector{
		{Type: models.AudienceCampus},
		{Type: models.AudienceSchoolUnit},
		{Type: models.AudienceGrade},
		{Type: models.AudienceSection},
	} {
		_, err := svc.ResolveStudents(context.Background(), "inst-1", sel)
		require.Error(t, err, "type %s", sel.Type)
		assert.True(t, errors.Is(err, appErrors.ErrValidation), "type %s", sel.Type)
	}
}

func TestResolveStudentsNoCurrentYear(t *testing.T) {
	svc, hierarchy, _, _, _ := newAudienceFixture()
	hierarchy.currentYear = nil

	_, err := svc.ResolveStudents(context.Background(), "inst-1", models.AudienceSelector{Type: models.AudienceAllSchool})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestResolveStudentsExplicitYearSkipsLookup(t *testing.T) {
	svc, hierarchy, _, _, _ := newAudienceFixture()
	hierarchy.currentYear = nil

	_, err := svc.ResolveStudents(context.Background(), "inst-1", models.AudienceSelector{
		Type:           models.AudienceAllSchool,
		AcademicYearID: "year-2",
	})
	require.NoError(t, err)
	assert.Equal(t, "year-2", hierarchy.lastQuery.AcademicYearID)
}

func TestResolveGuardiansDeduplicates(t *testing.T) {
	svc, _, _, _, _ := newAudienceFixture()

	guardians, err := svc.ResolveGuardians(context.Background(), []string{"stu-1", "stu-2"}, false)
	require.NoError(t, err)
	// gua-1 follows both students but is counted once.
	assert.Equal(t, []string{"gua-1", "gua-2"}, guardians)
}

func TestResolveGuardiansRespectsPreferences(t *testing.T) {
	svc, _, _, guardians, _ := newAudienceFixture()
	guardians.optedOut["gua-2"] = true

	got, err := svc.ResolveGuardians(context.Background(), []string{"stu-2"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"gua-1"}, got)

	got, err = svc.ResolveGuardians(context.Background(), []string{"stu-2"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"gua-1", "gua-2"}, got)
}

func TestPreviewCountsFamilies(t *testing.T) {
	svc, _, _, _, _ := newAudienceFixture()

	preview, err := svc.Preview(context.Background(), Viewer{UserID: "u1", Role: models.RoleSchoolAdmin, InstitutionID: "inst-1"}, models.AudienceSelector{Type: models.AudienceAllSchool})
	require.NoError(t, err)
	assert.True(t, preview.CanSend)
	assert.Equal(t, 3, preview.Count)
	assert.Contains(t, preview.Message, "3 families")
}

func TestPreviewForbiddenRole(t *testing.T) {
	svc, _, _, _, _ := newAudienceFixture()

	preview, err := svc.Preview(context.Background(), Viewer{UserID: "u1", Role: models.RoleParent, InstitutionID: "inst-1"}, models.AudienceSelector{Type: models.AudienceAllSchool})
	require.NoError(t, err)
	assert.False(t, preview.CanSend)
	assert.Equal(t, 0, preview.Count)
}

func TestValidateSendPermissionRoleMatrix(t *testing.T) {
	svc, _, _, _, staff := newAudienceFixture()
	staff.byUser["teacher-user"] = &models.Staff{ID: "staff-1"}
	staff.sections["staff-1"] = []string{"sec-1"}

	allSchool := models.AudienceSelector{Type: models.AudienceAllSchool}

	require.NoError(t, svc.ValidateSendPermission(context.Background(), Viewer{Role: models.RoleSystemManager}, allSchool))
	require.NoError(t, svc.ValidateSendPermission(context.Background(), Viewer{Role: models.RoleSchoolAdmin}, allSchool))
	require.NoError(t, svc.ValidateSendPermission(context.Background(), Viewer{Role: models.RoleSecretary}, allSchool))

	err := svc.ValidateSendPermission(context.Background(), Viewer{Role: models.RoleParent}, allSchool)
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))
}

func TestValidateSendPermissionTeacherOwnSection(t *testing.T) {
	svc, _, _, _, staff := newAudienceFixture()
	staff.byUser["teacher-user"] = &models.Staff{ID: "staff-1"}
	staff.sections["staff-1"] = []string{"sec-1"}

	viewer := Viewer{UserID: "teacher-user", Role: models.RoleTeacher, InstitutionID: "inst-1"}

	require.NoError(t, svc.ValidateSendPermission(context.Background(), viewer, models.AudienceSelector{Type: models.AudienceSection, SectionID: "sec-1"}))

	err := svc.ValidateSendPermission(context.Background(), viewer, models.AudienceSelector{Type: models.AudienceSection, SectionID: "sec-2"})
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))

	err = svc.ValidateSendPermission(context.Background(), viewer, models.AudienceSelector{Type: models.AudienceGrade, GradeID: "grade-1"})
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))

	require.NoError(t, svc.ValidateSendPermission(context.Background(), viewer, models.AudienceSelector{Type: models.AudienceCustom}))
}

func TestValidateSendPermissionManagerScope(t *testing.T) {
	svc, hierarchy, _, _, staff := newAudienceFixture()
	staff.byUser["manager-user"] = &models.Staff{ID: "staff-2"}
	hierarchy.unitsForStaff["staff-2"] = []string{"unit-1"}

	viewer := Viewer{UserID: "manager-user", Role: models.RoleSchoolManager, InstitutionID: "inst-1"}

	err := svc.ValidateSendPermission(context.Background(), viewer, models.AudienceSelector{Type: models.AudienceAllSchool})
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))

	err = svc.ValidateSendPermission(context.Background(), viewer, models.AudienceSelector{Type: models.AudienceCampus, CampusID: "campus-1"})
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))

	require.NoError(t, svc.ValidateSendPermission(context.Background(), viewer, models.AudienceSelector{Type: models.AudienceSchoolUnit, SchoolUnitID: "unit-1"}))

	err = svc.ValidateSendPermission(context.Background(), viewer, models.AudienceSelector{Type: models.AudienceSchoolUnit, SchoolUnitID: "unit-2"})
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))

	// Grade and section resolve up the tree to the owning school unit.
	require.NoError(t, svc.ValidateSendPermission(context.Background(), viewer, models.AudienceSelector{Type: models.AudienceGrade, GradeID: "grade-1"}))
	require.NoError(t, svc.ValidateSendPermission(context.Background(), viewer, models.AudienceSelector{Type: models.AudienceSection, SectionID: "sec-1"}))

	err = svc.ValidateSendPermission(context.Background(), viewer, models.AudienceSelector{Type: models.AudienceSection, SectionID: "sec-2"})
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))
}

func TestCascadeOptions(t *testing.T) {
	svc, _, _, _, _ := newAudienceFixture()

	options, err := svc.CascadeOptions(context.Background(), models.AudienceCampus, "campus-1", "")
	require.NoError(t, err)
	assert.Len(t, options, 2)

	_, err = svc.CascadeOptions(context.Background(), models.AudienceSection, "sec-1", "")
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	_, err = svc.CascadeOptions(context.Background(), models.AudienceCampus, "", "")
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}
