package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
)

type hierarchyReader interface {
	CurrentAcademicYear(ctx context.Context, institutionID string) (*models.AcademicYear, error)
	SchoolUnitIDsByCampus(ctx context.Context, campusID string) ([]string, error)
	GradeIDsBySchoolUnits(ctx context.Context, schoolUnitIDs []string) ([]string, error)
	SectionIDs(ctx context.Context, q models.SectionQuery) ([]string, error)
	SectionExists(ctx context.Context, id string) (bool, error)
	SchoolUnitForGrade(ctx context.Context, gradeID string) (string, error)
	GradeForSection(ctx context.Context, sectionID string) (string, error)
	SchoolUnitIDsForStaff(ctx context.Context, staffID string) ([]string, error)
	CascadeSchoolUnits(ctx context.Context, campusID string) ([]models.CascadeOption, error)
	CascadeGrades(ctx context.Context, schoolUnitID string) ([]models.CascadeOption, error)
	CascadeSections(ctx context.Context, gradeID, academicYearID string) ([]models.CascadeOption, error)
}

type enrollmentReader interface {
	ActiveStudentIDsBySections(ctx context.Context, sectionIDs []string, academicYearID string) ([]string, error)
}

type guardianLinkReader interface {
	GuardianIDsByStudents(ctx context.Context, studentIDs []string, respectPreferences bool) ([]string, error)
}

type staffSectionReader interface {
	FindByUserID(ctx context.Context, userID string) (*models.Staff, error)
	SectionIDsForStaff(ctx context.Context, staffID, academicYearID string) ([]string, error)
}

// Viewer identifies the acting user for permission decisions.
type Viewer struct {
	UserID        string
	Role          models.UserRole
	InstitutionID string
}

// AudienceService resolves targeting selectors into student and guardian
// sets and validates who may send to whom.
type AudienceService struct {
	hierarchy   hierarchyReader
	enrollments enrollmentReader
	guardians   guardianLinkReader
	staff       staffSectionReader
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewAudienceService constructs AudienceService.
func NewAudienceService(hierarchy hierarchyReader, enrollments enrollmentReader, guardians guardianLinkReader, staff staffSectionReader, validate *validator.Validate, logger *zap.Logger) *AudienceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AudienceService{hierarchy: hierarchy, enrollments: enrollments, guardians: guardians, staff: staff, validator: validate, logger: logger}
}

// ResolveStudents expands a selector into the exact set of student ids it
// covers. CUSTOM always yields an empty set; callers own custom lists.
func (s *AudienceService) ResolveStudents(ctx context.Context, institutionID string, sel models.AudienceSelector) ([]string, error) {
	if !sel.Type.Valid() {
		return nil, appErrors.Clonef(appErrors.ErrValidation, "unknown audience type %q", sel.Type)
	}
	if sel.Type == models.AudienceCustom {
		return []string{}, nil
	}

	yearID := sel.AcademicYearID
	if yearID == "" {
		year, err := s.hierarchy.CurrentAcademicYear(ctx, institutionID)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrValidation, "no current academic year configured")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load academic year")
		}
		yearID = year.ID
	}

	sectionIDs, err := s.sectionsForSelector(ctx, sel, yearID)
	if err != nil {
		return nil, err
	}
	if len(sectionIDs) == 0 {
		return []string{}, nil
	}

	students, err := s.enrollments.ActiveStudentIDsBySections(ctx, sectionIDs, yearID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve students")
	}
	return dedupe(students), nil
}

func (s *AudienceService) sectionsForSelector(ctx context.Context, sel models.AudienceSelector, yearID string) ([]string, error) {
	// Shift narrows every level except ALL_SCHOOL; matches composer behavior.
	shift := sel.Shift

	switch sel.Type {
	case models.AudienceAllSchool:
		return s.hierarchy.SectionIDs(ctx, models.SectionQuery{AcademicYearID: yearID})

	case models.AudienceCampus:
		if sel.CampusID == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "campus_id is required for CAMPUS audience")
		}
		units, err := s.hierarchy.SchoolUnitIDsByCampus(ctx, sel.CampusID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to expand campus")
		}
		grades, err := s.hierarchy.GradeIDsBySchoolUnits(ctx, units)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to expand campus")
		}
		if len(grades) == 0 {
			return nil, nil
		}
		return s.hierarchy.SectionIDs(ctx, models.SectionQuery{GradeIDs: grades, AcademicYearID: yearID, Shift: shift})

	case models.AudienceSchoolUnit:
		if sel.SchoolUnitID == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "school_unit_id is required for SCHOOL_UNIT audience")
		}
		grades, err := s.hierarchy.GradeIDsBySchoolUnits(ctx, []string{sel.SchoolUnitID})
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to expand school unit")
		}
		if len(grades) == 0 {
			return nil, nil
		}
		return s.hierarchy.SectionIDs(ctx, models.SectionQuery{GradeIDs: grades, AcademicYearID: yearID, Shift: shift})

	case models.AudienceGrade:
		if sel.GradeID == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "grade_id is required for GRADE audience")
		}
		return s.hierarchy.SectionIDs(ctx, models.SectionQuery{GradeIDs: []string{sel.GradeID}, AcademicYearID: yearID, Shift: shift})

	case models.AudienceSection:
		if sel.SectionID == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "section_id is required for SECTION audience")
		}
		exists, err := s.hierarchy.SectionExists(ctx, sel.SectionID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check section")
		}
		if !exists {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "section not found")
		}
		return []string{sel.SectionID}, nil
	}
	return nil, appErrors.Clonef(appErrors.ErrValidation, "unknown audience type %q", sel.Type)
}

// ResolveGuardians unions the guardians linked to the given students. When
// respectPreferences is set, guardians who opted out of communications are
// excluded.
func (s *AudienceService) ResolveGuardians(ctx context.Context, studentIDs []string, respectPreferences bool) ([]string, error) {
	if len(studentIDs) == 0 {
		return []string{}, nil
	}
	guardians, err := s.guardians.GuardianIDsByStudents(ctx, studentIDs, respectPreferences)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve guardians")
	}
	return dedupe(guardians), nil
}

// Resolve runs the full selector-to-guardians pipeline.
func (s *AudienceService) Resolve(ctx context.Context, institutionID string, sel models.AudienceSelector, includeStudents, respectPreferences bool) (*models.AudienceResolution, error) {
	students, err := s.ResolveStudents(ctx, institutionID, sel)
	if err != nil {
		return nil, err
	}
	guardians, err := s.ResolveGuardians(ctx, students, respectPreferences)
	if err != nil {
		return nil, err
	}
	res := &models.AudienceResolution{Guardians: guardians}
	if includeStudents {
		res.Students = students
	}
	return res, nil
}

// Preview returns the family count and whether the viewer may send to the
// selector, for the composer UI.
func (s *AudienceService) Preview(ctx context.Context, viewer Viewer, sel models.AudienceSelector) (*models.AudiencePreview, error) {
	if err := s.ValidateSendPermission(ctx, viewer, sel); err != nil {
		if appErrors.FromError(err).Code == appErrors.ErrForbidden.Code {
			return &models.AudiencePreview{Count: 0, CanSend: false, Message: "you do not have permission to send to this audience"}, nil
		}
		return nil, err
	}

	students, err := s.ResolveStudents(ctx, viewer.InstitutionID, sel)
	if err != nil {
		return nil, err
	}
	guardians, err := s.ResolveGuardians(ctx, students, true)
	if err != nil {
		return nil, err
	}
	return &models.AudiencePreview{
		Count:   len(guardians),
		CanSend: true,
		Message: fmt.Sprintf("this message reaches %d families", len(guardians)),
	}, nil
}

// CascadeOptions returns the next-level selector options for a dependent
// dropdown: campus lists school units, school unit lists grades, grade lists
// sections.
func (s *AudienceService) CascadeOptions(ctx context.Context, parentType models.AudienceType, parentValue, academicYearID string) ([]models.CascadeOption, error) {
	if parentValue == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "parent value is required")
	}
	switch parentType {
	case models.AudienceCampus:
		options, err := s.hierarchy.CascadeSchoolUnits(ctx, parentValue)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load school units")
		}
		return options, nil
	case models.AudienceSchoolUnit:
		options, err := s.hierarchy.CascadeGrades(ctx, parentValue)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load grades")
		}
		return options, nil
	case models.AudienceGrade:
		options, err := s.hierarchy.CascadeSections(ctx, parentValue, academicYearID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load sections")
		}
		return options, nil
	}
	return nil, appErrors.Clonef(appErrors.ErrValidation, "no cascade below %q", parentType)
}

// ValidateSendPermission enforces who may target which audience level.
// SYSTEM_MANAGER sends anywhere; SCHOOL_ADMIN anywhere but platform-wide;
// SCHOOL_MANAGER only within their own school units; TEACHER only to their
// assigned sections; everyone else is denied.
func (s *AudienceService) ValidateSendPermission(ctx context.Context, viewer Viewer, sel models.AudienceSelector) error {
	switch viewer.Role {
	case models.RoleSystemManager:
		return nil

	case models.RoleSchoolAdmin, models.RoleSecretary:
		return nil

	case models.RoleSchoolManager:
		return s.validateManagerScope(ctx, viewer, sel)

	case models.RoleTeacher:
		return s.validateTeacherScope(ctx, viewer, sel)
	}
	return appErrors.Clone(appErrors.ErrForbidden, "role cannot send communications")
}

func (s *AudienceService) validateManagerScope(ctx context.Context, viewer Viewer, sel models.AudienceSelector) error {
	if sel.Type == models.AudienceAllSchool {
		return appErrors.Clone(appErrors.ErrForbidden, "school managers cannot target the whole school")
	}

	staffMember, err := s.staff.FindByUserID(ctx, viewer.UserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrForbidden, "no staff record for user")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load staff record")
	}
	ownUnits, err := s.hierarchy.SchoolUnitIDsForStaff(ctx, staffMember.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load school units")
	}
	if len(ownUnits) == 0 {
		return appErrors.Clone(appErrors.ErrForbidden, "no school units assigned")
	}
	allowed := make(map[string]bool, len(ownUnits))
	for _, id := range ownUnits {
		allowed[id] = true
	}

	switch sel.Type {
	case models.AudienceCampus:
		return appErrors.Clone(appErrors.ErrForbidden, "school managers cannot target a whole campus")
	case models.AudienceSchoolUnit:
		if !allowed[sel.SchoolUnitID] {
			return appErrors.Clone(appErrors.ErrForbidden, "school unit outside your scope")
		}
		return nil
	case models.AudienceGrade:
		unit, err := s.hierarchy.SchoolUnitForGrade(ctx, sel.GradeID)
		if err != nil {
			if err == sql.ErrNoRows {
				return appErrors.Clone(appErrors.ErrNotFound, "grade not found")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load grade")
		}
		if !allowed[unit] {
			return appErrors.Clone(appErrors.ErrForbidden, "grade outside your scope")
		}
		return nil
	case models.AudienceSection:
		grade, err := s.hierarchy.GradeForSection(ctx, sel.SectionID)
		if err != nil {
			if err == sql.ErrNoRows {
				return appErrors.Clone(appErrors.ErrNotFound, "section not found")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load section")
		}
		unit, err := s.hierarchy.SchoolUnitForGrade(ctx, grade)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load grade")
		}
		if !allowed[unit] {
			return appErrors.Clone(appErrors.ErrForbidden, "section outside your scope")
		}
		return nil
	case models.AudienceCustom:
		return nil
	}
	return appErrors.Clonef(appErrors.ErrValidation, "unknown audience type %q", sel.Type)
}

func (s *AudienceService) validateTeacherScope(ctx context.Context, viewer Viewer, sel models.AudienceSelector) error {
	if sel.Type != models.AudienceSection && sel.Type != models.AudienceCustom {
		return appErrors.Clone(appErrors.ErrForbidden, "teachers can only target their own sections")
	}
	if sel.Type == models.AudienceCustom {
		return nil
	}

	staffMember, err := s.staff.FindByUserID(ctx, viewer.UserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrForbidden, "no staff record for user")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load staff record")
	}

	yearID := sel.AcademicYearID
	if yearID == "" {
		year, err := s.hierarchy.CurrentAcademicYear(ctx, viewer.InstitutionID)
		if err != nil {
			if err == sql.ErrNoRows {
				return appErrors.Clone(appErrors.ErrValidation, "no current academic year configured")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load academic year")
		}
		yearID = year.ID
	}

	sections, err := s.staff.SectionIDsForStaff(ctx, staffMember.ID, yearID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load section assignments")
	}
	for _, id := range sections {
		if id == sel.SectionID {
			return nil
		}
	}
	return appErrors.Clone(appErrors.ErrForbidden, "section is not assigned to you")
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
