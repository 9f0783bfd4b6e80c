package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/internal/query"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
)

// DecisionKind is the single-record outcome of a permission evaluation.
type DecisionKind string

const (
	DecisionUnauthenticated DecisionKind = "UNAUTHENTICATED"
	DecisionNoInstitution   DecisionKind = "NO_INSTITUTION"
	DecisionDenied          DecisionKind = "DENIED"
	DecisionAllowed         DecisionKind = "ALLOWED"
)

// Decision carries the outcome and, when allowed, the row filter the caller
// must apply.
type Decision struct {
	Kind   DecisionKind
	Reason string
	Filter query.Expr
}

// Allowed reports whether the evaluation granted access.
func (d Decision) Allowed() bool { return d.Kind == DecisionAllowed }

// Err maps a non-allowed decision to the matching domain error.
func (d Decision) Err() error {
	switch d.Kind {
	case DecisionAllowed:
		return nil
	case DecisionUnauthenticated:
		return appErrors.Clone(appErrors.ErrUnauthorized, d.Reason)
	case DecisionNoInstitution:
		return appErrors.Clone(appErrors.ErrForbidden, "user has no institution")
	default:
		return appErrors.Clone(appErrors.ErrForbidden, d.Reason)
	}
}

// ViewerScope is the hierarchy footprint of a viewer: for a parent, the
// positions of their children; for a teacher, their assigned sections.
type ViewerScope struct {
	StudentIDs []string `json:"student_ids"`
	CampusIDs  []string `json:"campus_ids"`
	GradeIDs   []string `json:"grade_ids"`
	SectionIDs []string `json:"section_ids"`
}

type guardianScopeReader interface {
	FindByUserID(ctx context.Context, userID string) (*models.Guardian, error)
	StudentIDsByGuardian(ctx context.Context, guardianID string) ([]string, error)
}

type studentScopeReader interface {
	ScopesByIDs(ctx context.Context, ids []string) ([]models.StudentScope, error)
}

type scopeCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// PermissionService evaluates row-level access. It never returns an
// unrestricted filter for a viewer whose scope could not be established.
type PermissionService struct {
	guardians guardianScopeReader
	students  studentScopeReader
	staff     staffSectionReader
	hierarchy hierarchyReader
	cache     scopeCache
	cacheTTL  time.Duration
	logger    *zap.Logger
}

// NewPermissionService constructs PermissionService.
func NewPermissionService(guardians guardianScopeReader, students studentScopeReader, staff staffSectionReader, hierarchy hierarchyReader, cache scopeCache, cacheTTL time.Duration, logger *zap.Logger) *PermissionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &PermissionService{guardians: guardians, students: students, staff: staff, hierarchy: hierarchy, cache: cache, cacheTTL: cacheTTL, logger: logger}
}

func scopeCacheKey(userID string) string {
	return fmt.Sprintf("viewer_scope:%s", userID)
}

// InvalidateViewerScope drops the cached scope after guardian-link or
// assignment changes.
func (s *PermissionService) InvalidateViewerScope(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, scopeCacheKey(userID)); err != nil {
		s.logger.Warn("failed to invalidate viewer scope", zap.String("user_id", userID), zap.Error(err))
	}
}

// Scope resolves and caches the viewer's hierarchy footprint.
func (s *PermissionService) Scope(ctx context.Context, viewer Viewer) (*ViewerScope, error) {
	if s.cache != nil {
		var cached ViewerScope
		if err := s.cache.Get(ctx, scopeCacheKey(viewer.UserID), &cached); err == nil {
			return &cached, nil
		}
	}

	scope, err := s.loadScope(ctx, viewer)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, scopeCacheKey(viewer.UserID), scope, s.cacheTTL); err != nil {
			s.logger.Warn("failed to cache viewer scope", zap.String("user_id", viewer.UserID), zap.Error(err))
		}
	}
	return scope, nil
}

func (s *PermissionService) loadScope(ctx context.Context, viewer Viewer) (*ViewerScope, error) {
	switch viewer.Role {
	case models.RoleParent:
		return s.loadParentScope(ctx, viewer)
	case models.RoleTeacher:
		return s.loadTeacherScope(ctx, viewer)
	}
	return &ViewerScope{}, nil
}

func (s *PermissionService) loadParentScope(ctx context.Context, viewer Viewer) (*ViewerScope, error) {
	guardian, err := s.guardians.FindByUserID(ctx, viewer.UserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return &ViewerScope{}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load guardian")
	}
	studentIDs, err := s.guardians.StudentIDsByGuardian(ctx, guardian.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load guardian links")
	}
	if len(studentIDs) == 0 {
		return &ViewerScope{}, nil
	}
	scopes, err := s.students.ScopesByIDs(ctx, studentIDs)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student scopes")
	}

	out := &ViewerScope{StudentIDs: studentIDs}
	campuses := map[string]struct{}{}
	grades := map[string]struct{}{}
	sections := map[string]struct{}{}
	for _, sc := range scopes {
		if sc.CampusID != nil {
			campuses[*sc.CampusID] = struct{}{}
		}
		if sc.CurrentGradeID != nil {
			grades[*sc.CurrentGradeID] = struct{}{}
		}
		if sc.CurrentSectionID != nil {
			sections[*sc.CurrentSectionID] = struct{}{}
		}
	}
	out.CampusIDs = keys(campuses)
	out.GradeIDs = keys(grades)
	out.SectionIDs = keys(sections)
	return out, nil
}

func (s *PermissionService) loadTeacherScope(ctx context.Context, viewer Viewer) (*ViewerScope, error) {
	staffMember, err := s.staff.FindByUserID(ctx, viewer.UserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return &ViewerScope{}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load staff record")
	}

	year, err := s.hierarchy.CurrentAcademicYear(ctx, viewer.InstitutionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return &ViewerScope{}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load academic year")
	}
	sections, err := s.staff.SectionIDsForStaff(ctx, staffMember.ID, year.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load section assignments")
	}
	return &ViewerScope{SectionIDs: sections}, nil
}

// StudentFilter decides whether the viewer may list students and, if so,
// which rows. Staff see the whole tenant, teachers their sections' students,
// parents their own children.
func (s *PermissionService) StudentFilter(ctx context.Context, viewer Viewer) Decision {
	if viewer.UserID == "" {
		return Decision{Kind: DecisionUnauthenticated, Reason: "authentication required"}
	}
	if viewer.InstitutionID == "" && viewer.Role != models.RoleSystemManager {
		return Decision{Kind: DecisionNoInstitution}
	}

	if viewer.Role.IsStaff() {
		return Decision{Kind: DecisionAllowed, Filter: query.AllowAll()}
	}

	scope, err := s.Scope(ctx, viewer)
	if err != nil {
		return Decision{Kind: DecisionDenied, Reason: "failed to resolve viewer scope"}
	}

	switch viewer.Role {
	case models.RoleTeacher:
		return Decision{Kind: DecisionAllowed, Filter: query.StringsIn("current_section_id", scope.SectionIDs)}
	case models.RoleParent:
		return Decision{Kind: DecisionAllowed, Filter: query.StringsIn("id", scope.StudentIDs)}
	}
	return Decision{Kind: DecisionDenied, Reason: "role cannot list students"}
}

// RecipientFilter restricts a message's recipient listing: staff see every
// row, a parent sees only their own.
func (s *PermissionService) RecipientFilter(ctx context.Context, viewer Viewer) Decision {
	if viewer.UserID == "" {
		return Decision{Kind: DecisionUnauthenticated, Reason: "authentication required"}
	}
	if viewer.Role.IsStaff() {
		return Decision{Kind: DecisionAllowed, Filter: query.AllowAll()}
	}
	if viewer.Role == models.RoleParent {
		guardian, err := s.guardians.FindByUserID(ctx, viewer.UserID)
		if err != nil {
			if err == sql.ErrNoRows {
				return Decision{Kind: DecisionAllowed, Filter: query.DenyAll()}
			}
			return Decision{Kind: DecisionDenied, Reason: "failed to resolve guardian"}
		}
		return Decision{Kind: DecisionAllowed, Filter: query.Eq("mr.guardian_id", guardian.ID)}
	}
	return Decision{Kind: DecisionDenied, Reason: "role cannot view recipients"}
}

// ContentFilter restricts news and event listings. Staff see everything.
// Parents see only published content whose scope intersects their children's
// hierarchy positions; a parent with no resolvable scope sees nothing.
func (s *PermissionService) ContentFilter(ctx context.Context, viewer Viewer) Decision {
	if viewer.UserID == "" {
		return Decision{Kind: DecisionUnauthenticated, Reason: "authentication required"}
	}
	if viewer.InstitutionID == "" && viewer.Role != models.RoleSystemManager {
		return Decision{Kind: DecisionNoInstitution}
	}

	if viewer.Role.IsStaff() {
		return Decision{Kind: DecisionAllowed, Filter: query.AllowAll()}
	}

	scope, err := s.Scope(ctx, viewer)
	if err != nil {
		return Decision{Kind: DecisionDenied, Reason: "failed to resolve viewer scope"}
	}

	switch viewer.Role {
	case models.RoleTeacher:
		branches := []query.Expr{
			query.Eq("scope_type", string(models.ScopeInstitution)),
			query.And(
				query.Eq("scope_type", string(models.ScopeSection)),
				query.StringsIn("section_id", scope.SectionIDs),
			),
		}
		return Decision{Kind: DecisionAllowed, Filter: query.Or(branches...)}

	case models.RoleParent:
		branches := []query.Expr{
			query.Eq("scope_type", string(models.ScopeInstitution)),
			query.And(
				query.Eq("scope_type", string(models.ScopeCampus)),
				query.StringsIn("campus_id", scope.CampusIDs),
			),
			query.And(
				query.Eq("scope_type", string(models.ScopeGrade)),
				query.StringsIn("grade_id", scope.GradeIDs),
			),
			query.And(
				query.Eq("scope_type", string(models.ScopeSection)),
				query.StringsIn("section_id", scope.SectionIDs),
			),
		}
		if len(scope.StudentIDs) == 0 {
			// No children linked: nothing at any level, including
			// institution-wide content.
			return Decision{Kind: DecisionAllowed, Filter: query.DenyAll()}
		}
		published := query.Eq("status", "PUBLISHED")
		return Decision{Kind: DecisionAllowed, Filter: query.And(published, query.Or(branches...))}
	}
	return Decision{Kind: DecisionDenied, Reason: "role cannot view content"}
}

// RSVPAccess decides whether the viewer may respond to events.
func (s *PermissionService) RSVPAccess(ctx context.Context, viewer Viewer) Decision {
	if viewer.UserID == "" {
		return Decision{Kind: DecisionUnauthenticated, Reason: "authentication required"}
	}
	if viewer.Role != models.RoleParent {
		return Decision{Kind: DecisionDenied, Reason: "only guardians respond to events"}
	}
	return Decision{Kind: DecisionAllowed, Filter: query.AllowAll()}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
