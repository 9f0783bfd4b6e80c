package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/internal/query"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
)

type studentDirectory interface {
	List(ctx context.Context, institutionID string, access query.Expr, page, pageSize int) ([]models.Student, int, error)
}

type enrollmentHistoryReader interface {
	ListByStudent(ctx context.Context, studentID string) ([]models.Enrollment, error)
}

type studentAccessDecider interface {
	StudentFilter(ctx context.Context, viewer Viewer) Decision
}

// StudentService exposes the student directory. Every read goes through the
// viewer's row filter: staff see the tenant, teachers their sections' students,
// parents their own children.
type StudentService struct {
	students    studentDirectory
	enrollments enrollmentHistoryReader
	perms       studentAccessDecider
	logger      *zap.Logger
}

// NewStudentService constructs StudentService.
func NewStudentService(students studentDirectory, enrollments enrollmentHistoryReader, perms studentAccessDecider, logger *zap.Logger) *StudentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudentService{students: students, enrollments: enrollments, perms: perms, logger: logger}
}

// List returns the students visible to the viewer, paginated.
func (s *StudentService) List(ctx context.Context, viewer Viewer, page, pageSize int) ([]models.Student, *models.Pagination, error) {
	decision := s.perms.StudentFilter(ctx, viewer)
	if !decision.Allowed() {
		return nil, nil, decision.Err()
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	students, total, err := s.students.List(ctx, viewer.InstitutionID, decision.Filter, page, pageSize)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
	}
	pagination := &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}
	return students, pagination, nil
}

// Get returns a single student, applying the same row filter as List so a
// parent cannot fetch someone else's child by id.
func (s *StudentService) Get(ctx context.Context, viewer Viewer, id string) (*models.Student, error) {
	decision := s.perms.StudentFilter(ctx, viewer)
	if !decision.Allowed() {
		return nil, decision.Err()
	}
	access := query.And(decision.Filter, query.Eq("s.id", id))
	students, _, err := s.students.List(ctx, viewer.InstitutionID, access, 1, 1)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if len(students) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
	}
	return &students[0], nil
}

// Enrollments returns a visible student's enrollment history, newest first.
func (s *StudentService) Enrollments(ctx context.Context, viewer Viewer, studentID string) ([]models.Enrollment, error) {
	if _, err := s.Get(ctx, viewer, studentID); err != nil {
		return nil, err
	}
	enrollments, err := s.enrollments.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	return enrollments, nil
}
