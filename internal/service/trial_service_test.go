package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/pkg/config"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
	"github.com/franorzabal-hub/kairos-api/pkg/jobs"
)

type mockInstitutionRepo struct {
	institutions map[string]*models.Institution
	statusWrites map[string]models.TrialStatus
	auditLogs    []models.AuditLog
	mailWarnFrom time.Time
	mailWarnTo   time.Time
}

func (m *mockInstitutionRepo) FindByID(ctx context.Context, id string) (*models.Institution, error) {
	if inst, ok := m.institutions[id]; ok {
		copied := *inst
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockInstitutionRepo) UpdateTrial(ctx context.Context, id string, isTrial bool, status models.TrialStatus, startedAt, expiresAt *time.Time) error {
	inst, ok := m.institutions[id]
	if !ok {
		return sql.ErrNoRows
	}
	inst.IsTrial = isTrial
	inst.TrialStatus = status
	inst.TrialStartedAt = startedAt
	inst.TrialExpiresAt = expiresAt
	return nil
}

func (m *mockInstitutionRepo) SetTrialStatus(ctx context.Context, id string, status models.TrialStatus) error {
	if m.statusWrites == nil {
		m.statusWrites = make(map[string]models.TrialStatus)
	}
	m.statusWrites[id] = status
	if inst, ok := m.institutions[id]; ok {
		inst.TrialStatus = status
	}
	return nil
}

func (m *mockInstitutionRepo) ListExpiredTrials(ctx context.Context, now time.Time) ([]models.Institution, error) {
	var out []models.Institution
	for _, inst := range m.institutions {
		if inst.IsTrial && inst.TrialStatus == models.TrialStatusActive && inst.TrialExpiresAt != nil && inst.TrialExpiresAt.Before(now) {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (m *mockInstitutionRepo) ListExpiringTrials(ctx context.Context, from, to time.Time) ([]models.Institution, error) {
	m.mailWarnFrom, m.mailWarnTo = from, to
	var out []models.Institution
	for _, inst := range m.institutions {
		if inst.IsTrial && inst.TrialStatus == models.TrialStatusActive && inst.TrialExpiresAt != nil &&
			inst.TrialExpiresAt.After(from) && inst.TrialExpiresAt.Before(to) {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (m *mockInstitutionRepo) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.auditLogs = append(m.auditLogs, *log)
	return nil
}

type mockQueue struct {
	jobs []jobs.Job
}

func (m *mockQueue) Enqueue(job jobs.Job) error {
	m.jobs = append(m.jobs, job)
	return nil
}

func timeptr(t time.Time) *time.Time { return &t }

func newTrialFixture(now time.Time) (*TrialService, *mockInstitutionRepo, *mockQueue, *memoryCache) {
	repo := &mockInstitutionRepo{institutions: map[string]*models.Institution{}}
	queue := &mockQueue{}
	cacheStore := &memoryCache{entries: make(map[string][]byte)}

	svc := NewTrialService(repo, cacheStore, queue, nil, config.TrialConfig{
		DurationDays:    14,
		WarningDays:     3,
		MaxExtensionDay: 30,
		StatusCacheTTL:  time.Minute,
	}, nil)
	svc.now = func() time.Time { return now }
	return svc, repo, queue, cacheStore
}

func TestIsExpiredLazyDetection(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, repo, queue, _ := newTrialFixture(now)
	repo.institutions["inst-1"] = &models.Institution{
		ID:             "inst-1",
		IsTrial:        true,
		TrialStatus:    models.TrialStatusActive,
		TrialExpiresAt: timeptr(now.Add(-time.Hour)),
	}

	expired, err := svc.IsExpired(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.True(t, expired, "stale ACTIVE past expiry counts as expired immediately")

	// The authoritative write rides the queue.
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, JobTypeTrialWriteBack, queue.jobs[0].Type)
}

func TestIsExpiredCachesResult(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, repo, _, cacheStore := newTrialFixture(now)
	repo.institutions["inst-1"] = &models.Institution{
		ID:             "inst-1",
		IsTrial:        true,
		TrialStatus:    models.TrialStatusActive,
		TrialExpiresAt: timeptr(now.Add(48 * time.Hour)),
	}

	expired, err := svc.IsExpired(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, 1, cacheStore.sets)

	// Second call answers from cache without touching the repo.
	delete(repo.institutions, "inst-1")
	expired, err = svc.IsExpired(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestIsExpiredNonTrial(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, repo, queue, _ := newTrialFixture(now)
	repo.institutions["inst-1"] = &models.Institution{ID: "inst-1", IsTrial: false}
	repo.institutions["inst-2"] = &models.Institution{
		ID:             "inst-2",
		IsTrial:        true,
		TrialStatus:    models.TrialStatusConverted,
		TrialExpiresAt: timeptr(now.Add(-time.Hour)),
	}

	for _, id := range []string{"inst-1", "inst-2"} {
		expired, err := svc.IsExpired(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, expired, id)
	}
	assert.Empty(t, queue.jobs)
}

func TestHandleWriteBackRechecks(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, repo, _, _ := newTrialFixture(now)
	// Extension landed between detection and the job run.
	repo.institutions["inst-1"] = &models.Institution{
		ID:             "inst-1",
		IsTrial:        true,
		TrialStatus:    models.TrialStatusActive,
		TrialExpiresAt: timeptr(now.Add(72 * time.Hour)),
	}

	err := svc.HandleWriteBack(context.Background(), jobs.Job{
		ID:      "job-1",
		Type:    JobTypeTrialWriteBack,
		Payload: TrialWriteBackPayload{InstitutionID: "inst-1", Status: models.TrialStatusExpired},
	})
	require.NoError(t, err)
	assert.Empty(t, repo.statusWrites, "no write when the trial is no longer expired")

	repo.institutions["inst-1"].TrialExpiresAt = timeptr(now.Add(-time.Hour))
	err = svc.HandleWriteBack(context.Background(), jobs.Job{
		ID:      "job-2",
		Type:    JobTypeTrialWriteBack,
		Payload: TrialWriteBackPayload{InstitutionID: "inst-1", Status: models.TrialStatusExpired},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TrialStatusExpired, repo.statusWrites["inst-1"])
}

func TestStartTrial(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, repo, _, _ := newTrialFixture(now)
	repo.institutions["inst-1"] = &models.Institution{ID: "inst-1", Name: "Colegio Norte"}

	info, err := svc.Start(context.Background(), "inst-1", "admin-1", 0)
	require.NoError(t, err)
	assert.True(t, info.IsTrial)
	assert.Equal(t, models.TrialStatusActive, info.TrialStatus)
	require.NotNil(t, info.TrialExpiresAt)
	assert.Equal(t, now.Add(14*24*time.Hour), *info.TrialExpiresAt)

	require.Len(t, repo.auditLogs, 1)
	assert.Equal(t, "trial_start", repo.auditLogs[0].Action)

	_, err = svc.Start(context.Background(), "inst-1", "admin-1", 0)
	assert.True(t, errors.Is(err, appErrors.ErrStateConflict))
}

func TestExtendActiveTrialFromExpiry(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	expiry := now.Add(5 * 24 * time.Hour)
	svc, repo, _, _ := newTrialFixture(now)
	repo.institutions["inst-1"] = &models.Institution{
		ID:             "inst-1",
		IsTrial:        true,
		TrialStatus:    models.TrialStatusActive,
		TrialStartedAt: timeptr(now.Add(-9 * 24 * time.Hour)),
		TrialExpiresAt: timeptr(expiry),
	}

	info, err := svc.Extend(context.Background(), "inst-1", "admin-1", 7)
	require.NoError(t, err)
	require.NotNil(t, info.TrialExpiresAt)
	assert.Equal(t, expiry.Add(7*24*time.Hour), *info.TrialExpiresAt)
}

func TestExtendExpiredTrialFromNow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, repo, _, _ := newTrialFixture(now)
	repo.institutions["inst-1"] = &models.Institution{
		ID:             "inst-1",
		IsTrial:        true,
		TrialStatus:    models.TrialStatusExpired,
		TrialExpiresAt: timeptr(now.Add(-10 * 24 * time.Hour)),
	}

	info, err := svc.Extend(context.Background(), "inst-1", "admin-1", 7)
	require.NoError(t, err)
	require.NotNil(t, info.TrialExpiresAt)
	assert.Equal(t, now.Add(7*24*time.Hour), *info.TrialExpiresAt)
	assert.Equal(t, models.TrialStatusActive, info.TrialStatus, "extension resurrects an expired trial")
}

func TestExtendValidatesRange(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, repo, _, _ := newTrialFixture(now)
	repo.institutions["inst-1"] = &models.Institution{ID: "inst-1", IsTrial: true, TrialStatus: models.TrialStatusActive}

	for _, days := range []int{0, -1, 31} {
		_, err := svc.Extend(context.Background(), "inst-1", "admin-1", days)
		assert.True(t, errors.Is(err, appErrors.ErrValidation), "days=%d", days)
	}
}

func TestConvertIsTerminal(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, repo, _, _ := newTrialFixture(now)
	repo.institutions["inst-1"] = &models.Institution{
		ID:             "inst-1",
		IsTrial:        true,
		TrialStatus:    models.TrialStatusActive,
		TrialExpiresAt: timeptr(now.Add(-time.Hour)),
	}

	info, err := svc.Convert(context.Background(), "inst-1", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.TrialStatusConverted, info.TrialStatus)
	assert.False(t, info.IsExpired)

	_, err = svc.Convert(context.Background(), "inst-1", "admin-1")
	assert.True(t, errors.Is(err, appErrors.ErrStateConflict))

	_, err = svc.Extend(context.Background(), "inst-1", "admin-1", 7)
	assert.True(t, errors.Is(err, appErrors.ErrStateConflict))

	expired, err := svc.IsExpired(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestStatusWarningPeriod(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, repo, _, _ := newTrialFixture(now)
	repo.institutions["inst-1"] = &models.Institution{
		ID:             "inst-1",
		Name:           "Colegio Norte",
		IsTrial:        true,
		TrialStatus:    models.TrialStatusActive,
		TrialExpiresAt: timeptr(now.Add(2 * 24 * time.Hour)),
	}

	info, err := svc.Status(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.False(t, info.IsExpired)
	assert.True(t, info.IsWarningPeriod)
	assert.Equal(t, 2, info.DaysRemaining)
}

func TestCheckAccessSystemManager(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, _, _, _ := newTrialFixture(now)

	access, err := svc.CheckAccess(context.Background(), Viewer{UserID: "u1", Role: models.RoleSystemManager})
	require.NoError(t, err)
	assert.True(t, access.HasFullAccess)
}

func TestSweepMarksExpired(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, repo, _, _ := newTrialFixture(now)
	repo.institutions["expired"] = &models.Institution{
		ID:             "expired",
		IsTrial:        true,
		TrialStatus:    models.TrialStatusActive,
		TrialExpiresAt: timeptr(now.Add(-24 * time.Hour)),
	}
	repo.institutions["healthy"] = &models.Institution{
		ID:             "healthy",
		IsTrial:        true,
		TrialStatus:    models.TrialStatusActive,
		TrialExpiresAt: timeptr(now.Add(30 * 24 * time.Hour)),
	}

	require.NoError(t, svc.Sweep(context.Background()))
	assert.Equal(t, models.TrialStatusExpired, repo.statusWrites["expired"])
	_, touched := repo.statusWrites["healthy"]
	assert.False(t, touched)
}

func TestSweepFlushesStatusCache(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, repo, _, cacheStore := newTrialFixture(now)
	repo.institutions["inst-1"] = &models.Institution{
		ID:             "inst-1",
		IsTrial:        true,
		TrialStatus:    models.TrialStatusActive,
		TrialExpiresAt: timeptr(now.Add(-24 * time.Hour)),
	}
	require.NoError(t, cacheStore.Set(context.Background(), "trial_status:inst-1", false, time.Minute))
	require.NoError(t, cacheStore.Set(context.Background(), "viewer_scope:u1", []string{"stu-1"}, time.Minute))

	require.NoError(t, svc.Sweep(context.Background()))

	_, cached := cacheStore.entries["trial_status:inst-1"]
	assert.False(t, cached, "the sweep drops every cached trial status")
	_, kept := cacheStore.entries["viewer_scope:u1"]
	assert.True(t, kept, "unrelated keys survive the flush")
}
