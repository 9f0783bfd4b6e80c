package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/franorzabal-hub/kairos-api/internal/models"
)

type stubTrialChecker struct {
	expired bool
	err     error
	calls   int
}

func (s *stubTrialChecker) IsExpired(ctx context.Context, institutionID string) (bool, error) {
	s.calls++
	return s.expired, s.err
}

type stubTrialMetrics struct {
	checks int
	blocks int
}

func (s *stubTrialMetrics) RecordTrialCheck(expired bool) { s.checks++ }
func (s *stubTrialMetrics) RecordTrialBlock()             { s.blocks++ }

func trialRouter(checker *stubTrialChecker, metrics *stubTrialMetrics, claims *models.JWTClaims) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if claims != nil {
			c.Set(ContextUserKey, claims)
		}
	})
	router.Use(TrialGate(checker, metrics, "/api/v1", nil))
	handler := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	router.GET("/api/v1/messages", handler)
	router.POST("/api/v1/messages", handler)
	router.POST("/api/v1/trial/extend", handler)
	router.POST("/api/v1/auth/login", handler)
	return router
}

func adminClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "u1", Role: models.RoleSchoolAdmin, InstitutionID: "inst-1"}
}

func TestTrialGateBlocksMutationsWhenExpired(t *testing.T) {
	checker := &stubTrialChecker{expired: true}
	metrics := &stubTrialMetrics{}
	router := trialRouter(checker, metrics, adminClaims())

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil))

	assert.Equal(t, http.StatusForbidden, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "TRIAL_EXPIRED")
	assert.Equal(t, 1, metrics.checks)
	assert.Equal(t, 1, metrics.blocks)
}

func TestTrialGateAllowsReads(t *testing.T) {
	checker := &stubTrialChecker{expired: true}
	router := trialRouter(checker, nil, adminClaims())

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/messages", nil))

	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Equal(t, 0, checker.calls, "reads skip the trial check")
}

func TestTrialGateAllowListedPaths(t *testing.T) {
	checker := &stubTrialChecker{expired: true}
	router := trialRouter(checker, nil, adminClaims())

	for _, path := range []string{"/api/v1/trial/extend", "/api/v1/auth/login"} {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusNoContent, recorder.Code, path)
	}
	assert.Equal(t, 0, checker.calls)
}

func TestTrialGateAllowListFollowsAPIPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	checker := &stubTrialChecker{expired: true}
	router := gin.New()
	router.Use(func(c *gin.Context) { c.Set(ContextUserKey, adminClaims()) })
	router.Use(TrialGate(checker, nil, "/api/v2", nil))
	handler := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	router.POST("/api/v2/trial/extend", handler)
	router.POST("/api/v2/messages", handler)

	// The trial endpoints stay reachable under the configured prefix.
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/v2/trial/extend", nil))
	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Equal(t, 0, checker.calls)

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/v2/messages", nil))
	assert.Equal(t, http.StatusForbidden, recorder.Code)
}

func TestTrialGateSystemManagerBypasses(t *testing.T) {
	checker := &stubTrialChecker{expired: true}
	claims := &models.JWTClaims{UserID: "root", Role: models.RoleSystemManager}
	router := trialRouter(checker, nil, claims)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil))

	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Equal(t, 0, checker.calls)
}

func TestTrialGateAllowsActiveTrial(t *testing.T) {
	checker := &stubTrialChecker{expired: false}
	metrics := &stubTrialMetrics{}
	router := trialRouter(checker, metrics, adminClaims())

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil))

	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Equal(t, 1, metrics.checks)
	assert.Equal(t, 0, metrics.blocks)
}

func TestTrialGateFailsOpen(t *testing.T) {
	checker := &stubTrialChecker{err: errors.New("redis down")}
	router := trialRouter(checker, nil, adminClaims())

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil))

	assert.Equal(t, http.StatusNoContent, recorder.Code)
}

func TestTrialGateSkipsAnonymous(t *testing.T) {
	checker := &stubTrialChecker{expired: true}
	router := trialRouter(checker, nil, nil)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil))

	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Equal(t, 0, checker.calls)
}
