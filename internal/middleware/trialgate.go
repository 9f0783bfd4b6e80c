package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
	"github.com/franorzabal-hub/kairos-api/pkg/response"
)

type trialChecker interface {
	IsExpired(ctx context.Context, institutionID string) (bool, error)
}

type trialMetrics interface {
	RecordTrialCheck(expired bool)
	RecordTrialBlock()
}

// trialAllowList builds the path prefixes that stay writable after trial
// expiry under the configured API prefix: signing in, managing the trial
// itself, and billing must keep working so the tenant can recover.
func trialAllowList(apiPrefix string) []string {
	prefix := strings.TrimSuffix(apiPrefix, "/")
	return []string{
		prefix + "/auth",
		prefix + "/trial",
		prefix + "/billing",
	}
}

func allowListed(allow []string, path string) bool {
	for _, prefix := range allow {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// TrialGate blocks mutating requests for tenants with an expired trial.
// Reads are never blocked and SYSTEM_MANAGER bypasses entirely.
func TrialGate(trial trialChecker, metrics trialMetrics, apiPrefix string, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	allow := trialAllowList(apiPrefix)
	return func(c *gin.Context) {
		if !mutating(c.Request.Method) || allowListed(allow, c.Request.URL.Path) {
			c.Next()
			return
		}

		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			c.Next()
			return
		}
		claims := claimsValue.(*models.JWTClaims)
		if claims.Role == models.RoleSystemManager || claims.InstitutionID == "" {
			c.Next()
			return
		}

		expired, err := trial.IsExpired(c.Request.Context(), claims.InstitutionID)
		if err != nil {
			// Availability over strictness: an unreadable trial state
			// never blocks the tenant.
			logger.Warn("trial check failed, allowing request",
				zap.String("institution_id", claims.InstitutionID), zap.Error(err))
			c.Next()
			return
		}
		if metrics != nil {
			metrics.RecordTrialCheck(expired)
		}
		if expired {
			if metrics != nil {
				metrics.RecordTrialBlock()
			}
			response.Error(c, appErrors.ErrTrialExpired)
			c.Abort()
			return
		}
		c.Next()
	}
}
