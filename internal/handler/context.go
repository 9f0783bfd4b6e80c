package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/franorzabal-hub/kairos-api/internal/middleware"
	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/internal/service"
)

// currentViewer extracts the acting user from the gin context. The zero
// Viewer means the route skipped authentication.
func currentViewer(c *gin.Context) service.Viewer {
	claimsValue, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return service.Viewer{}
	}
	claims, ok := claimsValue.(*models.JWTClaims)
	if !ok {
		return service.Viewer{}
	}
	return service.Viewer{
		UserID:        claims.UserID,
		Role:          claims.Role,
		InstitutionID: claims.InstitutionID,
	}
}
