package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/internal/service"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
	"github.com/franorzabal-hub/kairos-api/pkg/response"
)

// AudienceHandler exposes audience resolution and preview.
type AudienceHandler struct {
	audience *service.AudienceService
}

// NewAudienceHandler constructs AudienceHandler.
func NewAudienceHandler(audience *service.AudienceService) *AudienceHandler {
	return &AudienceHandler{audience: audience}
}

// Resolve godoc
// @Summary Resolve an audience selector to guardian (and optionally student) IDs
// @Tags Audience
// @Accept json
// @Produce json
// @Param payload body models.AudienceSelector true "Audience selector"
// @Param include_students query bool false "Include student IDs in the result"
// @Success 200 {object} response.Envelope
// @Router /audience/resolve [post]
func (h *AudienceHandler) Resolve(c *gin.Context) {
	var sel models.AudienceSelector
	if err := c.ShouldBindJSON(&sel); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	includeStudents, _ := strconv.ParseBool(c.DefaultQuery("include_students", "false"))
	respectPreferences, _ := strconv.ParseBool(c.DefaultQuery("respect_preferences", "true"))

	viewer := currentViewer(c)
	if err := h.audience.ValidateSendPermission(c.Request.Context(), viewer, sel); err != nil {
		response.Error(c, err)
		return
	}
	resolution, err := h.audience.Resolve(c.Request.Context(), viewer.InstitutionID, sel, includeStudents, respectPreferences)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resolution, nil)
}

// Preview godoc
// @Summary Preview how many families a selector reaches
// @Tags Audience
// @Accept json
// @Produce json
// @Param payload body models.AudienceSelector true "Audience selector"
// @Success 200 {object} response.Envelope
// @Router /audience/preview [post]
func (h *AudienceHandler) Preview(c *gin.Context) {
	var sel models.AudienceSelector
	if err := c.ShouldBindJSON(&sel); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	preview, err := h.audience.Preview(c.Request.Context(), currentViewer(c), sel)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, preview, nil)
}

// Cascade godoc
// @Summary List child options for a hierarchy node
// @Tags Audience
// @Produce json
// @Param parent_type query string true "Parent audience type"
// @Param parent_value query string false "Parent node ID"
// @Param academic_year_id query string false "Academic year"
// @Success 200 {object} response.Envelope
// @Router /audience/cascade [get]
func (h *AudienceHandler) Cascade(c *gin.Context) {
	parentType := models.AudienceType(strings.ToUpper(c.Query("parent_type")))
	if parentType == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "parent_type is required"))
		return
	}
	options, err := h.audience.CascadeOptions(c.Request.Context(), parentType, c.Query("parent_value"), c.Query("academic_year_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, options, nil)
}
