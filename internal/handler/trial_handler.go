package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/franorzabal-hub/kairos-api/internal/service"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
	"github.com/franorzabal-hub/kairos-api/pkg/response"
)

// TrialHandler exposes trial lifecycle management for institutions.
type TrialHandler struct {
	trial *service.TrialService
}

// NewTrialHandler constructs TrialHandler.
func NewTrialHandler(trial *service.TrialService) *TrialHandler {
	return &TrialHandler{trial: trial}
}

type trialLifecycleRequest struct {
	InstitutionID string `json:"institution_id"`
	Days          int    `json:"days"`
}

func (h *TrialHandler) institutionID(c *gin.Context, requested string) string {
	if requested != "" {
		return requested
	}
	return currentViewer(c).InstitutionID
}

// Status godoc
// @Summary Trial status for an institution
// @Tags Trial
// @Produce json
// @Param institution_id query string false "Institution ID, defaults to the caller's"
// @Success 200 {object} response.Envelope
// @Router /trial/status [get]
func (h *TrialHandler) Status(c *gin.Context) {
	id := h.institutionID(c, c.Query("institution_id"))
	if id == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "institution_id is required"))
		return
	}
	info, err := h.trial.Status(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, info, nil)
}

// Start godoc
// @Summary Start a trial for an institution
// @Tags Trial
// @Accept json
// @Produce json
// @Param payload body trialLifecycleRequest true "Institution and duration"
// @Success 200 {object} response.Envelope
// @Router /trial/start [post]
func (h *TrialHandler) Start(c *gin.Context) {
	var req trialLifecycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	id := h.institutionID(c, req.InstitutionID)
	info, err := h.trial.Start(c.Request.Context(), id, currentViewer(c).UserID, req.Days)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, info, nil)
}

// Extend godoc
// @Summary Extend an institution's trial
// @Tags Trial
// @Accept json
// @Produce json
// @Param payload body trialLifecycleRequest true "Institution and extension days"
// @Success 200 {object} response.Envelope
// @Router /trial/extend [post]
func (h *TrialHandler) Extend(c *gin.Context) {
	var req trialLifecycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	id := h.institutionID(c, req.InstitutionID)
	info, err := h.trial.Extend(c.Request.Context(), id, currentViewer(c).UserID, req.Days)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, info, nil)
}

// Convert godoc
// @Summary Convert a trial institution to a paying customer
// @Tags Trial
// @Accept json
// @Produce json
// @Param payload body trialLifecycleRequest true "Institution"
// @Success 200 {object} response.Envelope
// @Router /trial/convert [post]
func (h *TrialHandler) Convert(c *gin.Context) {
	var req trialLifecycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	id := h.institutionID(c, req.InstitutionID)
	info, err := h.trial.Convert(c.Request.Context(), id, currentViewer(c).UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, info, nil)
}

// CheckAccess godoc
// @Summary Whether the caller can perform writes under the trial gate
// @Tags Trial
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /trial/check-access [get]
func (h *TrialHandler) CheckAccess(c *gin.Context) {
	access, err := h.trial.CheckAccess(c.Request.Context(), currentViewer(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, access, nil)
}
