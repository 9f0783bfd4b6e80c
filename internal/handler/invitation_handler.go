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

// InvitationHandler exposes the guardian invitation workflow.
type InvitationHandler struct {
	invitations *service.InvitationService
}

// NewInvitationHandler constructs InvitationHandler.
func NewInvitationHandler(invitations *service.InvitationService) *InvitationHandler {
	return &InvitationHandler{invitations: invitations}
}

// Create godoc
// @Summary Invite a guardian to follow students
// @Tags Invitations
// @Accept json
// @Produce json
// @Param payload body service.CreateInviteRequest true "Invitation payload"
// @Success 201 {object} response.Envelope
// @Router /invitations [post]
func (h *InvitationHandler) Create(c *gin.Context) {
	var req service.CreateInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	viewer := currentViewer(c)
	if req.InstitutionID == "" {
		req.InstitutionID = viewer.InstitutionID
	}
	view, err := h.invitations.Create(c.Request.Context(), viewer.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, view)
}

// Get godoc
// @Summary Preview an invitation by token
// @Tags Invitations
// @Produce json
// @Param token path string true "Invitation token"
// @Success 200 {object} response.Envelope
// @Router /invitations/{token} [get]
func (h *InvitationHandler) Get(c *gin.Context) {
	view, err := h.invitations.Get(c.Request.Context(), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// Accept godoc
// @Summary Accept an invitation and link the guardian to its students
// @Tags Invitations
// @Accept json
// @Produce json
// @Param payload body service.AcceptInviteRequest true "Acceptance payload"
// @Success 200 {object} response.Envelope
// @Router /invitations/accept [post]
func (h *InvitationHandler) Accept(c *gin.Context) {
	var req service.AcceptInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.invitations.Accept(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Revoke godoc
// @Summary Revoke a pending invitation
// @Tags Invitations
// @Produce json
// @Param id path string true "Invitation ID"
// @Success 204 {object} nil
// @Router /invitations/{id} [delete]
func (h *InvitationHandler) Revoke(c *gin.Context) {
	if err := h.invitations.Revoke(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Resend godoc
// @Summary Resend an invitation, extending its expiry
// @Tags Invitations
// @Produce json
// @Param id path string true "Invitation ID"
// @Param days query int false "Days of validity from now"
// @Success 200 {object} response.Envelope
// @Router /invitations/{id}/resend [post]
func (h *InvitationHandler) Resend(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "0"))
	view, err := h.invitations.Resend(c.Request.Context(), c.Param("id"), days)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// List godoc
// @Summary List invitations for the institution
// @Tags Invitations
// @Produce json
// @Param status query string false "Filter by derived status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /invitations [get]
func (h *InvitationHandler) List(c *gin.Context) {
	viewer := currentViewer(c)
	filter := models.InviteFilter{
		InstitutionID: viewer.InstitutionID,
		Status:        models.InviteStatus(strings.ToUpper(c.Query("status"))),
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	views, pagination, err := h.invitations.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, views, pagination)
}
