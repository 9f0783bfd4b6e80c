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

// MessageHandler exposes message composition, sending and delivery tracking.
type MessageHandler struct {
	messages *service.MessageService
	reports  *service.ReportService
}

// NewMessageHandler constructs MessageHandler.
func NewMessageHandler(messages *service.MessageService, reports *service.ReportService) *MessageHandler {
	return &MessageHandler{messages: messages, reports: reports}
}

// Create godoc
// @Summary Create a message draft
// @Tags Messages
// @Accept json
// @Produce json
// @Param payload body service.CreateMessageRequest true "Message payload"
// @Success 201 {object} response.Envelope
// @Router /messages [post]
func (h *MessageHandler) Create(c *gin.Context) {
	var req service.CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	msg, err := h.messages.Create(c.Request.Context(), currentViewer(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, msg)
}

// Send godoc
// @Summary Send a message to its resolved audience
// @Tags Messages
// @Produce json
// @Param id path string true "Message ID"
// @Success 200 {object} response.Envelope
// @Router /messages/{id}/send [post]
func (h *MessageHandler) Send(c *gin.Context) {
	msg, err := h.messages.Send(c.Request.Context(), currentViewer(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, msg, nil)
}

// Get godoc
// @Summary Fetch a message
// @Tags Messages
// @Produce json
// @Param id path string true "Message ID"
// @Success 200 {object} response.Envelope
// @Router /messages/{id} [get]
func (h *MessageHandler) Get(c *gin.Context) {
	msg, err := h.messages.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, msg, nil)
}

// List godoc
// @Summary List messages for the institution
// @Tags Messages
// @Produce json
// @Param status query string false "Filter by status"
// @Param scope_type query string false "Filter by scope"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /messages [get]
func (h *MessageHandler) List(c *gin.Context) {
	filter := models.MessageFilter{
		InstitutionID: currentViewer(c).InstitutionID,
		Status:        models.MessageStatus(strings.ToUpper(c.Query("status"))),
		ScopeType:     models.ScopeType(strings.ToUpper(c.Query("scope_type"))),
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	msgs, pagination, err := h.messages.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, msgs, pagination)
}

// Recipients godoc
// @Summary List a message's recipients, filtered by the caller's access
// @Tags Messages
// @Produce json
// @Param id path string true "Message ID"
// @Success 200 {object} response.Envelope
// @Router /messages/{id}/recipients [get]
func (h *MessageHandler) Recipients(c *gin.Context) {
	recipients, err := h.messages.Recipients(c.Request.Context(), currentViewer(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, recipients, nil)
}

// MarkRead godoc
// @Summary Mark the caller's recipient row as read
// @Tags Messages
// @Produce json
// @Param id path string true "Message ID"
// @Param recipientId path string true "Recipient ID"
// @Success 204 {object} nil
// @Router /messages/{id}/recipients/{recipientId}/read [post]
func (h *MessageHandler) MarkRead(c *gin.Context) {
	if err := h.messages.MarkRead(c.Request.Context(), currentViewer(c), c.Param("recipientId")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

type channelStatusRequest struct {
	Channel string  `json:"channel" binding:"required"`
	Status  string  `json:"status" binding:"required"`
	Error   *string `json:"error,omitempty"`
}

// UpdateChannelStatus godoc
// @Summary Record a per-channel delivery outcome for a recipient
// @Tags Messages
// @Accept json
// @Produce json
// @Param id path string true "Message ID"
// @Param recipientId path string true "Recipient ID"
// @Param payload body channelStatusRequest true "Channel outcome"
// @Success 204 {object} nil
// @Router /messages/{id}/recipients/{recipientId}/status [put]
func (h *MessageHandler) UpdateChannelStatus(c *gin.Context) {
	var req channelStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	err := h.messages.UpdateChannelStatus(
		c.Request.Context(),
		c.Param("recipientId"),
		models.DeliveryChannel(strings.ToUpper(req.Channel)),
		models.ChannelStatus(strings.ToUpper(req.Status)),
		req.Error,
		c.Param("id"),
	)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// ExportReport godoc
// @Summary Generate a delivery report for a sent message
// @Tags Messages
// @Produce json
// @Param id path string true "Message ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {object} response.Envelope
// @Router /messages/{id}/report [post]
func (h *MessageHandler) ExportReport(c *gin.Context) {
	format := service.ReportFormat(strings.ToLower(c.DefaultQuery("format", "csv")))
	report, err := h.reports.Generate(c.Request.Context(), currentViewer(c), c.Param("id"), format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}

// DownloadReport godoc
// @Summary Download a previously generated delivery report
// @Tags Messages
// @Produce octet-stream
// @Param token query string true "Signed download token"
// @Success 200 {file} file
// @Router /messages/reports/download [get]
func (h *MessageHandler) DownloadReport(c *gin.Context) {
	file, contentType, err := h.reports.Open(c.Query("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, http.StatusInternalServerError, "failed to read report"))
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+info.Name())
	c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
}
