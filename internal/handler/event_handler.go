package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/internal/service"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
	"github.com/franorzabal-hub/kairos-api/pkg/response"
)

// EventHandler exposes events and their RSVP workflow.
type EventHandler struct {
	events *service.EventService
}

// NewEventHandler constructs EventHandler.
func NewEventHandler(events *service.EventService) *EventHandler {
	return &EventHandler{events: events}
}

// Create godoc
// @Summary Create an event draft
// @Tags Events
// @Accept json
// @Produce json
// @Param payload body service.CreateEventRequest true "Event payload"
// @Success 201 {object} response.Envelope
// @Router /events [post]
func (h *EventHandler) Create(c *gin.Context) {
	var req service.CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	event, err := h.events.Create(c.Request.Context(), currentViewer(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, event)
}

// Publish godoc
// @Summary Publish a draft event
// @Tags Events
// @Produce json
// @Param id path string true "Event ID"
// @Success 200 {object} response.Envelope
// @Router /events/{id}/publish [post]
func (h *EventHandler) Publish(c *gin.Context) {
	event, err := h.events.Publish(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, event, nil)
}

// List godoc
// @Summary List events visible to the caller
// @Tags Events
// @Produce json
// @Param status query string false "Filter by status"
// @Param from query string false "Only events starting at or after this RFC3339 time"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /events [get]
func (h *EventHandler) List(c *gin.Context) {
	filter := models.EventFilter{
		InstitutionID: currentViewer(c).InstitutionID,
		Status:        models.EventStatus(strings.ToUpper(c.Query("status"))),
	}
	if raw := c.Query("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "from must be an RFC3339 timestamp"))
			return
		}
		filter.From = &from
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	events, pagination, err := h.events.List(c.Request.Context(), currentViewer(c), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, events, pagination)
}

// RSVP godoc
// @Summary Respond to an event as a guardian
// @Tags Events
// @Accept json
// @Produce json
// @Param id path string true "Event ID"
// @Param payload body service.RSVPRequest true "Response payload"
// @Success 201 {object} response.Envelope
// @Router /events/{id}/rsvp [post]
func (h *EventHandler) RSVP(c *gin.Context) {
	var req service.RSVPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	rsvp, err := h.events.RSVP(c.Request.Context(), currentViewer(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, rsvp)
}

// CancelRSVP godoc
// @Summary Cancel the caller's response to an event
// @Tags Events
// @Produce json
// @Param id path string true "Event ID"
// @Success 204 {object} nil
// @Router /events/{id}/rsvp [delete]
func (h *EventHandler) CancelRSVP(c *gin.Context) {
	if err := h.events.CancelRSVP(c.Request.Context(), currentViewer(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// ListRSVPs godoc
// @Summary List all responses to an event
// @Tags Events
// @Produce json
// @Param id path string true "Event ID"
// @Success 200 {object} response.Envelope
// @Router /events/{id}/rsvps [get]
func (h *EventHandler) ListRSVPs(c *gin.Context) {
	rsvps, err := h.events.ListRSVPs(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rsvps, nil)
}
