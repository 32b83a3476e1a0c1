package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

type ProctoringHandler struct {
	proctoringService *service.ProctoringService
	log               zerolog.Logger
}

func NewProctoringHandler(proctoringService *service.ProctoringService, log zerolog.Logger) *ProctoringHandler {
	return &ProctoringHandler{
		proctoringService: proctoringService,
		log:               log.With().Str("component", "proctoring_handler").Logger(),
	}
}

// LogEvent godoc
// POST /api/v1/proctoring/:attempt_id/event
// Accepts one event for asynchronous persistence.
func (h *ProctoringHandler) LogEvent(c *gin.Context) {
	attemptID := c.Param("attempt_id")
	if attemptID == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.LogEventRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	claims := middleware.GetClaims(c)
	event, err := h.proctoringService.Ingest(c.Request.Context(), attemptID, claims.UserID(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidEventType):
			response.Fail(c, http.StatusBadRequest, response.ErrInvalidEventType)
		case errors.Is(err, service.ErrInvalidSeverity):
			response.Fail(c, http.StatusBadRequest, response.ErrInvalidSeverity)
		default:
			h.log.Error().Err(err).Str("attempt_id", attemptID).Str("request_id", response.RequestID(c)).Msg("Ingest failed")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Accepted(c, gin.H{"event": event})
}

// ListEvents godoc
// GET /api/v1/proctoring/:attempt_id/events
func (h *ProctoringHandler) ListEvents(c *gin.Context) {
	attemptID := c.Param("attempt_id")

	log, err := h.proctoringService.ListEvents(c.Request.Context(), attemptID)
	if err != nil {
		h.log.Error().Err(err).Str("attempt_id", attemptID).Str("request_id", response.RequestID(c)).Msg("List events failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	if log.Events == nil {
		log.Events = []model.ProctoringEvent{}
	}
	response.Success(c, http.StatusOK, log)
}
