package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/remote"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// AttemptHandler proxies the review endpoints of the remote services with the
// caller's own token.
type AttemptHandler struct {
	client *remote.APIClient
	log    zerolog.Logger
}

func NewAttemptHandler(client *remote.APIClient, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		client: client,
		log:    log.With().Str("component", "attempt_handler").Logger(),
	}
}

// GetResults godoc
// GET /api/v1/attempts/:attempt_id/results
func (h *AttemptHandler) GetResults(c *gin.Context) {
	attemptID := c.Param("attempt_id")
	doc, err := h.client.WithToken(middleware.GetToken(c)).GetAttemptResults(c.Request.Context(), attemptID)
	h.reply(c, attemptID, doc, err)
}

// GetEvents godoc
// GET /api/v1/attempts/:attempt_id/events
func (h *AttemptHandler) GetEvents(c *gin.Context) {
	attemptID := c.Param("attempt_id")
	doc, err := h.client.WithToken(middleware.GetToken(c)).ListEvents(c.Request.Context(), attemptID)
	h.reply(c, attemptID, doc, err)
}

func (h *AttemptHandler) reply(c *gin.Context, attemptID string, doc json.RawMessage, err error) {
	if err == nil {
		response.Success(c, http.StatusOK, doc)
		return
	}

	var apiErr *remote.APIError
	if errors.As(err, &apiErr) && apiErr.IsPermanent() {
		code := response.ErrUpstream
		switch apiErr.StatusCode {
		case http.StatusNotFound:
			code = response.ErrNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			code = response.ErrForbidden
		}
		response.FailWithMessage(c, apiErr.StatusCode, code, apiErr.Message)
		return
	}

	h.log.Error().Err(err).Str("attempt_id", attemptID).Str("request_id", response.RequestID(c)).Msg("Upstream request failed")
	response.Fail(c, http.StatusBadGateway, response.ErrUpstream)
}
