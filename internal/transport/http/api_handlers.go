package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/replica-server/internal/auth"
)

// OperatorHandlers provides HTTP handlers for the operator API.
type OperatorHandlers struct {
	op          Operator
	authService *auth.Service
	log         *zerolog.Logger
}

// NewOperatorHandlers creates a new operator handlers instance.
func NewOperatorHandlers(op Operator, authService *auth.Service, logger *zerolog.Logger) *OperatorHandlers {
	return &OperatorHandlers{op: op, authService: authService, log: logger}
}

// TokenRequest exchanges the admin secret for an operator token.
type TokenRequest struct {
	Operator string `json:"operator" binding:"required,max=64"`
	Secret   string `json:"secret" binding:"required"`
}

// TokenResponse carries an operator token.
type TokenResponse struct {
	Token string `json:"token"`
}

// SleepRequest toggles channel sleeping.
type SleepRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// BanRequest adds a ban keyword.
type BanRequest struct {
	Keyword string `json:"keyword" binding:"required"`
}

// BanResponse reports how many participants a ban disconnected.
type BanResponse struct {
	Keyword      string `json:"keyword"`
	Disconnected int    `json:"disconnected"`
}

// KickRequest names a participant by id or name.
type KickRequest struct {
	Participant string `json:"participant" binding:"required"`
}

// AliasQuotaRequest sets the alias bounds.
type AliasQuotaRequest struct {
	Min int `json:"min" binding:"min=0"`
	Max int `json:"max" binding:"min=0"`
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// IssueToken handles operator login.
// POST /api/token
func (h *OperatorHandlers) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	token, err := h.authService.IssueToken(req.Operator, req.Secret)
	switch {
	case errors.Is(err, auth.ErrInvalidSecret):
		h.log.Warn().Str("operator", req.Operator).Str("remote", c.ClientIP()).Msg("operator login rejected")
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
		return
	case errors.Is(err, auth.ErrAdminDisabled):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "operator access disabled"})
		return
	case err != nil:
		h.log.Error().Err(err).Msg("failed to issue operator token")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	h.log.Info().Str("operator", req.Operator).Msg("operator token issued")
	c.JSON(http.StatusOK, TokenResponse{Token: token})
}

// Stats returns engine counters.
// GET /api/stats
func (h *OperatorHandlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.op.Stats())
}

// Channels lists awake channels.
// GET /api/channels
func (h *OperatorHandlers) Channels(c *gin.Context) {
	c.JSON(http.StatusOK, h.op.Channels())
}

// DeleteChannel evicts everyone from a channel and forgets it.
// DELETE /api/channels/:id
func (h *OperatorHandlers) DeleteChannel(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid channel id"})
		return
	}
	if !h.op.DeleteChannel(int32(id)) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "channel not found"})
		return
	}
	h.log.Info().Int64("channel", id).Str("operator", c.GetString(ContextKeyOperator)).Msg("channel deleted by operator")
	c.Status(http.StatusNoContent)
}

// Save schedules a save of all changed state.
// POST /api/save
func (h *OperatorHandlers) Save(c *gin.Context) {
	h.op.SaveNow()
	c.Status(http.StatusAccepted)
}

// SetSleep toggles whether idle persistent channels are put to sleep.
// PUT /api/sleep
func (h *OperatorHandlers) SetSleep(c *gin.Context) {
	var req SleepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	h.op.SetSleep(*req.Enabled)
	c.Status(http.StatusNoContent)
}

// AddBan bans a keyword and disconnects matching participants.
// POST /api/bans
func (h *OperatorHandlers) AddBan(c *gin.Context) {
	var req BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	n := h.op.Ban(req.Keyword)
	h.log.Info().Str("keyword", req.Keyword).Int("disconnected", n).Str("operator", c.GetString(ContextKeyOperator)).Msg("ban added")
	c.JSON(http.StatusCreated, BanResponse{Keyword: req.Keyword, Disconnected: n})
}

// RemoveBan lifts a ban.
// DELETE /api/bans/:keyword
func (h *OperatorHandlers) RemoveBan(c *gin.Context) {
	if !h.op.Unban(c.Param("keyword")) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "ban not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Kick disconnects a participant.
// POST /api/kick
func (h *OperatorHandlers) Kick(c *gin.Context) {
	var req KickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if !h.op.Kick(req.Participant) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "participant not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// SetAliasQuota changes the alias bounds.
// PUT /api/alias-quota
func (h *OperatorHandlers) SetAliasQuota(c *gin.Context) {
	var req AliasQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := h.op.SetAliasQuota(req.Min, req.Max); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
