package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mkalpine/codeassist-relay/internal/errors"
	"github.com/mkalpine/codeassist-relay/internal/utils"
	"github.com/mkalpine/codeassist-relay/pkg/anthropic"
)

// MessagesHandler handles the chat endpoints in both dialects.
type MessagesHandler struct {
	relay *Relay
}

// NewMessagesHandler creates a new MessagesHandler
func NewMessagesHandler(relay *Relay) *MessagesHandler {
	return &MessagesHandler{relay: relay}
}

// Messages handles POST /v1/messages - Anthropic Messages API compatible
func (h *MessagesHandler) Messages(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse(
			"invalid_request_error", "Invalid request body: "+err.Error()))
		return
	}

	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse(
			"invalid_request_error", "messages is required and must be a non-empty array"))
		return
	}
	if req.Model == "" {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse(
			"invalid_request_error", "model is required"))
		return
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}

	utils.Info("[API] Request for model: %s", req.Model)

	response, err := h.relay.SendMessage(c.Request.Context(), &req)
	if err != nil {
		h.sendError(c, err)
		return
	}

	c.JSON(http.StatusOK, response)
}

// CountTokens handles POST /v1/messages/count_tokens. Token counting is not
// supported upstream; a fixed estimate keeps clients happy.
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"input_tokens": 0})
}

// GenerateContent handles POST /v1beta/models/<model>:generateContent, the
// Gemini-style dialect. The raw Google request body is forwarded unchanged.
func (h *MessagesHandler) GenerateContent(c *gin.Context) {
	modelAction := strings.TrimPrefix(c.Param("modelAction"), "/")
	model, _, found := strings.Cut(modelAction, ":")
	if !found || model == "" {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse(
			"invalid_request_error", "Expected path of the form models/<model>:generateContent"))
		return
	}

	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse(
			"invalid_request_error", "Invalid request body: "+err.Error()))
		return
	}

	utils.Info("[API] Gemini dialect request for model: %s", model)

	raw, err := h.relay.SendRaw(c.Request.Context(), model, body)
	if err != nil {
		h.sendError(c, err)
		return
	}

	c.Data(http.StatusOK, "application/json", raw)
}

func (h *MessagesHandler) sendError(c *gin.Context, err error) {
	status := errors.HTTPStatusFromError(err)
	if status >= 500 {
		utils.Error("[API] Request failed: %v", err)
	} else {
		utils.Warn("[API] Request failed: %v", err)
	}
	c.JSON(status, errors.FormatAPIError(err))
}
