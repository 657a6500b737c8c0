package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mkalpine/codeassist-relay/internal/config"
	"github.com/mkalpine/codeassist-relay/internal/format"
	"github.com/mkalpine/codeassist-relay/internal/httpfetch"
	"github.com/mkalpine/codeassist-relay/internal/utils"
	"github.com/mkalpine/codeassist-relay/pkg/anthropic"
)

// defaultModelIDs is the fallback list served when the upstream model
// listing is unavailable.
var defaultModelIDs = []string{
	"claude-sonnet-4-5",
	"claude-opus-4-5",
	"gemini-3-pro",
	"gemini-3-flash",
}

// ModelsHandler handles GET /v1/models.
type ModelsHandler struct {
	relay *Relay
}

// NewModelsHandler creates a new ModelsHandler
func NewModelsHandler(relay *Relay) *ModelsHandler {
	return &ModelsHandler{relay: relay}
}

// ListModels serves the model list, preferring the upstream catalogue and
// falling back to the static defaults.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	ids := h.fetchUpstreamModels(c.Request.Context())
	if len(ids) == 0 {
		ids = defaultModelIDs
	}

	models := make([]anthropic.Model, 0, len(ids))
	created := time.Now().Unix()
	for _, id := range ids {
		models = append(models, anthropic.Model{
			ID:      id,
			Object:  "model",
			Created: created,
			OwnedBy: string(config.GetModelFamily(id)),
		})
	}

	c.JSON(http.StatusOK, anthropic.ModelsResponse{Object: "list", Data: models})
}

// fetchUpstreamModels queries the upstream model catalogue with a selected
// account. Any failure yields nil so the defaults apply.
func (h *ModelsHandler) fetchUpstreamModels(ctx context.Context) []string {
	acc, err := h.relay.pool.SelectAccount("")
	if err != nil {
		return nil
	}
	token, err := h.relay.pool.GetTokenFor(ctx, acc)
	if err != nil {
		return nil
	}

	headers := h.relay.pool.BuildHeaders(acc)
	for key, value := range format.BuildAuthHeaders(token, "") {
		headers[key] = value
	}
	body, _ := json.Marshal(map[string]interface{}{"project": acc.EffectiveProjectID()})

	url := config.FormatEndpointURL(config.CodeAssistEndpointDaily, config.PathFetchAvailableModels)
	resp, err := h.relay.fetcher.Fetch(ctx, url, httpfetch.Options{
		Method:  "POST",
		Headers: headers,
		Body:    body,
	})
	if err != nil || !resp.IsSuccess() {
		utils.Debug("[API] Upstream model listing unavailable")
		return nil
	}

	var parsed struct {
		Models []struct {
			Name    string `json:"name,omitempty"`
			ModelID string `json:"modelId,omitempty"`
		} `json:"models"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil
	}

	ids := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		id := m.ModelID
		if id == "" {
			// names arrive as "models/<id>"
			id = strings.TrimPrefix(m.Name, "models/")
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
