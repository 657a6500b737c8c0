package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mkalpine/codeassist-relay/internal/errors"
	"github.com/mkalpine/codeassist-relay/internal/pool"
	"github.com/mkalpine/codeassist-relay/internal/utils"
)

// AccountsHandler serves the admin surface over the account pool.
type AccountsHandler struct {
	pool *pool.Pool
}

// NewAccountsHandler creates a new AccountsHandler
func NewAccountsHandler(p *pool.Pool) *AccountsHandler {
	return &AccountsHandler{pool: p}
}

// Health handles GET /health
func (h *AccountsHandler) Health(c *gin.Context) {
	stats := h.pool.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"counts": gin.H{
			"total":   stats.Total,
			"active":  stats.Active,
			"limited": stats.Limited,
		},
		"accounts": h.pool.GetStatus(),
	})
}

// AccountLimits handles GET /account-limits, the safe per-account quota view.
func (h *AccountsHandler) AccountLimits(c *gin.Context) {
	type limitView struct {
		Email   string                 `json:"email"`
		Status  string                 `json:"status"`
		Tier    string                 `json:"tier,omitempty"`
		Models  map[string]interface{} `json:"models,omitempty"`
		Invalid bool                   `json:"invalid"`
	}

	views := make([]limitView, 0, h.pool.Count())
	for _, acc := range h.pool.Accounts() {
		view := limitView{
			Email:   acc.Email,
			Status:  acc.Status,
			Invalid: acc.IsInvalid,
			Models:  make(map[string]interface{}),
		}
		if acc.Subscription != nil {
			view.Tier = acc.Subscription.Tier
			for modelID, quota := range acc.Subscription.Models {
				view.Models[modelID] = gin.H{
					"remainingFraction": quota.RemainingFraction,
					"resetTime":         quota.ResetTime,
				}
			}
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

// RegenerateFingerprint handles POST /accounts/:email/fingerprint/regenerate
func (h *AccountsHandler) RegenerateFingerprint(c *gin.Context) {
	email := c.Param("email")
	fp, err := h.pool.RegenerateFingerprint(email)
	if err != nil {
		h.sendError(c, err)
		return
	}
	utils.Info("[API] Regenerated fingerprint for %s", email)
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"deviceId":  fp.DeviceID,
		"userAgent": fp.UserAgent,
	})
}

// RestoreFingerprint handles POST /accounts/:email/fingerprint/restore
func (h *AccountsHandler) RestoreFingerprint(c *gin.Context) {
	email := c.Param("email")

	var body struct {
		Index int `json:"index"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	fp, err := h.pool.RestoreFingerprint(email, body.Index)
	if err != nil {
		h.sendError(c, err)
		return
	}
	utils.Info("[API] Restored fingerprint %d for %s", body.Index, email)
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"deviceId":  fp.DeviceID,
		"userAgent": fp.UserAgent,
	})
}

// SetEnabled handles POST /accounts/:email/enabled
func (h *AccountsHandler) SetEnabled(c *gin.Context) {
	email := c.Param("email")

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	if err := h.pool.SetEnabled(email, body.Enabled); err != nil {
		h.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "enabled": body.Enabled})
}

func (h *AccountsHandler) sendError(c *gin.Context, err error) {
	c.JSON(errors.HTTPStatusFromError(err), errors.FormatAPIError(err))
}
