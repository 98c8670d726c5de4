package rules

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudshield/internal/logging"
)

// Handler exposes the rule-only verdict over HTTP.
type Handler struct {
	engine *Engine
}

// NewHandler creates a rule engine handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up rule engine routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/ruleBased", h.RuleBased)
}

// RuleBasedRequest looks a transaction up by id. Other transaction fields
// in the body are ignored; scoring reads the stored facts.
type RuleBasedRequest struct {
	TransactionID string `json:"transaction_id"`
}

// RuleBased handles POST /api/ruleBased
func (h *Handler) RuleBased(c *gin.Context) {
	var req RuleBasedRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TransactionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": "transaction_id is required",
		})
		return
	}

	result, err := h.engine.Evaluate(c.Request.Context(), req.TransactionID)
	if err != nil {
		logging.L(c.Request.Context()).Error("rule evaluation failed", "transaction_id", req.TransactionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success":        false,
			"error":          "internal_error",
			"message":        "Error processing fraud detection",
			"transaction_id": "unknown",
			"is_fraud":       false,
			"fraud_reason":   "Error processing fraud detection",
			"fraud_score":    0,
		})
		return
	}

	if !result.Found {
		c.JSON(http.StatusNotFound, gin.H{
			"success":         false,
			"error":           "not_found",
			"message":         "Transaction not found",
			"transaction_id":  "unknown",
			"is_fraud":        false,
			"fraud_reason":    "Transaction not found",
			"fraud_score":     0,
			"failed_attempts": 0,
		})
		return
	}

	c.JSON(http.StatusOK, result.Verdict(h.engine.Threshold()))
}
