package decision

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudshield/internal/logging"
	"github.com/mbd888/fraudshield/internal/transactions"
)

// Reporter files a fraud report for a reconciled fraudulent outcome.
type Reporter interface {
	ReportOutcome(ctx context.Context, o *Outcome, reason string) error
}

// Handler exposes reconciliation over HTTP.
type Handler struct {
	reconciler *Reconciler
	reporter   Reporter
	threshold  float64
}

// NewHandler creates a decision handler. threshold is the rule-only fraud
// threshold a submitted rule verdict must agree with. reporter may be nil,
// in which case fraud outcomes are persisted but not reported.
func NewHandler(reconciler *Reconciler, reporter Reporter, threshold float64) *Handler {
	return &Handler{reconciler: reconciler, reporter: reporter, threshold: threshold}
}

// RegisterRoutes sets up decision routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/finalCheck", h.FinalCheck)
}

// FinalCheckRequest carries both verdicts for a transaction.
type FinalCheckRequest struct {
	TransactionID   string    `json:"transaction_id"`
	RuleBasedResult RuleInput `json:"ruleBasedResult"`
	MLBasedResult   MLInput   `json:"mlBasedResult"`
}

// FinalCheck handles POST /api/finalCheck
func (h *Handler) FinalCheck(c *gin.Context) {
	var req FinalCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TransactionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": "transaction_id, ruleBasedResult and mlBasedResult are required",
		})
		return
	}

	if !req.RuleBasedResult.Consistent(h.threshold) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "inconsistent_verdict",
			"message": fmt.Sprintf("ruleBasedResult.is_fraud must be true exactly when fraud_score >= %.2f", h.threshold),
		})
		return
	}

	ctx := logging.WithTransactionID(c.Request.Context(), req.TransactionID)
	outcome, err := h.reconciler.Reconcile(ctx, req.TransactionID, req.RuleBasedResult, req.MLBasedResult)
	if err != nil {
		status, code, msg := errorResponse(err)
		if status == http.StatusInternalServerError {
			logging.L(ctx).Error("reconcile failed", "error", err)
		}
		c.JSON(status, gin.H{"success": false, "error": code, "message": msg})
		return
	}

	if outcome.IsFraud && h.reporter != nil {
		if err := h.reporter.ReportOutcome(ctx, outcome, ReasonBothSystems); err != nil {
			logging.L(ctx).Error("fraud report failed", "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"message":        "Transaction status updated",
		"transaction_id": outcome.TransactionID,
		"is_fraud":       outcome.IsFraud,
		"status":         outcome.Status,
	})
}

func errorResponse(err error) (int, string, string) {
	switch {
	case errors.Is(err, transactions.ErrNotFound):
		return http.StatusNotFound, "not_found", "Transaction not found"
	case errors.Is(err, transactions.ErrAlreadyDecided):
		return http.StatusConflict, "already_decided", "Transaction has already been reconciled"
	case errors.Is(err, transactions.ErrInvalidScore):
		return http.StatusBadRequest, "invalid_score", "fraud_score must be between 0 and 1"
	default:
		return http.StatusInternalServerError, "internal_error", "Internal server error"
	}
}
