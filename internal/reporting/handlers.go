package reporting

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudshield/internal/logging"
	"github.com/mbd888/fraudshield/internal/transactions"
	"github.com/mbd888/fraudshield/internal/validation"
)

// Handler provides HTTP endpoints for fraud reports.
type Handler struct {
	service *Service
}

// NewHandler creates a reporting handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up reporting routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/report-fraud", h.ReportFraud)
	r.GET("/fraud-reports/:transaction_id", h.GetReport)
}

// ReportFraud handles POST /api/report-fraud
func (h *Handler) ReportFraud(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil || req.TransactionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": "Transaction ID is required",
		})
		return
	}

	ctx := logging.WithTransactionID(c.Request.Context(), req.TransactionID)
	report, err := h.service.Report(ctx, req)
	if err != nil {
		var verrs validation.ValidationErrors
		switch {
		case errors.As(err, &verrs):
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "validation_error",
				"message": verrs.Error(),
			})
		case errors.Is(err, transactions.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "not_found",
				"message": "Transaction not found",
			})
		case errors.Is(err, ErrNotFraudulent):
			c.JSON(http.StatusConflict, gin.H{
				"success": false,
				"error":   "not_fraudulent",
				"message": "Only a transaction reconciled as fraud can be reported",
			})
		default:
			logging.L(ctx).Error("fraud report failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   "internal_error",
				"message": "Error reporting fraud",
			})
		}
		return
	}

	tx, err := h.service.txs.Get(ctx, report.TransactionID)
	if err != nil {
		logging.L(ctx).Error("reload reported transaction failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
			"message": "Error reporting fraud",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Fraud reported successfully",
		"data": gin.H{
			"transaction_id":    tx.ID,
			"is_fraud":          tx.IsFraud,
			"is_fraud_reported": tx.FraudReported,
			"report_id":         report.ID,
		},
	})
}

// GetReport handles GET /api/fraud-reports/:transaction_id
func (h *Handler) GetReport(c *gin.Context) {
	report, err := h.service.Get(c.Request.Context(), c.Param("transaction_id"))
	if errors.Is(err, ErrReportNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "not_found",
			"message": "No fraud report for this transaction",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
			"message": "Failed to get fraud report",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": report})
}
