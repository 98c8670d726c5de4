package transactions

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudshield/internal/pagination"
)

// StatsWindow is the look-back of the fraud statistics endpoint.
const StatsWindow = 30 * 24 * time.Hour

const topRegions = 5

// Handler provides the read-only HTTP endpoints over stored transactions.
type Handler struct {
	store     Store
	threshold float64
	now       func() time.Time
}

// NewHandler creates a transaction handler. threshold is reported by the
// stats endpoint alongside the figures.
func NewHandler(store Store, threshold float64) *Handler {
	return &Handler{store: store, threshold: threshold, now: time.Now}
}

// RegisterRoutes sets up transaction read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transaction-dashboard", h.Dashboard)
	r.GET("/transaction/:id", h.GetTransaction)
	r.GET("/fraud-stats", h.FraudStats)
}

// Dashboard handles GET /api/transaction-dashboard
func (h *Handler) Dashboard(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	status := Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_status",
			"message": "status must be pending, completed or failed",
		})
		return
	}

	filter := Filter{
		PayerID:   c.Query("payer_id"),
		Status:    status,
		FraudOnly: c.Query("fraud_only") == "true",
	}
	limit := pagination.ParseLimit(c.Query("limit"))

	items, err := h.store.List(c.Request.Context(), filter, cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
			"message": "Failed to list transactions",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(items, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	if page == nil {
		page = []*Transaction{}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"transactions": page,
		"count":        len(page),
		"next_cursor":  next,
		"has_more":     hasMore,
	})
}

// GetTransaction handles GET /api/transaction/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
			"message": "Failed to load transaction",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "transaction": tx})
}

// FraudStats handles GET /api/fraud-stats
func (h *Handler) FraudStats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context(), h.now().Add(-StatsWindow), topRegions)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
			"message": "Error retrieving fraud statistics",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":                true,
		"totalTransactions":      stats.Total,
		"fraudulentTransactions": stats.Fraudulent,
		"fraudRate":              FraudRate(stats.Fraudulent, stats.Total),
		"topFraudulentStates":    stats.TopRegions,
		"averageFraudScore":      fmt.Sprintf("%.2f", stats.AverageScore),
		"fraudScoreThreshold":    h.threshold,
	})
}

// FraudRate formats fraudulent/total as a percentage with two decimals.
func FraudRate(fraudulent, total int) string {
	if total == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", float64(fraudulent)/float64(total)*100)
}
