package pipeline

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudshield/internal/validation"
)

// Handler exposes the assessment pipeline over HTTP.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a pipeline handler.
func NewHandler(orchestrator *Orchestrator) *Handler {
	return &Handler{orchestrator: orchestrator}
}

// RegisterRoutes sets up assessment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transaction", h.Assess)
	r.POST("/transaction/:id/resume", validation.TransactionIDParamMiddleware(), h.Resume)
}

// Assess handles POST /api/transaction
func (h *Handler) Assess(c *gin.Context) {
	var s Submission
	if err := c.ShouldBindJSON(&s); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": "Missing required transaction fields.",
		})
		return
	}

	bundle, failure := h.orchestrator.Run(c.Request.Context(), s)
	if failure != nil {
		respondFailure(c, failure)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

// Resume handles POST /api/transaction/:id/resume
func (h *Handler) Resume(c *gin.Context) {
	bundle, failure := h.orchestrator.Resume(c.Request.Context(), c.Param("id"))
	if failure != nil {
		respondFailure(c, failure)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func respondFailure(c *gin.Context, f *Failure) {
	body := gin.H{
		"success":   false,
		"error":     string(f.Kind),
		"message":   f.Message,
		"stage":     f.Stage,
		"timestamp": f.Timestamp,
	}
	if f.TransactionID != "" {
		body["transaction_id"] = f.TransactionID
	}
	c.JSON(f.HTTPStatus(), body)
}
