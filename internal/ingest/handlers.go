package ingest

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudshield/internal/logging"
)

// Handler exposes the producer over HTTP.
type Handler struct {
	producer *Producer
}

// NewHandler creates an ingest handler.
func NewHandler(producer *Producer) *Handler {
	return &Handler{producer: producer}
}

// RegisterRoutes sets up ingest routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/produce", h.Produce)
}

// ProduceRequest is a message to publish.
type ProduceRequest struct {
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message"`
}

// Produce handles POST /api/produce
func (h *Handler) Produce(c *gin.Context) {
	var req ProduceRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Message) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": "message is required",
		})
		return
	}

	partition, offset, err := h.producer.Send(c.Request.Context(), req.Topic, req.Message)
	if err != nil {
		logging.L(c.Request.Context()).Error("produce failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "Failed to send message"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "Message sent successfully",
		"partition": partition,
		"offset":    offset,
	})
}
