package api

import (
	"encoding/json"
	"net/http"

	"taskpulse/internal/model"
	"taskpulse/internal/repository"
	"taskpulse/internal/service"
	"taskpulse/pkg/logger"
	"taskpulse/pkg/wire"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PublishHandler lets the task app's REST backend push realtime frames
// through the gateway: channel renames, membership changes, message edits.
// Those originate from HTTP mutations, not from a websocket, so they arrive
// here instead of through a session.
type PublishHandler struct {
	hub     *service.Hub
	pending repository.PendingInterface
}

func NewPublishHandler(hub *service.Hub, pending repository.PendingInterface) *PublishHandler {
	return &PublishHandler{hub: hub, pending: pending}
}

type publishRequest struct {
	// RecipientID targets one user; empty means broadcast to everyone.
	RecipientID string `json:"recipientId"`
	// Queue holds the frame for an offline recipient instead of dropping it.
	Queue bool            `json:"queue"`
	Frame json.RawMessage `json:"frame"`
}

func (h *PublishHandler) Publish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	var probe struct {
		Type wire.Kind `json:"type"`
	}
	if err := json.Unmarshal(req.Frame, &probe); err != nil || probe.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "frame must be an object with a type"})
		return
	}

	if req.RecipientID == "" {
		n := h.hub.Broadcast(nil, req.Frame)
		c.JSON(http.StatusOK, gin.H{"delivered": n})
		return
	}

	n := h.hub.SendToUser(req.RecipientID, req.Frame)
	if n == 0 && req.Queue {
		traceID, _ := c.Get("TraceID")
		tid, _ := traceID.(string)
		pd := &model.PendingDelivery{
			RecipientID: req.RecipientID,
			Frame:       string(req.Frame),
			TraceID:     tid,
		}
		if err := h.pending.Create(c.Request.Context(), pd); err != nil {
			logger.Error("queue publish for offline recipient failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not queue"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"delivered": 0, "queued": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": n})
}

// Online reports whether a user currently holds a live connection; the task
// app uses it to render presence dots.
func (h *PublishHandler) Online(c *gin.Context) {
	userID := c.Param("userId")
	c.JSON(http.StatusOK, gin.H{
		"userId": userID,
		"online": h.hub.Online(userID),
	})
}
