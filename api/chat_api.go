package api

import (
	"errors"
	"io"
	"net/http"

	"streamchat/chat"
	"streamchat/orchestrator"

	"github.com/gin-gonic/gin"
)

type ChatStreamRequest struct {
	ConversationId int64  `json:"conversationId"`
	Message        string `json:"message"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	SearchEnabled  bool   `json:"searchEnabled"`
	DeepThinking   bool   `json:"deepThinking"`
}

// ChatStreamHandler starts a streaming chat turn and relays its events to the
// client as server-sent events. Each SSE message is one JSON-encoded chat
// event; the stream ends after the terminal end or error event.
func (ctrl *Controller) ChatStreamHandler(c *gin.Context) {
	var req ChatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handle, err := ctrl.orchestrator.Start(c.Request.Context(), orchestrator.StartRequest{
		ConversationId: req.ConversationId,
		Message:        req.Message,
		Provider:       req.Provider,
		Model:          req.Model,
		SearchEnabled:  req.SearchEnabled,
		DeepThinking:   req.DeepThinking,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidConversationId) || errors.Is(err, orchestrator.ErrEmptyMessage) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		} else {
			ctrl.ErrorHandler(c, http.StatusInternalServerError, err)
		}
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			// The stream handle outlives the connection only long enough to
			// be removed; generation checks keep a reconnect's new session
			// safe from this removal.
			ctrl.emitters.Remove(handle)
			return false
		case event := <-handle.Events():
			c.SSEvent("message", event)
			return !chat.Terminal(event)
		case <-handle.Done():
			// Drain events that were buffered before the handle closed.
			for {
				select {
				case event := <-handle.Events():
					c.SSEvent("message", event)
				default:
					return false
				}
			}
		}
	})
}

type StopStreamRequest struct {
	ConversationId int64 `json:"conversationId"`
}

// StopStreamHandler cancels the conversation's live stream, if any. Stopping
// a conversation with no live stream is not an error.
func (ctrl *Controller) StopStreamHandler(c *gin.Context) {
	var req StopStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ConversationId <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": orchestrator.ErrInvalidConversationId.Error()})
		return
	}

	ctrl.emitters.Close(req.ConversationId)
	c.JSON(http.StatusOK, gin.H{"message": "Stream stopped"})
}
