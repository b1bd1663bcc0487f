package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// StreamEventPresenceChange tags SSE frames carrying a presence change event.
	StreamEventPresenceChange = "presence-change"
	streamEventHeartbeat      = "heartbeat"
	streamHeartbeatInterval   = 15 * time.Second
)

// handleStream bridges the change feed onto a server-sent-event response.
// The subscription is scoped server-side to the requested resource and ends
// when the client disconnects.
func (h *httpHandler) handleStream(c *gin.Context) {
	_, resource, ok := h.presenceScope(c)
	if !ok {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	events, unsubscribe, err := h.feed.Subscribe(c.Request.Context(), resource)
	if err != nil {
		h.logger.Error("stream subscription failed",
			zap.String("resource", resource.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stream_failed"})
		return
	}
	defer unsubscribe()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := c.Writer.WriteString("event: " + streamEventHeartbeat + "\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			payload, err := event.Encode()
			if err != nil {
				h.logger.Warn("failed to encode change event", zap.Error(err))
				continue
			}
			if _, err := c.Writer.WriteString("event: " + StreamEventPresenceChange + "\ndata: " + string(payload) + "\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
