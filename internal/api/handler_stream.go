package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"focus-room-backend/internal/stream"
	"focus-room-backend/internal/wire"
)

// sseSink writes session output as text/event-stream frames.
type sseSink struct {
	w gin.ResponseWriter
}

func (s *sseSink) Snapshot(snap wire.Snapshot) error {
	return s.write(sse.Event{Data: snap})
}

func (s *sseSink) Message(msg wire.SystemMessage) error {
	return s.write(sse.Event{Event: wire.EventSystemMessage, Data: msg})
}

// Ping writes a comment line; EventSource clients ignore it.
func (s *sseSink) Ping() error {
	if _, err := io.WriteString(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

func (s *sseSink) write(ev sse.Event) error {
	if err := sse.Encode(s.w, ev); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

// GetStream handles GET /api/stream.
func (h *Handler) GetStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	err := h.hub.Serve(c.Request.Context(), &sseSink{w: c.Writer})
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrConnectionLost):
		zap.S().Warnf("Stream to %s closed: %v", c.ClientIP(), err)
	default:
		zap.S().Debugf("Stream to %s ended: %v", c.ClientIP(), err)
	}
}
