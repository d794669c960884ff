package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"focus-room-backend/internal/assignment"
	"focus-room-backend/internal/parse"
	"focus-room-backend/internal/store"
	"focus-room-backend/internal/stream"
)

// Sweeper runs one lease sweep on demand.
type Sweeper interface {
	SweepOnce(ctx context.Context) (store.SweepReport, error)
}

// Services are the dependencies of the API handlers.
type Services struct {
	Store     store.Store
	Processor *assignment.Processor
	Sweeper   Sweeper
	Hub       *stream.Hub
	WebPush   *webpush.Options
	RoomID    string
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store     store.Store
	processor *assignment.Processor
	sweeper   Sweeper
	hub       *stream.Hub
	webpush   *webpush.Options
	roomID    string
}

// NewHandler creates a new API handler.
func NewHandler(s Services) *Handler {
	return &Handler{
		store:     s.Store,
		processor: s.Processor,
		sweeper:   s.Sweeper,
		hub:       s.Hub,
		webpush:   s.WebPush,
		roomID:    s.RoomID,
	}
}

// fail maps err onto a status code and writes the error body.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, parse.ErrEmpty):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrSeatNotFound):
		status = http.StatusNotFound
	case store.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		zap.S().Errorf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}
