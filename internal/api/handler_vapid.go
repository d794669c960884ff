package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"focus-room-backend/internal/model"
)

type pushSetupResponse struct {
	PublicKey string           `json:"public_key"`
	RoomID    string           `json:"room_id"`
	Levels    []model.Severity `json:"levels"`
}

// GetVAPIDPublicKey tells a browser how to subscribe to room notifications:
// the application server key and the min_level values it may pick.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if h.webpush == nil || h.webpush.VAPIDPublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "web push is not configured"})
		return
	}

	c.JSON(http.StatusOK, pushSetupResponse{
		PublicKey: h.webpush.VAPIDPublicKey,
		RoomID:    h.roomID,
		Levels:    []model.Severity{model.SeverityInfo, model.SeverityWarning, model.SeverityError},
	})
}
