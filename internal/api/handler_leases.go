package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type sweepDetail struct {
	Username string `json:"username"`
	Position int    `json:"position"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Sweep handles GET|POST /api/sweep by running one lease sweep now.
func (h *Handler) Sweep(c *gin.Context) {
	report, err := h.sweeper.SweepOnce(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	details := make([]sweepDetail, 0, len(report.Expired)+len(report.Failed))
	for _, r := range report.Expired {
		details = append(details, sweepDetail{Username: r.OccupantName, Position: r.Position, Success: true})
	}
	for _, f := range report.Failed {
		details = append(details, sweepDetail{
			Username: f.Record.OccupantName,
			Position: f.Record.Position,
			Error:    f.Err.Error(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"processedCount": len(report.Expired),
		"details":        details,
	})
}

type extendLeaseRequest struct {
	RoomID   string  `json:"roomId"`
	Position int     `json:"position" binding:"required"`
	Hours    float64 `json:"hours"`
}

// ExtendLease handles POST /api/leases/extend.
func (h *Handler) ExtendLease(c *gin.Context) {
	var req extendLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	if req.RoomID != "" && req.RoomID != h.roomID {
		badRequest(c, "unknown room "+req.RoomID)
		return
	}
	if req.Hours <= 0 {
		badRequest(c, "hours must be positive")
		return
	}

	expiry, err := h.store.ExtendLease(c.Request.Context(), req.Position, req.Hours)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "newExpiry": expiry})
}
