package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"focus-room-backend/internal/wire"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

var errHistoryLimit = errors.New("limit must be a positive integer")

// historyLimit reads ?limit, defaulting and capping it.
func historyLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errHistoryLimit
	}
	return min(n, maxHistoryLimit), nil
}

// historyCacheKey shares one entry between requests that read the same
// number of exits, so ?limit=500 and ?limit=200 hit the same entry.
func historyCacheKey(c *gin.Context) (string, bool) {
	limit, err := historyLimit(c)
	if err != nil {
		return "", false
	}
	return "history:" + strconv.Itoa(limit), true
}

// GetSeats handles GET /api/seats with the same payload the stream pushes.
func (h *Handler) GetSeats(c *gin.Context) {
	records, err := h.store.ActiveSnapshot(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wire.NewSnapshot(h.roomID, records))
}

type exitResponse struct {
	ID        string     `json:"id"`
	Position  int        `json:"position"`
	Username  string     `json:"username"`
	Task      string     `json:"task"`
	EnteredAt time.Time  `json:"enteredAt"`
	ExitedAt  *time.Time `json:"exitedAt"`
}

// GetHistory handles GET /api/history?limit=N, the most recent exits.
func (h *Handler) GetHistory(c *gin.Context) {
	limit, err := historyLimit(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	records, err := h.store.RecentExits(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}

	exits := make([]exitResponse, 0, len(records))
	for _, r := range records {
		exits = append(exits, exitResponse{
			ID:        r.ID,
			Position:  r.Position,
			Username:  r.OccupantName,
			Task:      r.ActivityLabel,
			EnteredAt: r.EnteredAt,
			ExitedAt:  r.ExitedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"exits": exits})
}
