package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"focus-room-backend/internal/assignment"
	"focus-room-backend/internal/model"
)

const (
	commandWork   = "work"
	commandFinish = "finish"
)

type commandRequest struct {
	Command  string `json:"command" binding:"required"`
	Username string `json:"username"`
	AuthorID string `json:"authorId"`
	TaskName string `json:"taskName"`
}

type seatResponse struct {
	ID         string     `json:"id"`
	Position   int        `json:"position"`
	Username   string     `json:"username"`
	Task       string     `json:"task"`
	AutoExitAt *time.Time `json:"autoExitAt,omitempty"`
}

func seatFrom(r model.Occupancy) seatResponse {
	return seatResponse{
		ID:         r.ID,
		Position:   r.Position,
		Username:   r.OccupantName,
		Task:       r.ActivityLabel,
		AutoExitAt: r.LeaseExpiry,
	}
}

// PostCommand handles POST /api/commands, the entry point of the chat
// collaborator.
func (h *Handler) PostCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	switch req.Command {
	case commandWork:
		out, err := h.processor.Claim(c.Request.Context(), assignment.ClaimCommand{
			Username: req.Username,
			AuthorID: req.AuthorID,
			TaskName: req.TaskName,
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"result":  gin.H{"action": out.Action, "seat": seatFrom(out.Seat)},
		})

	case commandFinish:
		out, err := h.processor.Release(c.Request.Context(), assignment.ReleaseCommand{
			Username: req.Username,
			AuthorID: req.AuthorID,
		})
		if err != nil {
			fail(c, err)
			return
		}
		result := gin.H{"action": "none"}
		if out.Released() {
			result = gin.H{"action": "exit", "seat": seatFrom(*out.Seat)}
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "result": result})

	default:
		badRequest(c, "unknown command "+req.Command)
	}
}
