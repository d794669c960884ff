// Package wire defines the JSON payloads of the push channel. The server
// renders them and the reconnecting client parses them.
package wire

import (
	"time"

	"focus-room-backend/internal/model"
)

const (
	// EventSystemMessage is the SSE event name of system messages. Snapshots
	// use the unnamed default event.
	EventSystemMessage = "system-message"

	// CodeConnectionLost tells the client the server gave up on its feed and
	// reconnecting will not help.
	CodeConnectionLost = "CONNECTION_LOST"
)

// Seat is the public projection of an active occupancy record.
type Seat struct {
	ID           string     `json:"id"`
	Position     int        `json:"position"`
	Username     string     `json:"username"`
	Task         string     `json:"task"`
	EnteredAt    time.Time  `json:"enteredAt"`
	AutoExitAt   *time.Time `json:"autoExitAt,omitempty"`
	LastModified time.Time  `json:"lastModified"`
}

// Room groups the seats of one room.
type Room struct {
	ID    string `json:"id"`
	Seats []Seat `json:"seats"`
}

// Snapshot is the full occupancy state pushed on every change.
type Snapshot struct {
	Rooms []Room `json:"rooms"`
}

// SystemMessage is pushed as a separate, named event.
type SystemMessage struct {
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id,omitempty"`
	Code      string    `json:"code,omitempty"`
}

// SeatFrom projects a record.
func SeatFrom(r model.Occupancy) Seat {
	return Seat{
		ID:           r.ID,
		Position:     r.Position,
		Username:     r.OccupantName,
		Task:         r.ActivityLabel,
		EnteredAt:    r.EnteredAt,
		AutoExitAt:   r.LeaseExpiry,
		LastModified: r.LastModified,
	}
}

// NewSnapshot builds the payload for a single room from its active records.
func NewSnapshot(roomID string, records []model.Occupancy) Snapshot {
	seats := make([]Seat, 0, len(records))
	for _, r := range records {
		seats = append(seats, SeatFrom(r))
	}
	return Snapshot{Rooms: []Room{{ID: roomID, Seats: seats}}}
}

// MessageFrom converts a stored notification.
func MessageFrom(n model.Notification) SystemMessage {
	return SystemMessage{
		Message:   n.Message,
		Type:      string(n.Severity),
		Timestamp: n.CreatedAt,
		ID:        n.ID,
	}
}

// Seats returns the seats of roomID, or nil.
func (s Snapshot) Seats(roomID string) []Seat {
	for _, r := range s.Rooms {
		if r.ID == roomID {
			return r.Seats
		}
	}
	return nil
}
