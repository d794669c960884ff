package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focus-room-backend/internal/model"
)

func TestNewSnapshot_JSONShape(t *testing.T) {
	entered := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	expiry := entered.Add(2 * time.Hour)
	snap := NewSnapshot("focus-room", []model.Occupancy{{
		ID: "a", Position: 1, OccupantName: "alice", OwnerIdentity: "u1",
		ActivityLabel: "writing", EnteredAt: entered, LeaseExpiry: &expiry,
		Active: true, LastModified: entered,
	}})

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rooms":[{"id":"focus-room","seats":[{
		"id":"a","position":1,"username":"alice","task":"writing",
		"enteredAt":"2026-03-01T09:00:00Z","autoExitAt":"2026-03-01T11:00:00Z",
		"lastModified":"2026-03-01T09:00:00Z"}]}]}`, string(raw))
	assert.NotContains(t, string(raw), "u1", "owner identity is not published")
}

func TestNewSnapshot_EmptyRoomHasEmptySeatList(t *testing.T) {
	raw, err := json.Marshal(NewSnapshot("focus-room", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"rooms":[{"id":"focus-room","seats":[]}]}`, string(raw))
}
