package domain

import (
	"strings"

	"github.com/google/uuid"
)

type (
	RoomID   string
	RoomCode string
)

// Room pairs the internal room id with the short code participants share.
type Room struct {
	ID   RoomID   `json:"id"`
	Code RoomCode `json:"code"`
}

// NewRoom mints a room; the join code is the uppercased head of the id,
// short enough to read out loud.
func NewRoom() Room {
	id := uuid.NewString()
	return Room{
		ID:   RoomID(id),
		Code: RoomCode(strings.ToUpper(id[:8])),
	}
}
