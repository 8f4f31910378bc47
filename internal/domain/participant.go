// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxDisplayNameLen = 36

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrUnknownRole        = errors.New("unknown role")
)

// PeerID identifies one participant's presence in a room. It is stable for
// the lifetime of that presence; two tabs of the same human are two PeerIDs.
type PeerID string

// Role is the participant's standing in the room.
type Role int

const (
	RoleMember Role = iota
	RoleOrganizer
	RoleAgent
)

func (r Role) String() string {
	switch r {
	case RoleOrganizer:
		return "organizer"
	case RoleAgent:
		return "agent"
	default:
		return "member"
	}
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "organizer":
		return RoleOrganizer, nil
	case "member":
		return RoleMember, nil
	case "agent":
		return RoleAgent, nil
	default:
		return RoleMember, ErrUnknownRole
	}
}

// Participant is the roster record for one peer. The core treats it as
// read-mostly input; only the local participant's own flags are written back.
type Participant struct {
	ID              PeerID `json:"id"`
	DisplayName     string `json:"display_name"`
	Role            Role   `json:"role"`
	AudioMuted      bool   `json:"audio_muted"`
	VideoOff        bool   `json:"video_off"`
	IsScreenSharing bool   `json:"is_screen_sharing"`
	IsSpeaking      bool   `json:"is_speaking"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(displayName string, role Role) (*Participant, error) {
	if len(displayName) == 0 {
		return nil, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &Participant{
		ID:          PeerID(uuid.NewString()),
		DisplayName: displayName,
		Role:        role,
	}, nil
}

// ParticipantPatch is a partial update for a participant record. Nil fields
// are left untouched by the store.
type ParticipantPatch struct {
	DisplayName     *string `json:"display_name,omitempty"`
	Role            *Role   `json:"role,omitempty"`
	AudioMuted      *bool   `json:"audio_muted,omitempty"`
	VideoOff        *bool   `json:"video_off,omitempty"`
	IsScreenSharing *bool   `json:"is_screen_sharing,omitempty"`
	IsSpeaking      *bool   `json:"is_speaking,omitempty"`
}
