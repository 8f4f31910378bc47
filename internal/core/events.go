package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/meshcall/meshcall/internal/domain"
)

type EventType string

const (
	EventRoster       EventType = "roster"
	EventTrackAdded   EventType = "track_added"
	EventTrackRemoved EventType = "track_removed"
	EventPeerState    EventType = "peer_state"
	EventPeerFailed   EventType = "peer_failed"
	EventSpeaking     EventType = "speaking"
	EventNotice       EventType = "notice"
)

// RemoteTrack is a received media track keyed by the sending peer, handed to
// the rendering layer.
type RemoteTrack struct {
	Peer  domain.PeerID
	Kind  string
	Track *webrtc.TrackRemote
}

// Event is what the session streams out to the rendering layer.
type Event struct {
	Type     EventType      `json:"type"`
	Peer     domain.PeerID  `json:"peer,omitempty"`
	Roster   RosterSnapshot `json:"roster,omitempty"`
	State    string         `json:"state,omitempty"`
	Speaking bool           `json:"speaking,omitempty"`
	Notice   string         `json:"notice,omitempty"`
	Track    *RemoteTrack   `json:"-"`
}
