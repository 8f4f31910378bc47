package core

import (
	"context"

	"github.com/meshcall/meshcall/internal/domain"
)

// RosterSnapshot is the full participant set of a room at one moment.
type RosterSnapshot []domain.Participant

// Find returns the participant with the given id, if present.
func (s RosterSnapshot) Find(id domain.PeerID) (domain.Participant, bool) {
	for _, p := range s {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Participant{}, false
}

// SignalHandler processes one mailbox envelope. Returning nil consumes the
// envelope; returning an error leaves it in the mailbox for redelivery, so
// handlers must be idempotent.
type SignalHandler func(domain.SignalEnvelope) error

// RosterStore is the narrow contract the core consumes from the external
// roster/signaling document. Implementations own connectivity, liveness
// timeouts and per-sender mailbox FIFO.
type RosterStore interface {
	// PutParticipant creates or replaces a participant record.
	PutParticipant(ctx context.Context, room domain.RoomID, p domain.Participant) error
	// UpdateParticipant applies a partial update to a record.
	UpdateParticipant(ctx context.Context, room domain.RoomID, id domain.PeerID, patch domain.ParticipantPatch) error
	// RemoveParticipant deletes a record. Removing an absent id is a no-op.
	RemoveParticipant(ctx context.Context, room domain.RoomID, id domain.PeerID) error

	// WatchRoster delivers a snapshot on every roster change, starting with
	// the current state. The returned func cancels the watch.
	WatchRoster(ctx context.Context, room domain.RoomID) (<-chan RosterSnapshot, func(), error)

	// AppendSignal appends an envelope to the recipient's mailbox. It never
	// blocks on the recipient being online and returns
	// ErrSignalingUnavailable when the store is unreachable.
	AppendSignal(ctx context.Context, room domain.RoomID, to domain.PeerID, env domain.SignalEnvelope) error

	// ConsumeSignals blocks, delivering every envelope in self's mailbox in
	// arrival order. An envelope is deleted only after handler returns nil
	// (at-least-once hand-off).
	ConsumeSignals(ctx context.Context, room domain.RoomID, self domain.PeerID, handler SignalHandler) error

	// RegisterDisconnectCleanup arranges store-side removal of the record if
	// this client disappears uncleanly.
	RegisterDisconnectCleanup(ctx context.Context, room domain.RoomID, id domain.PeerID) error
}
