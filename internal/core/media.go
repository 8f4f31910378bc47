package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/meshcall/meshcall/internal/domain"
)

// TrackSender is the handle for one outgoing track, kept so the track
// controller can substitute the source without renegotiation.
// *webrtc.RTPSender satisfies it.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// MediaTransport wraps one peer transport session. The registry is the only
// component that constructs or closes one.
type MediaTransport interface {
	// Start configures internal callbacks and binds the transport lifetime to ctx.
	Start(ctx context.Context) error
	// Close stops all underlying network and codec resources. Idempotent.
	Close()
	IsClosed() bool

	// CreateOffer produces and applies a local offer description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// AcceptOffer applies a remote offer and produces an applied local answer.
	AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// AcceptAnswer applies a remote answer to a previously sent offer.
	AcceptAnswer(answer webrtc.SessionDescription) error
	// HasRemoteDescription reports whether candidates can be applied yet.
	HasRemoteDescription() bool
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error

	// AddLocalTrack attaches a local track and returns its sender handle so
	// the track controller can substitute the source later.
	AddLocalTrack(track webrtc.TrackLocal) (TrackSender, error)

	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked when a remote track arrives.
	OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnStateChange sets a callback for transport state transitions.
	OnStateChange(func(webrtc.PeerConnectionState))
}

// TransportFactory builds the transport session for one remote peer.
type TransportFactory func(peer domain.PeerID) (MediaTransport, error)
