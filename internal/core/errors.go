package core

import (
	"errors"
	"fmt"

	"github.com/meshcall/meshcall/internal/domain"
)

var (
	// ErrSignalingUnavailable means the roster/signaling store is unreachable.
	// Callers tolerate dropped sends and rely on the recycle timers.
	ErrSignalingUnavailable = errors.New("signaling unavailable")

	// ErrNotOrganizer rejects a moderation command before any store write.
	ErrNotOrganizer = errors.New("moderation requires organizer role")

	// ErrSessionClosed is returned by commands after Leave.
	ErrSessionClosed = errors.New("session closed")
)

type AcquisitionReason int

const (
	AcquireNotFound AcquisitionReason = iota
	AcquireBusy
	AcquirePermissionDenied
	AcquireReadFailed
)

func (r AcquisitionReason) String() string {
	switch r {
	case AcquireBusy:
		return "device busy"
	case AcquirePermissionDenied:
		return "permission denied"
	case AcquireReadFailed:
		return "read failed"
	default:
		return "device not found"
	}
}

// AcquisitionError reports a camera/mic/screen capture failure. Never fatal
// to a session; callers may proceed with a degraded local stream.
type AcquisitionError struct {
	Device string
	Kind   DeviceKind
	Reason AcquisitionReason
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acquire %s %q: %s: %v", e.Kind, e.Device, e.Reason, e.Err)
	}
	return fmt.Sprintf("acquire %s %q: %s", e.Kind, e.Device, e.Reason)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// NegotiationError marks a peer transport that reached a terminal state.
// The reconciler recycles such entries; it is not surfaced as a hard error
// unless the retry budget runs out.
type NegotiationError struct {
	Peer domain.PeerID
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s failed: %v", e.Peer, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
