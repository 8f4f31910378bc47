package app

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meshcall/meshcall/internal/core"
	"github.com/meshcall/meshcall/internal/domain"
)

// NegState is the negotiation state of one peer pair.
type NegState int

const (
	NegIdle NegState = iota
	NegOfferSent
	NegOfferReceived
	NegStable
	NegFailed
)

func (s NegState) String() string {
	switch s {
	case NegOfferSent:
		return "offer_sent"
	case NegOfferReceived:
		return "offer_received"
	case NegStable:
		return "stable"
	case NegFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Entry is one live peer connection: the transport session plus its
// negotiation bookkeeping. Owned by the Registry.
type Entry struct {
	Peer      domain.PeerID
	Transport core.MediaTransport

	mu          sync.Mutex
	state       NegState
	offerSentAt time.Time
	candidates  []webrtc.ICECandidateInit

	audioSender core.TrackSender
	videoSender core.TrackSender
	videoSource domain.VideoSource
}

func NewEntry(peer domain.PeerID, t core.MediaTransport) *Entry {
	return &Entry{Peer: peer, Transport: t}
}

func (e *Entry) State() NegState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// MarkOfferSent records a pending offer; the timestamp bounds the answer
// wait window.
func (e *Entry) MarkOfferSent(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = NegOfferSent
	e.offerSentAt = now
}

func (e *Entry) MarkOfferReceived() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = NegOfferReceived
}

func (e *Entry) MarkStable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = NegStable
	e.offerSentAt = time.Time{}
}

func (e *Entry) MarkFailed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = NegFailed
}

// OfferExpired reports whether a sent offer has gone unanswered past window.
func (e *Entry) OfferExpired(now time.Time, window time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == NegOfferSent && !e.offerSentAt.IsZero() && now.Sub(e.offerSentAt) > window
}

// BufferCandidate holds a remote candidate that arrived before the remote
// description; applying it now would fail.
func (e *Entry) BufferCandidate(c webrtc.ICECandidateInit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, c)
}

// DrainCandidates returns and clears the buffered candidates.
func (e *Entry) DrainCandidates() []webrtc.ICECandidateInit {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.candidates
	e.candidates = nil
	return out
}

func (e *Entry) VideoSource() domain.VideoSource {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.videoSource
}

// replaceVideo substitutes the outgoing video track in place. The sender is
// reused: exactly one outgoing video track exists before and after.
func (e *Entry) replaceVideo(track webrtc.TrackLocal, src domain.VideoSource) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.videoSender == nil {
		return nil
	}
	if err := e.videoSender.ReplaceTrack(track); err != nil {
		return err
	}
	e.videoSource = src
	return nil
}

func (e *Entry) replaceAudio(track webrtc.TrackLocal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.audioSender == nil {
		return nil
	}
	return e.audioSender.ReplaceTrack(track)
}
