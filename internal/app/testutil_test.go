package app

import (
	"context"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/meshcall/meshcall/internal/core"
	"github.com/meshcall/meshcall/internal/domain"
)

type stubSender struct {
	mu      sync.Mutex
	current webrtc.TrackLocal
	err     error
}

func (s *stubSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.current = track
	return nil
}

func (s *stubSender) currentTrack() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

type stubTransport struct {
	mu         sync.Mutex
	started    bool
	closed     bool
	remoteSet  bool
	senders    []*stubSender
	replaceErr error
	startErr   error
	addErr     error

	candCB  func(webrtc.ICECandidateInit)
	trackCB func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	stateCB func(webrtc.PeerConnectionState)
}

func (s *stubTransport) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

func (s *stubTransport) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *stubTransport) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubTransport) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "stub-offer"}, nil
}

func (s *stubTransport) AcceptOffer(context.Context, webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteSet = true
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "stub-answer"}, nil
}

func (s *stubTransport) AcceptAnswer(webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteSet = true
	return nil
}

func (s *stubTransport) HasRemoteDescription() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSet
}

func (s *stubTransport) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (s *stubTransport) AddLocalTrack(webrtc.TrackLocal) (core.TrackSender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return nil, s.addErr
	}
	sender := &stubSender{err: s.replaceErr}
	s.senders = append(s.senders, sender)
	return sender, nil
}

func (s *stubTransport) OnICECandidate(cb func(webrtc.ICECandidateInit)) { s.candCB = cb }
func (s *stubTransport) OnTrack(cb func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	s.trackCB = cb
}
func (s *stubTransport) OnStateChange(cb func(webrtc.PeerConnectionState)) { s.stateCB = cb }

func (s *stubTransport) sender(i int) *stubSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.senders) {
		return nil
	}
	return s.senders[i]
}

func (s *stubTransport) trackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.senders)
}

type stubSource struct {
	track    webrtc.TrackLocal
	deviceID string
	mu       sync.Mutex
	enabled  bool
}

func newStubSource(t *testing.T, audio bool, deviceID string) *stubSource {
	t.Helper()
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	kind := "audio"
	if !audio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		kind = "video"
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, kind+"-"+deviceID, "local-"+deviceID)
	if err != nil {
		t.Fatalf("NewTrackLocalStaticRTP: %v", err)
	}
	return &stubSource{track: track, deviceID: deviceID, enabled: true}
}

func (s *stubSource) Track() webrtc.TrackLocal { return s.track }

func (s *stubSource) SetEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = v
}

func (s *stubSource) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *stubSource) DeviceID() string { return s.deviceID }
func (s *stubSource) Close() error     { return nil }

func newTestController(t *testing.T) *TrackController {
	t.Helper()
	return NewTrackController(&core.LocalMedia{
		Audio: newStubSource(t, true, "mic0"),
		Video: newStubSource(t, false, "cam0"),
	})
}

// stubFactory hands out stubTransports and remembers them by peer.
type stubFactory struct {
	mu    sync.Mutex
	built map[domain.PeerID][]*stubTransport
	err   error
}

func newStubFactory() *stubFactory {
	return &stubFactory{built: make(map[domain.PeerID][]*stubTransport)}
}

func (f *stubFactory) factory(peer domain.PeerID) (core.MediaTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	tr := &stubTransport{}
	f.built[peer] = append(f.built[peer], tr)
	return tr, nil
}

func (f *stubFactory) latest(peer domain.PeerID) *stubTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.built[peer]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}
