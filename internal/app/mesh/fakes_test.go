package mesh

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meshcall/meshcall/internal/core"
	"github.com/meshcall/meshcall/internal/domain"
)

// fakeSender records the currently substituted track.
type fakeSender struct {
	mu      sync.Mutex
	current webrtc.TrackLocal
	err     error
}

func (f *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.current = track
	return nil
}

func (f *fakeSender) currentTrack() webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// fakeTransport is an in-process transport session. Descriptions round-trip
// through the store as JSON like the real thing; no network is involved.
type fakeTransport struct {
	peer domain.PeerID

	mu            sync.Mutex
	started       bool
	closed        bool
	remoteSet     bool
	offersCreated int
	answersMade   int
	applied       []webrtc.ICECandidateInit
	senders       []*fakeSender
	replaceErr    error

	candCB  func(webrtc.ICECandidateInit)
	trackCB func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	stateCB func(webrtc.PeerConnectionState)
}

func (f *fakeTransport) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offersCreated++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-to-%s", f.peer)}, nil
}

func (f *fakeTransport) AcceptOffer(_ context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteSet = true
	f.answersMade++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-for-" + offer.SDP}, nil
}

func (f *fakeTransport) AcceptAnswer(webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteSet = true
	return nil
}

func (f *fakeTransport) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteSet
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, c)
	return nil
}

func (f *fakeTransport) AddLocalTrack(webrtc.TrackLocal) (core.TrackSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSender{err: f.replaceErr}
	f.senders = append(f.senders, s)
	return s, nil
}

func (f *fakeTransport) OnICECandidate(cb func(webrtc.ICECandidateInit)) { f.candCB = cb }
func (f *fakeTransport) OnTrack(cb func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.trackCB = cb
}
func (f *fakeTransport) OnStateChange(cb func(webrtc.PeerConnectionState)) { f.stateCB = cb }

func (f *fakeTransport) offers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offersCreated
}

func (f *fakeTransport) answers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answersMade
}

func (f *fakeTransport) trackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.senders)
}

func (f *fakeTransport) sender(i int) *fakeSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.senders) {
		return nil
	}
	return f.senders[i]
}

// fakeHub hands out fakeTransports and remembers them by remote peer so
// tests can inspect the session's side of each pair.
type fakeHub struct {
	mu         sync.Mutex
	transports map[domain.PeerID][]*fakeTransport
	factoryErr error
}

func newFakeHub() *fakeHub {
	return &fakeHub{transports: make(map[domain.PeerID][]*fakeTransport)}
}

func (h *fakeHub) factory(peer domain.PeerID) (core.MediaTransport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.factoryErr != nil {
		return nil, h.factoryErr
	}
	t := &fakeTransport{peer: peer}
	h.transports[peer] = append(h.transports[peer], t)
	return t, nil
}

// latest returns the most recently built transport for peer, nil when none.
func (h *fakeHub) latest(peer domain.PeerID) *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	ts := h.transports[peer]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

func (h *fakeHub) built(peer domain.PeerID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transports[peer])
}

// first returns the oldest transport built for peer, nil when none.
func (h *fakeHub) first(peer domain.PeerID) *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	ts := h.transports[peer]
	if len(ts) == 0 {
		return nil
	}
	return ts[0]
}

// fakeSource is an in-memory capture source.
type fakeSource struct {
	track    webrtc.TrackLocal
	deviceID string

	mu      sync.Mutex
	enabled bool
	closed  bool
}

func newFakeSource(t *testing.T, kind, deviceID string) *fakeSource {
	t.Helper()
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind != "audio" {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, kind+"-"+deviceID, "local-"+deviceID)
	if err != nil {
		t.Fatalf("NewTrackLocalStaticRTP: %v", err)
	}
	return &fakeSource{track: track, deviceID: deviceID, enabled: true}
}

func (f *fakeSource) Track() webrtc.TrackLocal { return f.track }

func (f *fakeSource) SetEnabled(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = v
}

func (f *fakeSource) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeSource) DeviceID() string { return f.deviceID }

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDevices is an in-memory device manager.
type fakeDevices struct {
	t *testing.T

	mu          sync.Mutex
	acquireErr  error
	screens     []*fakeSource
	acquired    []*fakeSource
	acquisition int
}

func newFakeDevices(t *testing.T) *fakeDevices { return &fakeDevices{t: t} }

func (d *fakeDevices) Acquire(_ context.Context, c core.CaptureConstraints) (*core.LocalMedia, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acquireErr != nil {
		return nil, d.acquireErr
	}
	d.acquisition++
	media := &core.LocalMedia{}
	if c.Audio {
		media.Audio = newFakeSource(d.t, "audio", "mic0")
		d.acquired = append(d.acquired, media.Audio.(*fakeSource))
	}
	if c.Video {
		media.Video = newFakeSource(d.t, "video", "cam0")
		d.acquired = append(d.acquired, media.Video.(*fakeSource))
	}
	return media, nil
}

func (d *fakeDevices) acquiredSources() []*fakeSource {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*fakeSource, len(d.acquired))
	copy(out, d.acquired)
	return out
}

func (d *fakeDevices) AcquireScreen(context.Context) (core.CaptureSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	src := newFakeSource(d.t, "video", fmt.Sprintf("screen%d", len(d.screens)))
	d.screens = append(d.screens, src)
	return src, nil
}

func (d *fakeDevices) Enumerate(context.Context) ([]core.DeviceInfo, error) {
	return []core.DeviceInfo{
		{ID: "mic0", Label: "Mic", Kind: core.DeviceAudio},
		{ID: "cam0", Label: "Cam", Kind: core.DeviceVideo},
		{ID: "mic1", Label: "Headset", Kind: core.DeviceAudio},
	}, nil
}

func (d *fakeDevices) SwitchDevice(_ context.Context, kind core.DeviceKind, deviceID string) (core.CaptureSource, error) {
	k := "audio"
	if kind != core.DeviceAudio {
		k = "video"
	}
	return newFakeSource(d.t, k, deviceID), nil
}

// fakeAgent is an in-memory voice agent bridge.
type fakeAgent struct {
	mu        sync.Mutex
	connected bool
	speaking  func(bool)
	audio     [][]byte
}

func (a *fakeAgent) Connect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	return nil
}

func (a *fakeAgent) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
}

func (a *fakeAgent) SendAudio(pcm []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.audio = append(a.audio, pcm)
	return nil
}

func (a *fakeAgent) OnSpeaking(cb func(bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.speaking = cb
}

func (a *fakeAgent) emitSpeaking(v bool) {
	a.mu.Lock()
	cb := a.speaking
	a.mu.Unlock()
	if cb != nil {
		cb(v)
	}
}

// eventLog drains a session's event stream so assertions never stall the
// mesh's drop-oldest emitter.
type eventLog struct {
	mu  sync.Mutex
	evs []core.Event
}

func collectEvents(s *Session) *eventLog {
	l := &eventLog{}
	go func() {
		for ev := range s.Events() {
			l.mu.Lock()
			l.evs = append(l.evs, ev)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) has(t core.EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.evs {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func (l *eventLog) last(t core.EventType) (core.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.evs) - 1; i >= 0; i-- {
		if l.evs[i].Type == t {
			return l.evs[i], true
		}
	}
	return core.Event{}, false
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
