package mesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meshcall/meshcall/internal/adapters/roster"
	"github.com/meshcall/meshcall/internal/auth"
	"github.com/meshcall/meshcall/internal/core"
	"github.com/meshcall/meshcall/internal/domain"
)

// latestRecord polls a store watch for the most recent view of one
// participant.
func latestRecord(t *testing.T, store core.RosterStore, room domain.RoomID, id domain.PeerID, cond func(domain.Participant) bool) {
	t.Helper()
	snaps, stop, err := store.WatchRoster(context.Background(), room)
	if err != nil {
		t.Fatalf("WatchRoster: %v", err)
	}
	defer stop()
	var last core.RosterSnapshot
	waitFor(t, 3*time.Second, "participant record update", func() bool {
		for {
			select {
			case snap := <-snaps:
				last = snap
			default:
				p, ok := last.Find(id)
				return ok && cond(p)
			}
		}
	})
}

func TestJoinRejectsBadToken(t *testing.T) {
	t.Parallel()
	store := roster.NewMemoryStore()
	_, err := Join(context.Background(), Options{
		Store:       store,
		Factory:     newFakeHub().factory,
		TokenSecret: testSecret,
	}, "room", "not-a-token", "zed")
	if err == nil {
		t.Fatal("Join accepted a malformed token")
	}
}

func TestJoinDegradesWhenCaptureFails(t *testing.T) {
	t.Parallel()
	store := roster.NewMemoryStore()
	hub := newFakeHub()
	devices := newFakeDevices(t)
	devices.acquireErr = &core.AcquisitionError{Device: "cam0", Kind: core.DeviceVideo, Reason: core.AcquireBusy}

	s := joinTestSession(t, store, "degrade", "zed", domain.RoleMember, hub, func(o *Options) {
		o.Devices = devices
	})
	defer s.Leave()

	self := s.Self()
	if !self.AudioMuted || !self.VideoOff {
		t.Errorf("media-less join published muted=%v videoOff=%v, want both true", self.AudioMuted, self.VideoOff)
	}
}

func TestToggleMuteGatesAudioInPlace(t *testing.T) {
	t.Parallel()
	store := roster.NewMemoryStore()
	room := domain.RoomID("mute")
	s := joinTestSession(t, store, room, "zed", domain.RoleMember, newFakeHub())
	defer s.Leave()
	ctx := context.Background()

	muted, err := s.ToggleMute(ctx)
	if err != nil {
		t.Fatalf("ToggleMute: %v", err)
	}
	if !muted {
		t.Fatal("first toggle should mute")
	}
	if s.tracks.Audio().Enabled() {
		t.Error("microphone still enabled after mute")
	}
	latestRecord(t, store, room, "zed", func(p domain.Participant) bool { return p.AudioMuted })

	muted, err = s.ToggleMute(ctx)
	if err != nil {
		t.Fatalf("ToggleMute: %v", err)
	}
	if muted {
		t.Fatal("second toggle should unmute")
	}
	if !s.tracks.Audio().Enabled() {
		t.Error("microphone not re-enabled after unmute")
	}
}

func TestToggleVideoGatesCameraInPlace(t *testing.T) {
	t.Parallel()
	store := roster.NewMemoryStore()
	room := domain.RoomID("video")
	s := joinTestSession(t, store, room, "zed", domain.RoleMember, newFakeHub())
	defer s.Leave()

	off, err := s.ToggleVideo(context.Background())
	if err != nil {
		t.Fatalf("ToggleVideo: %v", err)
	}
	if !off {
		t.Fatal("first toggle should turn video off")
	}
	if s.tracks.Camera().Enabled() {
		t.Error("camera still enabled after video off")
	}
	latestRecord(t, store, room, "zed", func(p domain.Participant) bool { return p.VideoOff })
}

func TestScreenShareSubstitutesWithoutRenegotiation(t *testing.T) {
	t.Parallel()
	store := roster.NewMemoryStore()
	room := domain.RoomID("share")
	hub := newFakeHub()
	devices := newFakeDevices(t)
	ctx := context.Background()

	s := joinTestSession(t, store, room, "zed", domain.RoleMember, hub, func(o *Options) {
		o.Devices = devices
	})
	defer s.Leave()

	putPeer(t, store, room, "amy", domain.RoleMember)
	putPeer(t, store, room, "bob", domain.RoleMember)
	waitFor(t, 3*time.Second, "entries for both peers", func() bool {
		return len(s.Peers()) == 2
	})

	offersBefore := hub.latest("amy").offers() + hub.latest("bob").offers()

	sharing, err := s.ToggleScreenShare(ctx)
	if err != nil {
		t.Fatalf("ToggleScreenShare: %v", err)
	}
	if !sharing {
		t.Fatal("toggle should start sharing")
	}
	screen := s.tracks.Screen()
	if screen == nil {
		t.Fatal("no screen source after toggle")
	}
	for _, peer := range []domain.PeerID{"amy", "bob"} {
		tr := hub.latest(peer)
		if got := tr.trackCount(); got != 2 {
			t.Errorf("%s track count = %d, want 2 (one audio, one video)", peer, got)
		}
		if tr.sender(1).currentTrack() != screen.Track() {
			t.Errorf("%s video sender not substituted to screen", peer)
		}
	}
	if got := hub.latest("amy").offers() + hub.latest("bob").offers(); got != offersBefore {
		t.Errorf("screen share renegotiated: offers %d -> %d", offersBefore, got)
	}

	// Toggling back restores the camera and releases the screen capture.
	sharing, err = s.ToggleScreenShare(ctx)
	if err != nil {
		t.Fatalf("ToggleScreenShare: %v", err)
	}
	if sharing {
		t.Fatal("second toggle should stop sharing")
	}
	camera := s.tracks.Camera()
	for _, peer := range []domain.PeerID{"amy", "bob"} {
		if hub.latest(peer).sender(1).currentTrack() != camera.Track() {
			t.Errorf("%s video sender not restored to camera", peer)
		}
	}
	devices.mu.Lock()
	screenSrc := devices.screens[0]
	devices.mu.Unlock()
	if !screenSrc.isClosed() {
		t.Error("screen source not closed after stop")
	}
}

func TestSwitchDeviceSubstitutesLive(t *testing.T) {
	t.Parallel()
	store := roster.NewMemoryStore()
	room := domain.RoomID("switch")
	hub := newFakeHub()
	s := joinTestSession(t, store, room, "zed", domain.RoleMember, hub)
	defer s.Leave()

	putPeer(t, store, room, "amy", domain.RoleMember)
	waitFor(t, 3*time.Second, "entry for amy", func() bool {
		return len(s.Peers()) == 1
	})

	oldMic := s.tracks.Audio()
	if err := s.SwitchDevice(context.Background(), core.DeviceAudio, "mic1"); err != nil {
		t.Fatalf("SwitchDevice: %v", err)
	}
	newMic := s.tracks.Audio()
	if newMic.DeviceID() != "mic1" {
		t.Errorf("audio device = %s, want mic1", newMic.DeviceID())
	}
	if hub.latest("amy").sender(0).currentTrack() != newMic.Track() {
		t.Error("audio sender not substituted to the new microphone")
	}
	if !oldMic.(*fakeSource).isClosed() {
		t.Error("previous microphone source not closed")
	}
}

func TestModerationRequiresOrganizer(t *testing.T) {
	t.Parallel()
	store := roster.NewMemoryStore()
	room := domain.RoomID("modgate")
	s := joinTestSession(t, store, room, "zed", domain.RoleMember, newFakeHub())
	defer s.Leave()
	ctx := context.Background()

	if err := s.MuteOther(ctx, "amy"); !errors.Is(err, core.ErrNotOrganizer) {
		t.Errorf("MuteOther as member: err = %v, want ErrNotOrganizer", err)
	}
	if err := s.KickOther(ctx, "amy"); !errors.Is(err, core.ErrNotOrganizer) {
		t.Errorf("KickOther as member: err = %v, want ErrNotOrganizer", err)
	}
	if err := s.ChangeOtherRole(ctx, "amy", domain.RoleOrganizer); !errors.Is(err, core.ErrNotOrganizer) {
		t.Errorf("ChangeOtherRole as member: err = %v, want ErrNotOrganizer", err)
	}
}

func TestOrganizerMutesAndPromotes(t *testing.T) {
	t.Parallel()
	store := roster.NewMemoryStore()
	room := domain.RoomID("moderate")
	org := joinTestSession(t, store, room, "zoe", domain.RoleOrganizer, newFakeHub())
	defer org.Leave()
	member := joinTestSession(t, store, room, "amy", domain.RoleMember, newFakeHub())
	defer member.Leave()
	ctx := context.Background()

	if err := org.MuteOther(ctx, "amy"); err != nil {
		t.Fatalf("MuteOther: %v", err)
	}
	latestRecord(t, store, room, "amy", func(p domain.Participant) bool { return p.AudioMuted })

	if err := org.ChangeOtherRole(ctx, "amy", domain.RoleOrganizer); err != nil {
		t.Fatalf("ChangeOtherRole: %v", err)
	}
	latestRecord(t, store, room, "amy", func(p domain.Participant) bool { return p.Role == domain.RoleOrganizer })
}

func TestKickTearsDownRemoteSession(t *testing.T) {
	t.Parallel()
	store := roster.NewMemoryStore()
	room := domain.RoomID("kick")
	org := joinTestSession(t, store, room, "zoe", domain.RoleOrganizer, newFakeHub())
	defer org.Leave()
	member := joinTestSession(t, store, room, "amy", domain.RoleMember, newFakeHub())
	memberEvents := collectEvents(member)

	waitFor(t, 3*time.Second, "mesh converged", func() bool {
		return len(org.Peers()) == 1 && len(member.Peers()) == 1
	})

	if err := org.KickOther(context.Background(), "amy"); err != nil {
		t.Fatalf("KickOther: %v", err)
	}

	// The kicked session sees its own record vanish and leaves on its own.
	waitFor(t, 3*time.Second, "kicked session closed", func() bool {
		return member.isClosed()
	})
	if !memberEvents.has(core.EventNotice) {
		t.Error("kicked session emitted no notice")
	}
	waitFor(t, 3*time.Second, "organizer dropped the entry", func() bool {
		return len(org.Peers()) == 0
	})
}

func TestLeaveIsIdempotentAndExhaustive(t *testing.T) {
	t.Parallel()
	store := roster.NewMemoryStore()
	room := domain.RoomID("leave")
	hub := newFakeHub()
	s := joinTestSession(t, store, room, "zed", domain.RoleMember, hub)

	putPeer(t, store, room, "amy", domain.RoleMember)
	waitFor(t, 3*time.Second, "entry for amy", func() bool {
		return len(s.Peers()) == 1
	})
	mic, cam := s.tracks.Audio(), s.tracks.Camera()

	s.Leave()
	s.Leave()

	if !hub.latest("amy").IsClosed() {
		t.Error("transport not closed on leave")
	}
	if !mic.(*fakeSource).isClosed() || !cam.(*fakeSource).isClosed() {
		t.Error("capture sources not closed on leave")
	}
	if _, err := s.ToggleMute(context.Background()); !errors.Is(err, core.ErrSessionClosed) {
		t.Errorf("ToggleMute after leave: err = %v, want ErrSessionClosed", err)
	}

	// The roster record is gone, so remote reconcilers drop us.
	snaps, stop, err := store.WatchRoster(context.Background(), room)
	if err != nil {
		t.Fatalf("WatchRoster: %v", err)
	}
	defer stop()
	snap := <-snaps
	if _, ok := snap.Find("zed"); ok {
		t.Error("roster record survived leave")
	}
}

func TestLateTransportCallbackAfterLeave(t *testing.T) {
	t.Parallel()
	store := roster.NewMemoryStore()
	room := domain.RoomID("late-state")
	hub := newFakeHub()
	s := joinTestSession(t, store, room, "zed", domain.RoleMember, hub)

	putPeer(t, store, room, "amy", domain.RoleMember)
	waitFor(t, 3*time.Second, "entry for amy", func() bool {
		return len(s.Peers()) == 1
	})
	tr := hub.latest("amy")

	s.Leave()

	// The underlying stack reports the post-close state transition from its
	// own goroutine, after the event stream has ended. It must be dropped,
	// not panic the process.
	time.Sleep(50 * time.Millisecond)
	tr.stateCB(webrtc.PeerConnectionStateClosed)
	tr.stateCB(webrtc.PeerConnectionStateFailed)
}

// putFailStore simulates a store outage at the moment of joining.
type putFailStore struct {
	*roster.MemoryStore
	putErr error
}

func (s *putFailStore) PutParticipant(context.Context, domain.RoomID, domain.Participant) error {
	return s.putErr
}

func TestJoinFailureReleasesCapture(t *testing.T) {
	t.Parallel()
	store := &putFailStore{MemoryStore: roster.NewMemoryStore(), putErr: errors.New("store down")}
	devices := newFakeDevices(t)
	token, err := auth.MintRoomToken(testSecret, "halfjoin", domain.RoleMember, time.Minute)
	if err != nil {
		t.Fatalf("MintRoomToken: %v", err)
	}

	_, err = Join(context.Background(), Options{
		Store:       store,
		Devices:     devices,
		Factory:     newFakeHub().factory,
		TokenSecret: testSecret,
		SelfID:      "zed",
	}, "halfjoin", token, "zed")
	if err == nil {
		t.Fatal("Join succeeded against a failing store")
	}

	// A failed join must not keep the devices busy for the retry.
	sources := devices.acquiredSources()
	if len(sources) == 0 {
		t.Fatal("no capture sources were acquired before the failure")
	}
	for _, src := range sources {
		if !src.isClosed() {
			t.Errorf("source %s leaked by the failed join", src.DeviceID())
		}
	}
}

func TestAgentSpeakingMirrored(t *testing.T) {
	t.Parallel()
	store := roster.NewMemoryStore()
	room := domain.RoomID("agent")
	agent := &fakeAgent{}
	s := joinTestSession(t, store, room, "zed", domain.RoleMember, newFakeHub(), func(o *Options) {
		o.Agent = agent
	})
	defer s.Leave()
	events := collectEvents(s)

	if err := s.ConnectAgent(context.Background()); err != nil {
		t.Fatalf("ConnectAgent: %v", err)
	}
	agent.mu.Lock()
	connected := agent.connected
	agent.mu.Unlock()
	if !connected {
		t.Fatal("agent bridge not connected")
	}

	agent.emitSpeaking(true)
	waitFor(t, 3*time.Second, "speaking event", func() bool {
		ev, ok := events.last(core.EventSpeaking)
		return ok && ev.Speaking
	})
	latestRecord(t, store, room, "zed", func(p domain.Participant) bool { return p.IsSpeaking })

	s.DisconnectAgent()
	agent.mu.Lock()
	connected = agent.connected
	agent.mu.Unlock()
	if connected {
		t.Error("agent bridge still connected after disconnect")
	}
}
