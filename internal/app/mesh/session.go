// Package mesh owns the peer-mesh connection manager: one Session per
// joined room, holding the registry, the negotiation engine and the
// topology reconciler. All mesh mutations run on a single event loop
// goroutine; adapters feed it through channels.
package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/meshcall/meshcall/internal/app"
	"github.com/meshcall/meshcall/internal/auth"
	"github.com/meshcall/meshcall/internal/core"
	"github.com/meshcall/meshcall/internal/domain"
)

const (
	eventBuffer    = 128
	loopBuffer     = 64
	reconcileEvery = time.Second
	joinWait       = 10 * time.Second

	// maxPendingCandidates bounds how many candidates are held per peer
	// before that peer's entry exists.
	maxPendingCandidates = 32
)

// Options wires a Session to its collaborators.
type Options struct {
	Store       core.RosterStore
	Devices     core.DeviceManager
	Factory     core.TransportFactory
	Agent       core.AgentBridge
	TokenSecret string

	OfferTimeout time.Duration
	Retry        app.RetryPolicy

	// SelfID overrides the generated peer id. Tests use it to pin the
	// tie-break order.
	SelfID domain.PeerID
}

func (o *Options) defaults() {
	if o.OfferTimeout <= 0 {
		o.OfferTimeout = 15 * time.Second
	}
	if o.Retry.Min <= 0 {
		o.Retry.Min = time.Second
	}
	if o.Retry.Max <= 0 {
		o.Retry.Max = 30 * time.Second
	}
	if o.Retry.Budget <= 0 {
		o.Retry.Budget = 5
	}
}

// Session is the owned mesh state for one room membership. Constructed at
// join, torn down exhaustively at leave; nothing lives in package globals.
type Session struct {
	room domain.RoomID
	self domain.Participant

	store    core.RosterStore
	devices  core.DeviceManager
	tracks   *app.TrackController
	registry *app.Registry
	retries  *app.RetryState
	agent    core.AgentBridge

	offerTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	loopCh chan func()
	events chan core.Event

	// loop-owned state, touched only from run().
	roster  core.RosterSnapshot
	streams map[domain.PeerID][]core.RemoteTrack
	pending map[domain.PeerID][]webrtc.ICECandidateInit

	mu          sync.Mutex
	closed      bool
	screenSrc   core.CaptureSource
	agentTapped bool

	// now is swappable so tests can drive the offer window and backoff.
	now func() time.Time
}

// Join verifies the room token, acquires local media (degrading to
// audio-only or media-less on capture failure), publishes the local roster
// record and starts the mesh loops. It returns once the first roster
// snapshot containing the local record has been observed, so reconciliation
// never runs against a roster that lags our own join.
func Join(ctx context.Context, opts Options, room domain.RoomID, token, displayName string) (*Session, error) {
	opts.defaults()

	role, err := auth.VerifyRoomToken(opts.TokenSecret, token, room)
	if err != nil {
		return nil, err
	}

	self, err := domain.NewParticipant(displayName, role)
	if err != nil {
		return nil, err
	}
	if opts.SelfID != "" {
		self.ID = opts.SelfID
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		room:         room,
		self:         *self,
		store:        opts.Store,
		devices:      opts.Devices,
		agent:        opts.Agent,
		retries:      app.NewRetryState(opts.Retry),
		offerTimeout: opts.OfferTimeout,
		ctx:          ctx,
		cancel:       cancel,
		loopCh:       make(chan func(), loopBuffer),
		events:       make(chan core.Event, eventBuffer),
		streams:      make(map[domain.PeerID][]core.RemoteTrack),
		pending:      make(map[domain.PeerID][]webrtc.ICECandidateInit),
		now:          time.Now,
	}

	media := s.acquireMedia(ctx)
	s.tracks = app.NewTrackController(media)
	s.self.AudioMuted = media == nil || media.Audio == nil
	s.self.VideoOff = media == nil || media.Video == nil

	s.registry = app.NewRegistry(opts.Factory, s.tracks, app.RegistryHooks{
		OnCandidate:   s.onLocalCandidate,
		OnRemoteTrack: s.onRemoteTrack,
		OnStateChange: s.onTransportState,
	})

	if err := s.store.PutParticipant(ctx, room, s.self); err != nil {
		cancel()
		s.releaseMedia()
		return nil, err
	}
	if err := s.store.RegisterDisconnectCleanup(ctx, room, s.self.ID); err != nil {
		cancel()
		s.releaseMedia()
		return nil, err
	}

	snapshots, stopWatch, err := s.store.WatchRoster(ctx, room)
	if err != nil {
		cancel()
		s.releaseMedia()
		return nil, err
	}

	if err := s.awaitSelf(ctx, snapshots); err != nil {
		stopWatch()
		cancel()
		s.releaseMedia()
		return nil, err
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer stopWatch()
		s.run(snapshots)
	}()
	go func() {
		defer s.wg.Done()
		s.consumeSignals()
	}()

	log.Info().Str("module", "mesh").Str("room", string(room)).Str("self", string(s.self.ID)).Str("role", role.String()).Msg("joined")
	return s, nil
}

// acquireMedia tries audio+video, then audio-only, then proceeds media-less.
// Acquisition failure is never fatal to the session.
func (s *Session) acquireMedia(ctx context.Context) *core.LocalMedia {
	if s.devices == nil {
		return nil
	}
	media, err := s.devices.Acquire(ctx, core.CaptureConstraints{Audio: true, Video: true})
	if err == nil {
		return media
	}
	log.Warn().Err(err).Str("module", "mesh").Msg("video acquisition failed, trying audio-only")
	s.emit(core.Event{Type: core.EventNotice, Notice: "camera unavailable, continuing without video"})

	media, err = s.devices.Acquire(ctx, core.CaptureConstraints{Audio: true})
	if err == nil {
		return media
	}
	log.Warn().Err(err).Str("module", "mesh").Msg("audio acquisition failed, joining without local media")
	s.emit(core.Event{Type: core.EventNotice, Notice: "no capture devices, joining receive-only"})
	return nil
}

// releaseMedia closes whatever capture a failed join acquired; leaking the
// sources would keep the devices busy and force a retried join to degrade.
func (s *Session) releaseMedia() {
	if a := s.tracks.Audio(); a != nil {
		_ = a.Close()
	}
	if c := s.tracks.Camera(); c != nil {
		_ = c.Close()
	}
}

// awaitSelf blocks until a snapshot includes the local record. Our own
// write can lag the first watch delivery; starting the reconciler before
// seeing ourselves would let a remote peer race our join.
func (s *Session) awaitSelf(ctx context.Context, snapshots <-chan core.RosterSnapshot) error {
	timeout := time.NewTimer(joinWait)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("roster never reflected own join: %w", core.ErrSignalingUnavailable)
		case snap, ok := <-snapshots:
			if !ok {
				return core.ErrSignalingUnavailable
			}
			if _, ok := snap.Find(s.self.ID); ok {
				s.roster = snap
				return nil
			}
		}
	}
}

// run is the single event loop: roster snapshots, posted closures and the
// periodic self-healing tick all execute here, serializing mesh mutations.
func (s *Session) run(snapshots <-chan core.RosterSnapshot) {
	ticker := time.NewTicker(reconcileEvery)
	defer ticker.Stop()

	s.reconcile(s.roster)

	for {
		select {
		case <-s.ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			s.reconcile(snap)
		case fn := <-s.loopCh:
			fn()
		case <-ticker.C:
			s.reconcile(s.roster)
		}
	}
}

// post runs fn on the event loop and waits for it.
func (s *Session) post(fn func()) error {
	done := make(chan struct{})
	select {
	case <-s.ctx.Done():
		return core.ErrSessionClosed
	case s.loopCh <- func() { fn(); close(done) }:
	}
	select {
	case <-s.ctx.Done():
		return core.ErrSessionClosed
	case <-done:
		return nil
	}
}

func (s *Session) consumeSignals() {
	err := s.store.ConsumeSignals(s.ctx, s.room, s.self.ID, func(env domain.SignalEnvelope) error {
		var herr error
		if perr := s.post(func() { herr = s.handleEnvelope(env) }); perr != nil {
			return perr
		}
		return herr
	})
	if err != nil && s.ctx.Err() == nil {
		log.Error().Err(err).Str("module", "mesh").Msg("signal consumer stopped")
	}
}

// Events is the stream the rendering layer consumes.
func (s *Session) Events() <-chan core.Event { return s.events }

// Self returns the local participant record as last written.
func (s *Session) Self() domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Peers returns the registry membership. Exposed for the control surface.
func (s *Session) Peers() []domain.PeerID { return s.registry.All() }

func (s *Session) emit(ev core.Event) {
	// Transport callbacks fire from pion goroutines and can land after
	// Leave; the closed check and the channel close serialize on s.mu so a
	// late emit never hits a closed channel.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		// A stalled consumer must not stall the mesh; drop the oldest.
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- ev:
		default:
		}
	}
}

// Leave tears the session down exhaustively: every transport, the local
// roster record, capture sources and the agent bridge. Idempotent.
func (s *Session) Leave() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	screen := s.screenSrc
	s.screenSrc = nil
	s.mu.Unlock()

	if s.agent != nil {
		s.agent.Disconnect()
	}

	// Removing our record makes every remote reconciler drop us.
	rmCtx, rmCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := s.store.RemoveParticipant(rmCtx, s.room, s.self.ID); err != nil {
		log.Error().Err(err).Str("module", "mesh").Msg("roster record removal failed, store-side cleanup will reap it")
	}
	rmCancel()

	s.cancel()
	s.wg.Wait()

	s.registry.Clear()

	if screen != nil {
		_ = screen.Close()
	}
	if a := s.tracks.Audio(); a != nil {
		_ = a.Close()
	}
	if c := s.tracks.Camera(); c != nil {
		_ = c.Close()
	}
	s.mu.Lock()
	close(s.events)
	s.mu.Unlock()
	log.Info().Str("module", "mesh").Str("room", string(s.room)).Str("self", string(s.self.ID)).Msg("left")
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// onLocalCandidate forwards a gathered candidate to the peer's mailbox
// immediately, independent of offer/answer state.
func (s *Session) onLocalCandidate(peer domain.PeerID, c webrtc.ICECandidateInit) {
	env, err := newEnvelope(s.self.ID, domain.SignalCandidate, c)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Msg("candidate marshal")
		return
	}
	if err := s.store.AppendSignal(s.ctx, s.room, peer, env); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("candidate send dropped")
	}
}

func (s *Session) onRemoteTrack(t core.RemoteTrack) {
	_ = s.post(func() {
		s.streams[t.Peer] = append(s.streams[t.Peer], t)
	})
	s.emit(core.Event{Type: core.EventTrackAdded, Peer: t.Peer, Track: &t})
}

func (s *Session) onTransportState(peer domain.PeerID, st webrtc.PeerConnectionState) {
	s.emit(core.Event{Type: core.EventPeerState, Peer: peer, State: st.String()})
	if st != webrtc.PeerConnectionStateFailed {
		return
	}
	_ = s.post(func() {
		if e, ok := s.registry.Get(peer); ok {
			e.MarkFailed()
		}
		s.reconcile(s.roster)
	})
}

// RemoteStreams snapshots the received tracks per peer for the rendering
// layer.
func (s *Session) RemoteStreams() map[domain.PeerID][]core.RemoteTrack {
	out := make(map[domain.PeerID][]core.RemoteTrack)
	_ = s.post(func() {
		for peer, tracks := range s.streams {
			cp := make([]core.RemoteTrack, len(tracks))
			copy(cp, tracks)
			out[peer] = cp
		}
	})
	return out
}
