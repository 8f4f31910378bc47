package app

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/meshcall/meshcall/internal/core"
	"github.com/meshcall/meshcall/internal/domain"
)

// RegistryHooks wires a freshly built transport into the rest of the mesh.
type RegistryHooks struct {
	// OnCandidate forwards a locally gathered candidate to the signaling channel.
	OnCandidate func(peer domain.PeerID, c webrtc.ICECandidateInit)
	// OnRemoteTrack hands a received track to the rendering layer.
	OnRemoteTrack func(t core.RemoteTrack)
	// OnStateChange reports transport state transitions.
	OnStateChange func(peer domain.PeerID, s webrtc.PeerConnectionState)
}

// Registry owns the peerID -> live transport mapping. It is the only
// component permitted to construct or close a transport session.
type Registry struct {
	mu      sync.RWMutex
	entries map[domain.PeerID]*Entry

	factory core.TransportFactory
	tracks  *TrackController
	hooks   RegistryHooks
}

func NewRegistry(factory core.TransportFactory, tracks *TrackController, hooks RegistryHooks) *Registry {
	return &Registry{
		entries: make(map[domain.PeerID]*Entry),
		factory: factory,
		tracks:  tracks,
		hooks:   hooks,
	}
}

// GetOrCreate returns the existing entry or builds a new transport session:
// constructs it through the factory, attaches the currently-active local
// tracks, wires its event hooks and registers it. The second return reports
// whether an entry was created by this call.
func (r *Registry) GetOrCreate(ctx context.Context, peer domain.PeerID) (*Entry, bool, error) {
	r.mu.RLock()
	e, ok := r.entries[peer]
	r.mu.RUnlock()
	if ok {
		return e, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[peer]; ok {
		return e, false, nil
	}

	t, err := r.factory(peer)
	if err != nil {
		return nil, false, &core.NegotiationError{Peer: peer, Err: err}
	}
	e = NewEntry(peer, t)

	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if r.hooks.OnCandidate != nil {
			r.hooks.OnCandidate(peer, c)
		}
	})
	t.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "app.registry").Str("peer", string(peer)).Str("kind", track.Kind().String()).Msg("remote track")
		if r.hooks.OnRemoteTrack != nil {
			r.hooks.OnRemoteTrack(core.RemoteTrack{Peer: peer, Kind: track.Kind().String(), Track: track})
		}
	})
	t.OnStateChange(func(s webrtc.PeerConnectionState) {
		if r.hooks.OnStateChange != nil {
			r.hooks.OnStateChange(peer, s)
		}
	})

	if err := t.Start(ctx); err != nil {
		t.Close()
		return nil, false, &core.NegotiationError{Peer: peer, Err: err}
	}
	if err := r.tracks.AttachLocalTracks(e); err != nil {
		t.Close()
		return nil, false, &core.NegotiationError{Peer: peer, Err: err}
	}

	r.entries[peer] = e
	log.Info().Str("module", "app.registry").Str("peer", string(peer)).Msg("entry created")
	return e, true, nil
}

// Get looks up an entry without creating one.
func (r *Registry) Get(peer domain.PeerID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[peer]
	return e, ok
}

// Remove closes the transport and deletes the entry. Idempotent: removing an
// absent id is a no-op.
func (r *Registry) Remove(peer domain.PeerID) {
	r.mu.Lock()
	e, ok := r.entries[peer]
	if ok {
		delete(r.entries, peer)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.tracks.Detach(peer)
	e.Transport.Close()
	log.Info().Str("module", "app.registry").Str("peer", string(peer)).Msg("entry removed")
}

// All returns the current membership, used by the reconciler's diff.
func (r *Registry) All() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

// Entries snapshots the live entries.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Clear tears down every entry. Used on leave so teardown is exhaustive.
func (r *Registry) Clear() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[domain.PeerID]*Entry)
	r.mu.Unlock()
	for peer, e := range entries {
		r.tracks.Detach(peer)
		e.Transport.Close()
	}
	if len(entries) > 0 {
		log.Info().Str("module", "app.registry").Int("count", len(entries)).Msg("registry cleared")
	}
}
