package mesh

import (
	"github.com/rs/zerolog/log"

	"github.com/meshcall/meshcall/internal/app"
	"github.com/meshcall/meshcall/internal/core"
	"github.com/meshcall/meshcall/internal/domain"
)

// reconcile aligns the registry with one roster snapshot. Runs on the loop.
// Membership is a pure function of the snapshot diffed against the
// registry, so re-running on every snapshot or tick is idempotent.
func (s *Session) reconcile(snap core.RosterSnapshot) {
	if snap == nil {
		return
	}
	changed := !snapshotEqual(s.roster, snap)
	s.roster = snap

	// Moderation removal: our own record vanished, so this session is no
	// longer part of the room. Tear down like an explicit leave.
	if _, ok := snap.Find(s.self.ID); !ok {
		if !s.isClosed() {
			log.Info().Str("module", "mesh").Str("self", string(s.self.ID)).Msg("own record removed from roster, leaving")
			s.emit(core.Event{Type: core.EventNotice, Notice: "removed from room"})
			go s.Leave()
		}
		return
	}

	wanted := make(map[domain.PeerID]bool)
	for _, p := range snap {
		if p.ID == s.self.ID || p.Role == domain.RoleAgent {
			continue
		}
		wanted[p.ID] = true
	}

	// A departed peer starts fresh if it returns. Pruning against the
	// roster rather than the registry also unblocks peers whose budget ran
	// out after their entry was already removed.
	s.retries.Prune(wanted)

	// Self-healing: recycle entries that failed terminally or whose offer
	// went unanswered past the window.
	now := s.now()
	for _, e := range s.registry.Entries() {
		if e.State() != app.NegFailed && !e.OfferExpired(now, s.offerTimeout) {
			continue
		}
		s.registry.Remove(e.Peer)
		s.dropStreams(e.Peer)
		if !wanted[e.Peer] {
			continue
		}
		retry, _ := s.retries.Failure(e.Peer, now)
		if !retry {
			log.Error().Str("module", "mesh").Str("peer", string(e.Peer)).Msg("retry budget exhausted")
			s.emit(core.Event{Type: core.EventPeerFailed, Peer: e.Peer})
		} else {
			log.Info().Str("module", "mesh").Str("peer", string(e.Peer)).Msg("entry recycled")
		}
	}

	have := make(map[domain.PeerID]bool)
	for _, id := range s.registry.All() {
		have[id] = true
	}

	for id := range wanted {
		if have[id] {
			continue
		}
		if !s.retries.Allowed(id, now) {
			continue
		}
		e, created, err := s.registry.GetOrCreate(s.ctx, id)
		if err != nil {
			log.Error().Err(err).Str("module", "mesh").Str("peer", string(id)).Msg("entry create failed")
			if retry, _ := s.retries.Failure(id, now); !retry {
				s.emit(core.Event{Type: core.EventPeerFailed, Peer: id})
			}
			continue
		}
		if created {
			s.adoptPending(e)
			if s.isInitiator(id) {
				s.sendOffer(e)
			}
		}
	}

	for id := range have {
		if wanted[id] {
			continue
		}
		s.registry.Remove(id)
		s.dropStreams(id)
		delete(s.pending, id)
	}

	if changed {
		s.emit(core.Event{Type: core.EventRoster, Roster: snap})
	}
}

// dropStreams discards buffered remote media for a departed peer.
func (s *Session) dropStreams(id domain.PeerID) {
	if _, ok := s.streams[id]; !ok {
		return
	}
	delete(s.streams, id)
	s.emit(core.Event{Type: core.EventTrackRemoved, Peer: id})
}

func snapshotEqual(a, b core.RosterSnapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for _, p := range a {
		q, ok := b.Find(p.ID)
		if !ok || q != p {
			return false
		}
	}
	return true
}
