package mesh

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/meshcall/meshcall/internal/app"
	"github.com/meshcall/meshcall/internal/domain"
)

func newEnvelope(sender domain.PeerID, t domain.SignalType, payload any) (domain.SignalEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.SignalEnvelope{}, err
	}
	return domain.SignalEnvelope{
		Key:     uuid.NewString(),
		Sender:  sender,
		Type:    t,
		Payload: raw,
	}, nil
}

// isInitiator is the tie-break: both sides compute it independently from
// the two already-known ids, so exactly one of a simultaneous pair sends
// the offer. The greater id initiates.
func (s *Session) isInitiator(peer domain.PeerID) bool {
	return string(s.self.ID) > string(peer)
}

// sendOffer drives the initiator path for one entry. Runs on the loop.
func (s *Session) sendOffer(e *app.Entry) {
	offer, err := e.Transport.CreateOffer(s.ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(e.Peer)).Msg("create offer")
		e.MarkFailed()
		return
	}
	env, err := newEnvelope(s.self.ID, domain.SignalOffer, offer)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Msg("offer marshal")
		e.MarkFailed()
		return
	}
	e.MarkOfferSent(s.now())
	if err := s.store.AppendSignal(s.ctx, s.room, e.Peer, env); err != nil {
		// Dropped send: the unanswered-offer window recycles the entry.
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(e.Peer)).Msg("offer send dropped")
	}
	log.Info().Str("module", "mesh").Str("peer", string(e.Peer)).Msg("offer sent")
}

// handleEnvelope dispatches one mailbox message. Runs on the loop. A nil
// return consumes the envelope; malformed or inapplicable messages are
// dropped with a log line, never retried.
func (s *Session) handleEnvelope(env domain.SignalEnvelope) error {
	switch env.Type {
	case domain.SignalOffer:
		return s.handleOffer(env)
	case domain.SignalAnswer:
		return s.handleAnswer(env)
	case domain.SignalCandidate:
		return s.handleCandidate(env)
	default:
		log.Warn().Str("module", "mesh").Str("sender", string(env.Sender)).Msg("unknown signal type dropped")
		return nil
	}
}

func (s *Session) handleOffer(env domain.SignalEnvelope) error {
	peer := env.Sender
	if s.isInitiator(peer) {
		// Tie-break says we offer and they answer; a crossed offer from the
		// lesser side is stale by construction.
		log.Warn().Str("module", "mesh").Str("peer", string(peer)).Msg("offer from non-initiator dropped")
		return nil
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(env.Payload, &offer); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("malformed offer dropped")
		return nil
	}

	// An inbound offer means the peer's side is healthy even if our budget
	// for it ran out; accepting recovers the pair without a local retry.
	if s.retries.Exhausted(peer) {
		log.Info().Str("module", "mesh").Str("peer", string(peer)).Msg("offer from exhausted peer, accepting")
	}

	// The offer may arrive before our reconciler saw the peer join; the
	// registry is the shared creation point either way.
	e, _, err := s.registry.GetOrCreate(s.ctx, peer)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("entry for inbound offer")
		return nil
	}
	s.adoptPending(e)

	switch e.State() {
	case app.NegStable, app.NegOfferReceived:
		log.Warn().Str("module", "mesh").Str("peer", string(peer)).Str("state", e.State().String()).Msg("stale offer dropped")
		return nil
	}

	e.MarkOfferReceived()
	answer, err := e.Transport.AcceptOffer(s.ctx, offer)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("apply offer")
		e.MarkFailed()
		return nil
	}
	s.flushCandidates(e)

	ansEnv, err := newEnvelope(s.self.ID, domain.SignalAnswer, answer)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Msg("answer marshal")
		e.MarkFailed()
		return nil
	}
	if err := s.store.AppendSignal(s.ctx, s.room, peer, ansEnv); err != nil {
		// The peer's offer window recycles their side; ours stays usable.
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("answer send dropped")
	}
	e.MarkStable()
	s.retries.Reset(peer)
	log.Info().Str("module", "mesh").Str("peer", string(peer)).Msg("answered offer")
	return nil
}

func (s *Session) handleAnswer(env domain.SignalEnvelope) error {
	peer := env.Sender
	e, ok := s.registry.Get(peer)
	if !ok {
		log.Warn().Str("module", "mesh").Str("peer", string(peer)).Msg("answer for unknown entry dropped")
		return nil
	}
	if e.State() != app.NegOfferSent {
		log.Warn().Str("module", "mesh").Str("peer", string(peer)).Str("state", e.State().String()).Msg("unexpected answer dropped")
		return nil
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(env.Payload, &answer); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("malformed answer dropped")
		return nil
	}
	if err := e.Transport.AcceptAnswer(answer); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("apply answer")
		e.MarkFailed()
		return nil
	}
	s.flushCandidates(e)
	e.MarkStable()
	s.retries.Reset(peer)
	log.Info().Str("module", "mesh").Str("peer", string(peer)).Msg("negotiation stable")
	return nil
}

func (s *Session) handleCandidate(env domain.SignalEnvelope) error {
	peer := env.Sender

	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(env.Payload, &cand); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("malformed candidate dropped")
		return nil
	}

	e, ok := s.registry.Get(peer)
	if !ok {
		// The sender's ICE gathering starts at its SetLocalDescription, so
		// a candidate can land in our mailbox ahead of the offer and ahead
		// of our reconciler seeing the peer. Hold it until the entry exists.
		if len(s.pending[peer]) < maxPendingCandidates {
			s.pending[peer] = append(s.pending[peer], cand)
		}
		return nil
	}

	// Applying a candidate without a remote description fails; buffer until
	// the description lands.
	if !e.Transport.HasRemoteDescription() {
		e.BufferCandidate(cand)
		return nil
	}
	if err := e.Transport.AddICECandidate(cand); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("add candidate")
	}
	return nil
}

// adoptPending moves candidates that arrived before the entry existed into
// the entry's buffer; they flush once the remote description is set. Runs on
// the loop.
func (s *Session) adoptPending(e *app.Entry) {
	for _, cand := range s.pending[e.Peer] {
		e.BufferCandidate(cand)
	}
	delete(s.pending, e.Peer)
}

func (s *Session) flushCandidates(e *app.Entry) {
	for _, cand := range e.DrainCandidates() {
		if err := e.Transport.AddICECandidate(cand); err != nil {
			log.Error().Err(err).Str("module", "mesh").Str("peer", string(e.Peer)).Msg("flush candidate")
		}
	}
}
