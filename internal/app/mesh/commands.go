package mesh

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/meshcall/meshcall/internal/core"
	"github.com/meshcall/meshcall/internal/domain"
)

// ToggleMute flips the local microphone gate and mirrors the flag to the
// roster for remote display. Local-only media operation: no substitution,
// no renegotiation. Returns the new muted state.
func (s *Session) ToggleMute(ctx context.Context) (bool, error) {
	if s.isClosed() {
		return false, core.ErrSessionClosed
	}
	s.mu.Lock()
	muted := !s.self.AudioMuted
	s.self.AudioMuted = muted
	s.mu.Unlock()

	s.tracks.SetAudioEnabled(!muted)
	err := s.store.UpdateParticipant(ctx, s.room, s.self.ID, domain.ParticipantPatch{AudioMuted: &muted})
	return muted, err
}

// ToggleVideo flips the local camera gate. Same local-only semantics.
func (s *Session) ToggleVideo(ctx context.Context) (bool, error) {
	if s.isClosed() {
		return false, core.ErrSessionClosed
	}
	s.mu.Lock()
	off := !s.self.VideoOff
	s.self.VideoOff = off
	s.mu.Unlock()

	s.tracks.SetVideoEnabled(!off)
	err := s.store.UpdateParticipant(ctx, s.room, s.self.ID, domain.ParticipantPatch{VideoOff: &off})
	return off, err
}

// ToggleScreenShare starts or stops screen capture and substitutes the
// outgoing video on every live entry without renegotiation. Entries whose
// transport rejects the substitution fall back to the recycle path.
func (s *Session) ToggleScreenShare(ctx context.Context) (bool, error) {
	if s.isClosed() {
		return false, core.ErrSessionClosed
	}

	s.mu.Lock()
	active := s.screenSrc != nil
	s.mu.Unlock()

	if !active {
		src, err := s.devices.AcquireScreen(ctx)
		if err != nil {
			return false, err
		}
		s.mu.Lock()
		s.screenSrc = src
		s.mu.Unlock()
		s.recycleRejected(s.tracks.SetScreenSharing(src))
	} else {
		s.mu.Lock()
		src := s.screenSrc
		s.screenSrc = nil
		s.mu.Unlock()
		s.recycleRejected(s.tracks.SetScreenSharing(nil))
		// Stopping the capture is on us once every entry is back on camera.
		if src != nil {
			_ = src.Close()
		}
	}

	sharing := !active
	s.mu.Lock()
	s.self.IsScreenSharing = sharing
	s.mu.Unlock()
	err := s.store.UpdateParticipant(ctx, s.room, s.self.ID, domain.ParticipantPatch{IsScreenSharing: &sharing})
	return sharing, err
}

// SwitchDevice re-acquires one capture kind from another device and
// substitutes the new track live on every entry.
func (s *Session) SwitchDevice(ctx context.Context, kind core.DeviceKind, deviceID string) error {
	if s.isClosed() {
		return core.ErrSessionClosed
	}
	src, err := s.devices.SwitchDevice(ctx, kind, deviceID)
	if err != nil {
		return err
	}

	var old core.CaptureSource
	switch kind {
	case core.DeviceAudio:
		old = s.tracks.Audio()
		s.recycleRejected(s.tracks.SetDeviceTracks(src, nil))
		s.mu.Lock()
		tapped := s.agentTapped
		s.mu.Unlock()
		if tapped {
			s.hookAgentTap(src)
		}
	default:
		old = s.tracks.Camera()
		s.recycleRejected(s.tracks.SetDeviceTracks(nil, src))
	}
	if old != nil {
		_ = old.Close()
	}
	log.Info().Str("module", "mesh").Str("kind", kind.String()).Str("device", deviceID).Msg("device switched")
	return nil
}

// recycleRejected pushes entries that refused a live substitution through
// the remove+recreate renegotiation path.
func (s *Session) recycleRejected(peers []domain.PeerID) {
	if len(peers) == 0 {
		return
	}
	_ = s.post(func() {
		for _, id := range peers {
			if e, ok := s.registry.Get(id); ok {
				e.MarkFailed()
			}
		}
		s.reconcile(s.roster)
	})
}

// requireOrganizer gates moderation before any external write is attempted.
func (s *Session) requireOrganizer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.self.Role != domain.RoleOrganizer {
		return core.ErrNotOrganizer
	}
	return nil
}

// MuteOther force-mutes another participant. Organizer only.
func (s *Session) MuteOther(ctx context.Context, peer domain.PeerID) error {
	if s.isClosed() {
		return core.ErrSessionClosed
	}
	if err := s.requireOrganizer(); err != nil {
		return err
	}
	muted := true
	log.Info().Str("module", "mesh").Str("peer", string(peer)).Msg("moderation: mute")
	return s.store.UpdateParticipant(ctx, s.room, peer, domain.ParticipantPatch{AudioMuted: &muted})
}

// KickOther removes another participant's roster record. Their own
// reconciler sees the removal and runs leave cleanup; every other peer's
// reconciler drops the connection entry. Organizer only.
func (s *Session) KickOther(ctx context.Context, peer domain.PeerID) error {
	if s.isClosed() {
		return core.ErrSessionClosed
	}
	if err := s.requireOrganizer(); err != nil {
		return err
	}
	log.Info().Str("module", "mesh").Str("peer", string(peer)).Msg("moderation: kick")
	return s.store.RemoveParticipant(ctx, s.room, peer)
}

// ChangeOtherRole reassigns a participant's role. Organizer only.
func (s *Session) ChangeOtherRole(ctx context.Context, peer domain.PeerID, role domain.Role) error {
	if s.isClosed() {
		return core.ErrSessionClosed
	}
	if err := s.requireOrganizer(); err != nil {
		return err
	}
	log.Info().Str("module", "mesh").Str("peer", string(peer)).Str("role", role.String()).Msg("moderation: role change")
	return s.store.UpdateParticipant(ctx, s.room, peer, domain.ParticipantPatch{Role: &role})
}

// ConnectAgent bridges the local audio to the voice agent and mirrors its
// speaking state into the roster.
func (s *Session) ConnectAgent(ctx context.Context) error {
	if s.isClosed() {
		return core.ErrSessionClosed
	}
	if s.agent == nil {
		return core.ErrSignalingUnavailable
	}
	s.agent.OnSpeaking(func(speaking bool) {
		s.emit(core.Event{Type: core.EventSpeaking, Peer: s.self.ID, Speaking: speaking})
		sp := speaking
		if err := s.store.UpdateParticipant(s.ctx, s.room, s.self.ID, domain.ParticipantPatch{IsSpeaking: &sp}); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Msg("speaking flag update dropped")
		}
	})
	if err := s.agent.Connect(ctx); err != nil {
		return err
	}
	s.hookAgentTap(s.tracks.Audio())
	s.mu.Lock()
	s.agentTapped = true
	s.mu.Unlock()
	return nil
}

// DisconnectAgent tears the bridge down.
func (s *Session) DisconnectAgent() {
	if s.agent == nil {
		return
	}
	s.mu.Lock()
	s.agentTapped = false
	s.mu.Unlock()
	if tap, ok := s.tracks.Audio().(core.PayloadTap); ok {
		tap.SetPayloadTap(nil)
	}
	s.agent.Disconnect()
}

// hookAgentTap fans the microphone payloads into the agent bridge. Sources
// without a payload tap simply leave the agent without local audio.
func (s *Session) hookAgentTap(src core.CaptureSource) {
	tap, ok := src.(core.PayloadTap)
	if !ok {
		return
	}
	tap.SetPayloadTap(func(payload []byte) {
		if err := s.agent.SendAudio(payload); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Msg("agent audio send failed")
		}
	})
}
