package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/meshcall/meshcall/internal/core"
	"github.com/meshcall/meshcall/internal/domain"
)

// TrackController owns which local media is on the wire. Connection entries
// borrow tracks; only this component mutates enabled flags or substitutes
// sources. At most one outgoing video track exists per entry at any time.
type TrackController struct {
	mu       sync.Mutex
	audio    core.CaptureSource
	camera   core.CaptureSource
	screen   core.CaptureSource
	attached map[domain.PeerID]*Entry
}

func NewTrackController(media *core.LocalMedia) *TrackController {
	tc := &TrackController{attached: make(map[domain.PeerID]*Entry)}
	if media != nil {
		tc.audio = media.Audio
		tc.camera = media.Video
	}
	return tc
}

// activeVideoLocked returns the current video source: screen wins while
// sharing, camera otherwise.
func (tc *TrackController) activeVideoLocked() (core.CaptureSource, domain.VideoSource) {
	if tc.screen != nil {
		return tc.screen, domain.SourceScreen
	}
	return tc.camera, domain.SourceCamera
}

// AttachLocalTracks adds the active audio track and the active video source
// to a freshly created entry and records the entry for later substitution.
func (tc *TrackController) AttachLocalTracks(e *Entry) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	video, src := tc.activeVideoLocked()

	if tc.audio != nil {
		as, err := e.Transport.AddLocalTrack(tc.audio.Track())
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.audioSender = as
		e.mu.Unlock()
	}
	if video != nil {
		vs, err := e.Transport.AddLocalTrack(video.Track())
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.videoSender = vs
		e.videoSource = src
		e.mu.Unlock()
	}
	tc.attached[e.Peer] = e
	return nil
}

// Detach forgets an entry. The registry closes the transport; nothing to
// substitute into afterwards.
func (tc *TrackController) Detach(peer domain.PeerID) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	delete(tc.attached, peer)
}

// SetScreenSharing substitutes the outgoing video on every entry: screen in
// place of camera when src is non-nil, camera back when nil. No
// renegotiation. Entries whose transport rejects the substitution are
// returned so the caller can recycle them through the renegotiation path.
func (tc *TrackController) SetScreenSharing(src core.CaptureSource) []domain.PeerID {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.screen = src
	video, tag := tc.activeVideoLocked()
	return tc.substituteVideoLocked(video, tag)
}

// SetDeviceTracks swaps the underlying devices after a microphone or camera
// switch, substituting live on every entry. Nil arguments keep the current
// device for that kind.
func (tc *TrackController) SetDeviceTracks(audio, video core.CaptureSource) []domain.PeerID {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	var rejected []domain.PeerID
	if audio != nil {
		tc.audio = audio
		for peer, e := range tc.attached {
			if err := e.replaceAudio(audio.Track()); err != nil {
				log.Error().Err(err).Str("module", "app.tracks").Str("peer", string(peer)).Msg("audio substitution rejected")
				rejected = append(rejected, peer)
			}
		}
	}
	if video != nil {
		tc.camera = video
		if tc.screen == nil {
			rejected = append(rejected, tc.substituteVideoLocked(video, domain.SourceCamera)...)
		}
	}
	return rejected
}

func (tc *TrackController) substituteVideoLocked(video core.CaptureSource, tag domain.VideoSource) []domain.PeerID {
	var rejected []domain.PeerID
	if video == nil {
		return nil
	}
	for peer, e := range tc.attached {
		if err := e.replaceVideo(video.Track(), tag); err != nil {
			log.Error().Err(err).Str("module", "app.tracks").Str("peer", string(peer)).Str("source", tag.String()).Msg("video substitution rejected")
			rejected = append(rejected, peer)
		}
	}
	log.Info().Str("module", "app.tracks").Str("source", tag.String()).Int("entries", len(tc.attached)).Msg("video source substituted")
	return rejected
}

// SetAudioEnabled gates the microphone in place. Local-only: no
// substitution, no renegotiation; the roster mirror is the caller's job.
func (tc *TrackController) SetAudioEnabled(enabled bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.audio != nil {
		tc.audio.SetEnabled(enabled)
	}
}

// SetVideoEnabled gates the camera in place.
func (tc *TrackController) SetVideoEnabled(enabled bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.camera != nil {
		tc.camera.SetEnabled(enabled)
	}
}

// ScreenSharing reports whether the screen source is active.
func (tc *TrackController) ScreenSharing() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.screen != nil
}

// Audio returns the current microphone source (nil when audio-less).
func (tc *TrackController) Audio() core.CaptureSource {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.audio
}

// Camera returns the current camera source (nil when video-less).
func (tc *TrackController) Camera() core.CaptureSource {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.camera
}

// Screen returns the active screen source, nil when not sharing.
func (tc *TrackController) Screen() core.CaptureSource {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.screen
}
