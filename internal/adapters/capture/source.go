// Package capture acquires local media. Devices are configured RTP ingest
// endpoints (ffmpeg/gstreamer feeds, a screen grabber); each acquired source
// pumps packets into a local track that connection entries attach.
package capture

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/meshcall/meshcall/internal/core"
)

const readBufferSize = 1500

// MimeTypeL16 is the RTP payload type of raw 16-bit PCM feeds. Not among
// pion's defaults; the rtc transport registers it alongside them.
const MimeTypeL16 = "audio/L16"

// rtpSource reads RTP datagrams from a UDP feed and writes them to its
// track. The enabled gate drops packets in place: the mute / camera-off
// analog, no detach, no renegotiation.
type rtpSource struct {
	deviceID string
	kind     core.DeviceKind
	pcm      bool
	track    *webrtc.TrackLocalStaticRTP
	conn     *net.UDPConn
	enabled  atomic.Bool
	tap      atomic.Pointer[func(payload []byte)]
	cancel   context.CancelFunc
	closed   sync.Once
	onClose  func()
}

func newRTPSource(ctx context.Context, deviceID string, kind core.DeviceKind, addr, codec string, onClose func()) (*rtpSource, error) {
	var capability webrtc.RTPCodecCapability
	var trackID string
	pcm := false
	switch kind {
	case core.DeviceAudio:
		if codec == "l16" {
			capability = webrtc.RTPCodecCapability{MimeType: MimeTypeL16, ClockRate: 48000, Channels: 1}
			pcm = true
		} else {
			capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		}
		trackID = "audio-" + uuid.NewString()
	default:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		trackID = "video-" + uuid.NewString()
	}

	track, err := webrtc.NewTrackLocalStaticRTP(capability, trackID, "local-"+deviceID)
	if err != nil {
		return nil, &core.AcquisitionError{Device: deviceID, Kind: kind, Reason: AcquireReasonFromErr(err), Err: err}
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, &core.AcquisitionError{Device: deviceID, Kind: kind, Reason: core.AcquireNotFound, Err: err}
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, &core.AcquisitionError{Device: deviceID, Kind: kind, Reason: core.AcquireBusy, Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &rtpSource{
		deviceID: deviceID,
		kind:     kind,
		pcm:      pcm,
		track:    track,
		conn:     conn,
		cancel:   cancel,
		onClose:  onClose,
	}
	s.enabled.Store(true)
	go s.loop(ctx)
	return s, nil
}

func (s *rtpSource) loop(ctx context.Context) {
	defer func() { _ = s.Close() }()
	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("module", "capture").Str("device", s.deviceID).Msg("feed read failed")
			}
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Debug().Err(err).Str("module", "capture").Str("device", s.deviceID).Msg("non-RTP datagram dropped")
			continue
		}
		if !s.enabled.Load() {
			continue
		}
		if tap := s.tap.Load(); tap != nil && *tap != nil {
			// L16 on the wire is network byte order; the tap contract is
			// little-endian samples. Swapping also copies out of the reused
			// read buffer.
			payload := make([]byte, len(pkt.Payload))
			for i := 0; i+1 < len(pkt.Payload); i += 2 {
				payload[i], payload[i+1] = pkt.Payload[i+1], pkt.Payload[i]
			}
			(*tap)(payload)
		}
		if err := s.track.WriteRTP(&pkt); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("module", "capture").Str("device", s.deviceID).Msg("track write failed")
		}
	}
}

func (s *rtpSource) Track() webrtc.TrackLocal { return s.track }

func (s *rtpSource) SetEnabled(enabled bool) { s.enabled.Store(enabled) }

func (s *rtpSource) Enabled() bool { return s.enabled.Load() }

func (s *rtpSource) DeviceID() string { return s.deviceID }

// SetPayloadTap installs (or, with nil, removes) a secondary payload
// consumer. Only raw PCM (l16) feeds honor the tap: an encoded payload
// would be noise to the consumer.
func (s *rtpSource) SetPayloadTap(fn func(payload []byte)) {
	if !s.pcm {
		if fn != nil {
			log.Warn().Str("module", "capture").Str("device", s.deviceID).Msg("payload tap ignored: feed is not raw PCM")
		}
		return
	}
	s.tap.Store(&fn)
}

func (s *rtpSource) Close() error {
	s.closed.Do(func() {
		s.cancel()
		_ = s.conn.Close()
		if s.onClose != nil {
			s.onClose()
		}
		log.Info().Str("module", "capture").Str("device", s.deviceID).Msg("source closed")
	})
	return nil
}

// AcquireReasonFromErr maps codec/track construction failures.
func AcquireReasonFromErr(error) core.AcquisitionReason { return core.AcquireReadFailed }
