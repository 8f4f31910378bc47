package capture

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/meshcall/meshcall/internal/config"
	"github.com/meshcall/meshcall/internal/core"
)

// Manager implements core.DeviceManager over the configured device table.
type Manager struct {
	mu      sync.Mutex
	devices []config.CaptureDevice
	open    map[string]*rtpSource
}

func NewManager(devices []config.CaptureDevice) *Manager {
	return &Manager{
		devices: devices,
		open:    make(map[string]*rtpSource),
	}
}

func parseKind(s string) core.DeviceKind {
	switch s {
	case "video":
		return core.DeviceVideo
	case "screen":
		return core.DeviceScreen
	default:
		return core.DeviceAudio
	}
}

func (m *Manager) find(kind core.DeviceKind, deviceID string) (config.CaptureDevice, bool) {
	for _, d := range m.devices {
		if parseKind(d.Kind) != kind {
			continue
		}
		if deviceID == "" || d.ID == deviceID {
			return d, true
		}
	}
	return config.CaptureDevice{}, false
}

// acquireOne opens a device, enforcing one source per device.
func (m *Manager) acquireOne(ctx context.Context, kind core.DeviceKind, deviceID string) (*rtpSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.find(kind, deviceID)
	if !ok {
		return nil, &core.AcquisitionError{Device: deviceID, Kind: kind, Reason: core.AcquireNotFound}
	}
	if _, busy := m.open[dev.ID]; busy {
		return nil, &core.AcquisitionError{Device: dev.ID, Kind: kind, Reason: core.AcquireBusy}
	}

	src, err := newRTPSource(ctx, dev.ID, kind, dev.Addr, dev.Codec, func() {
		m.mu.Lock()
		delete(m.open, dev.ID)
		m.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	m.open[dev.ID] = src
	log.Info().Str("module", "capture").Str("device", dev.ID).Str("kind", kind.String()).Msg("device acquired")
	return src, nil
}

// Acquire opens the requested kinds. A failure on any requested kind is
// returned as *core.AcquisitionError; callers decide whether to retry with
// fewer kinds (degraded, e.g. audio-only).
func (m *Manager) Acquire(ctx context.Context, c core.CaptureConstraints) (*core.LocalMedia, error) {
	media := &core.LocalMedia{}
	if c.Audio {
		src, err := m.acquireOne(ctx, core.DeviceAudio, c.AudioDeviceID)
		if err != nil {
			return nil, err
		}
		media.Audio = src
	}
	if c.Video {
		src, err := m.acquireOne(ctx, core.DeviceVideo, c.VideoDeviceID)
		if err != nil {
			if media.Audio != nil {
				_ = media.Audio.Close()
			}
			return nil, err
		}
		media.Video = src
	}
	return media, nil
}

func (m *Manager) AcquireScreen(ctx context.Context) (core.CaptureSource, error) {
	return m.acquireOne(ctx, core.DeviceScreen, "")
}

func (m *Manager) Enumerate(_ context.Context) ([]core.DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.DeviceInfo, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, core.DeviceInfo{ID: d.ID, Label: d.Label, Kind: parseKind(d.Kind)})
	}
	return out, nil
}

// SwitchDevice opens the requested replacement device. The caller
// substitutes tracks first and closes the old source afterwards.
func (m *Manager) SwitchDevice(ctx context.Context, kind core.DeviceKind, deviceID string) (core.CaptureSource, error) {
	return m.acquireOne(ctx, kind, deviceID)
}
