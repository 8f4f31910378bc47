package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type DeviceKind int

const (
	DeviceAudio DeviceKind = iota
	DeviceVideo
	DeviceScreen
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceVideo:
		return "video"
	case DeviceScreen:
		return "screen"
	default:
		return "audio"
	}
}

type DeviceInfo struct {
	ID    string     `json:"id"`
	Label string     `json:"label"`
	Kind  DeviceKind `json:"kind"`
}

// CaptureSource is one live local feed (mic, camera or screen). Connection
// entries borrow its track; only the track controller mutates it.
type CaptureSource interface {
	// Track is the attachable local track backed by this source.
	Track() webrtc.TrackLocal
	// SetEnabled gates the feed in place (mute / camera-off). Local-only:
	// no substitution, no renegotiation.
	SetEnabled(bool)
	Enabled() bool
	// DeviceID identifies the device feeding this source.
	DeviceID() string
	Close() error
}

// CaptureConstraints selects which kinds to acquire and from which devices.
// Empty device ids mean "first available".
type CaptureConstraints struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string
}

// LocalMedia is the acquired local stream. A nil field means that kind was
// not acquired (degraded, e.g. audio-only).
type LocalMedia struct {
	Audio CaptureSource
	Video CaptureSource
}

// PayloadTap is optionally implemented by capture sources that can fan raw
// media payloads out to a secondary consumer (the voice-agent bridge). A nil
// tap unhooks.
type PayloadTap interface {
	SetPayloadTap(func(payload []byte))
}

// DeviceManager acquires and re-acquires local capture. Failures surface as
// *AcquisitionError; callers decide whether to proceed degraded.
type DeviceManager interface {
	Acquire(ctx context.Context, c CaptureConstraints) (*LocalMedia, error)
	AcquireScreen(ctx context.Context) (CaptureSource, error)
	Enumerate(ctx context.Context) ([]DeviceInfo, error)
	SwitchDevice(ctx context.Context, kind DeviceKind, deviceID string) (CaptureSource, error)
}
