// Package agent bridges the local microphone to an external voice-agent
// service over a streaming websocket. The mesh core only sees the narrow
// core.AgentBridge surface; audio framing and the service protocol live
// here.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/meshcall/meshcall/internal/config"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second

	// The service wants 50-1000ms of audio per frame; 100ms at 16kHz mono
	// s16 is 3200 bytes.
	serviceRate   = 16000
	minFrameBytes = 3200
)

// audioFrame is one outbound chunk of microphone audio.
type audioFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// serviceMessage is the envelope of every inbound message; Speaking is only
// meaningful for type "speaking".
type serviceMessage struct {
	Type     string `json:"type"`
	Speaking bool   `json:"speaking"`
	Message  string `json:"message,omitempty"`
}

// Bridge is a core.AgentBridge over a websocket voice-agent endpoint.
type Bridge struct {
	cfg config.AgentConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	buf       []byte
	speaking  func(bool)
	done      chan struct{}
}

func NewBridge(cfg config.AgentConfig) *Bridge {
	return &Bridge{cfg: cfg}
}

// OnSpeaking registers the speaking-state callback. Must be set before
// Connect.
func (b *Bridge) OnSpeaking(cb func(bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.speaking = cb
}

// Connect dials the agent service. Idempotent while connected.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}

	header := http.Header{}
	if b.cfg.APIKey != "" {
		header.Set("Authorization", b.cfg.APIKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, fmt.Sprintf("%s?sample_rate=%d", b.cfg.URL, serviceRate), header)
	if err != nil {
		return fmt.Errorf("agent service dial: %w", err)
	}

	b.conn = conn
	b.connected = true
	b.buf = b.buf[:0]
	b.done = make(chan struct{})
	go b.readLoop(conn, b.done)

	log.Info().Str("module", "adapters.agent").Str("url", b.cfg.URL).Msg("agent bridge connected")
	return nil
}

// Disconnect closes the websocket and stops the read loop. Idempotent.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return
	}
	b.connected = false
	close(b.done)
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	_ = b.conn.Close()
	b.conn = nil
	log.Info().Str("module", "adapters.agent").Msg("agent bridge disconnected")
}

// SendAudio feeds captured microphone PCM (little-endian s16 at the
// configured capture rate and channel count) into the bridge. Stereo input
// is downmixed and everything is resampled to the service rate. Frames are
// buffered until the minimum chunk size is reached. Audio arriving while
// disconnected is dropped.
func (b *Bridge) SendAudio(pcm []byte) error {
	if b.cfg.Channels == 2 {
		pcm = stereoToMono(pcm)
	}
	pcm = resampleMono(pcm, b.cfg.SampleRate, serviceRate)

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.buf = append(b.buf, pcm...)
	if len(b.buf) < minFrameBytes {
		return nil
	}

	frame := audioFrame{Type: "audio", Data: base64.StdEncoding.EncodeToString(b.buf)}
	b.buf = b.buf[:0]
	_ = b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := b.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("agent audio write: %w", err)
	}
	return nil
}

func (b *Bridge) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "adapters.agent").Msg("agent read failed")
			}
			b.mu.Lock()
			b.connected = false
			b.mu.Unlock()
			return
		}

		var msg serviceMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn().Err(err).Str("module", "adapters.agent").Msg("malformed agent message dropped")
			continue
		}

		switch msg.Type {
		case "speaking":
			b.mu.Lock()
			cb := b.speaking
			b.mu.Unlock()
			if cb != nil {
				cb(msg.Speaking)
			}
		case "error":
			log.Error().Str("module", "adapters.agent").Str("message", msg.Message).Msg("agent service error")
		default:
			// Transcripts and other message types are the agent's business.
		}
	}
}
