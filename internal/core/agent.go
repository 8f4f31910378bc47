package core

import "context"

// AgentBridge is the narrow surface of the voice-agent audio pipeline. The
// mesh core only connects, disconnects and observes speaking state; the
// audio plumbing lives behind the implementation.
type AgentBridge interface {
	Connect(ctx context.Context) error
	Disconnect()
	// SendAudio accepts raw PCM from the local microphone tap. Calls before
	// Connect or after Disconnect are dropped.
	SendAudio(pcm []byte) error
	// OnSpeaking registers the speaking-state callback. Must be set before
	// Connect.
	OnSpeaking(func(bool))
}
