package domain

import (
	"encoding/json"
	"errors"
)

var ErrUnknownSignalType = errors.New("unknown signal type")

// SignalType is the kind of a negotiation message.
type SignalType int

const (
	SignalOffer SignalType = iota
	SignalAnswer
	SignalCandidate
)

func (t SignalType) String() string {
	switch t {
	case SignalOffer:
		return "offer"
	case SignalAnswer:
		return "answer"
	case SignalCandidate:
		return "candidate"
	default:
		return "unknown"
	}
}

func ParseSignalType(s string) (SignalType, error) {
	switch s {
	case "offer":
		return SignalOffer, nil
	case "answer":
		return SignalAnswer, nil
	case "candidate":
		return SignalCandidate, nil
	default:
		return SignalOffer, ErrUnknownSignalType
	}
}

func (t SignalType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *SignalType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseSignalType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// SignalEnvelope is one message in a peer's mailbox. Transient: written by
// the sender, consumed and deleted by the recipient. FIFO is guaranteed only
// per sender->recipient mailbox.
type SignalEnvelope struct {
	Key     string     `json:"key"`
	Sender  PeerID     `json:"sender"`
	Type    SignalType `json:"type"`
	Payload []byte     `json:"payload"`
}

// VideoSource tags which local feed is on the wire for a connection.
type VideoSource int

const (
	SourceCamera VideoSource = iota
	SourceScreen
)

func (s VideoSource) String() string {
	if s == SourceScreen {
		return "screen"
	}
	return "camera"
}
