package domain

import "encoding/json"

// EnvelopeKind is the top-level message discriminator on the relay topic.
type EnvelopeKind string

const (
	KindSignal        EnvelopeKind = "signal"
	KindDirectorReady EnvelopeKind = "director-ready"
	KindCommand       EnvelopeKind = "command"
)

// SignalType discriminates payloads inside a "signal" envelope.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// SignalBody carries one negotiation message. Data is the raw SDP or
// candidate JSON; a null Data on an ice-candidate marks end of gathering.
type SignalBody struct {
	Type SignalType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SignalEnvelope is the wire unit on a per-session relay topic. Transient:
// envelopes are never persisted, except commands, which are also appended
// to the command-history sink.
type SignalEnvelope struct {
	From    DeviceID        `json:"from"`
	To      DeviceID        `json:"to"`
	Kind    EnvelopeKind    `json:"kind"`
	Signal  *SignalBody     `json:"signal,omitempty"`
	Command string          `json:"command,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// CommandRecord is the persisted form of a command envelope.
type CommandRecord struct {
	SessionID  string
	From       DeviceID
	Command    string
	Payload    string
	ReceivedAt int64
}
