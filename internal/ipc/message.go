package ipc

import (
	"encoding/json"
	"time"
)

// Message types on the status channel.
const (
	TypePing          = "ping"
	TypePong          = "pong"
	TypeStatusRequest = "status_request"
	TypeStatus        = "status"
	TypeError         = "error"
)

// MaxMessageSize bounds a single framed message. Status replies are small.
const MaxMessageSize = 1024 * 1024

// ProtocolVersion is the current status channel protocol version.
const ProtocolVersion = 1

// Envelope is the wire-format wrapper for all status channel messages.
type Envelope struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Pong answers a ping.
type Pong struct {
	ProtocolVersion int       `json:"protocolVersion" yaml:"protocolVersion"`
	PID             int       `json:"pid" yaml:"pid"`
	Version         string    `json:"version" yaml:"version"`
	StartedAt       time.Time `json:"startedAt" yaml:"startedAt"`
}
