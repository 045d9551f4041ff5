package connection

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no inbound traffic)")
	ErrConnectTimeout  = errors.New("connect timeout")
	ErrAlreadyClosed   = errors.New("already closed")
)

// State is the connection manager state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "disconnected"
}

// Lifecycle event names published on the bus. Inbound frames are published
// under their own type and under EventMessage, so a frame whose type equals
// one of these names reaches the same subscribers; check Event.Source.
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventReconnecting    = "reconnecting"
	EventReconnectFailed = "reconnect_failed"
	EventError           = "error"
	EventMessage         = "message"
)

// Source tells lifecycle events apart from inbound frames.
type Source int

const (
	SourceLifecycle Source = iota
	SourceFrame
)

func (s Source) String() string {
	if s == SourceFrame {
		return "frame"
	}
	return "lifecycle"
}

// Event is published on the bus for inbound frames and lifecycle changes.
type Event struct {
	Type      string          // Frame type or lifecycle event name
	Source    Source          // SourceFrame for inbound frames
	Data      json.RawMessage // Frame data, nil for lifecycle events
	Timestamp int64           // Frame timestamp, or local time for lifecycle events (ms)

	State   State         // State after a lifecycle change
	Attempt int           // Reconnect attempt number
	Delay   time.Duration // Wait before the reconnect attempt
	Code    int           // Close code
	Err     error
}

// IsFrame reports whether ev carries an inbound frame.
func (ev Event) IsFrame() bool {
	return ev.Source == SourceFrame
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a single WebSocket connection.
type ClientConfig struct {
	URL              string        // Full socket URL including the token query parameter
	HandshakeTimeout time.Duration // Upper bound on the opening handshake
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       256,
	}
}

// Config configures the Manager.
type Config struct {
	URL                  string        // Socket URL without the token
	TokenParam           string        // Query parameter carrying the access token
	ConnectTimeout       time.Duration // Abort an attempt that has not opened by then
	HeartbeatInterval    time.Duration // Heartbeat frame period while connected
	StaleTimeout         time.Duration // Reconnect after this long without inbound traffic, 0 = off
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	WriteTimeout         time.Duration
	BufferSize           int // Inbound message buffer per connection
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		TokenParam:           "token",
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		WriteTimeout:         5 * time.Second,
		BufferSize:           256,
	}
}

// Stats is a snapshot of manager state.
type Stats struct {
	State             State
	ReconnectAttempts int
	Queued            int
	QueueCapacity     int
	FramesIn          int64
	FramesOut         int64
	FramesDropped     int64
}
