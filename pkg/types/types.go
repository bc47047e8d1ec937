package types

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a session's connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventName identifies an application or lifecycle event. Unknown names are
// carried through dispatch unchanged; Known only reports membership in the
// set this module ships constants for.
type EventName string

// Application events.
const (
	EventDiscussionCreated EventName = "discussion-created"
	EventDiscussionLiked   EventName = "discussion-liked"
	EventDiscussionUpdated EventName = "discussion-updated"
	EventReplyCreated      EventName = "reply-created"
	EventReplyLiked        EventName = "reply-liked"
	EventUserJoined        EventName = "user-joined"
	EventHeartbeat         EventName = "heartbeat"
)

// Connection lifecycle events.
const (
	EventConnect          EventName = "connect"
	EventDisconnect       EventName = "disconnect"
	EventConnectError     EventName = "connect_error"
	EventReconnectAttempt EventName = "reconnect_attempt"
	EventReconnectFailed  EventName = "reconnect_failed"
)

var knownEvents = map[EventName]struct{}{
	EventDiscussionCreated: {},
	EventDiscussionLiked:   {},
	EventDiscussionUpdated: {},
	EventReplyCreated:      {},
	EventReplyLiked:        {},
	EventUserJoined:        {},
	EventHeartbeat:         {},
	EventConnect:           {},
	EventDisconnect:        {},
	EventConnectError:      {},
	EventReconnectAttempt:  {},
	EventReconnectFailed:   {},
}

// Known reports whether the name is one of the well-known events.
func (e EventName) Known() bool {
	_, ok := knownEvents[e]
	return ok
}

// Lifecycle reports whether the name is a connection lifecycle notification.
func (e EventName) Lifecycle() bool {
	switch e {
	case EventConnect, EventDisconnect, EventConnectError,
		EventReconnectAttempt, EventReconnectFailed:
		return true
	}
	return false
}

// Event is one message delivered to or emitted by the application.
type Event struct {
	Name    EventName       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Config carries the session configuration.
type Config struct {
	BaseURL   string            // endpoint prefix, e.g. ws://host:8080/rt
	Namespace string            // default logical channel, e.g. /community
	Headers   map[string]string // credential headers sent on dial

	MaxRetries        int           // reconnect attempt cap
	RetryDelay        time.Duration // backoff base delay
	MaxRetryDelay     time.Duration // backoff cap before jitter
	ConnectTimeout    time.Duration // hard dial/handshake timeout
	HeartbeatInterval time.Duration // app-level heartbeat period
	AckTimeout        time.Duration // default EmitWithAck deadline

	MaxQueuedEmits  int           // outbound queue cap while disconnected
	SendBufferSize  int           // transport write queue capacity
	EventBufferSize int           // inbound buffer cap per event name
	FlushDelay      time.Duration // inbound flush scheduling delay
	FlushBatchSize  int           // entries drained per batch

	Compression string // "none", "gzip" or "snappy"
	Codec       string // payload codec: "json" or "protobuf"
	Debug       bool   // verbose session logging
}

// Default configuration values.
const (
	DefaultNamespace         = "/"
	DefaultMaxRetries        = 5
	DefaultRetryDelay        = 1 * time.Second
	DefaultMaxRetryDelay     = 30 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultAckTimeout        = 10 * time.Second
	DefaultMaxQueuedEmits    = 100
	DefaultSendBufferSize    = 256
	DefaultEventBufferSize   = 500
	DefaultFlushDelay        = 100 * time.Millisecond
	DefaultFlushBatchSize    = 50
)

// WithDefaults returns a copy of the config with zero values filled in.
func (c Config) WithDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxQueuedEmits <= 0 {
		c.MaxQueuedEmits = DefaultMaxQueuedEmits
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = DefaultSendBufferSize
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = DefaultEventBufferSize
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = DefaultFlushDelay
	}
	if c.FlushBatchSize <= 0 {
		c.FlushBatchSize = DefaultFlushBatchSize
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.Codec == "" {
		c.Codec = "json"
	}
	return c
}

// Stats is a snapshot of session counters.
type Stats struct {
	MessagesSent      int64 // envelopes handed to the transport
	MessagesReceived  int64 // application envelopes read off the transport
	DroppedEmits      int64 // queued emits evicted by the FIFO cap
	DroppedEvents     int64 // inbound entries evicted by the buffer cap
	ReconnectAttempts int64 // attempts since the session was created
}
