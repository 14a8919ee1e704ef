// Package events defines the resolve lifecycle events and the bus that
// carries them from resolver engines to the history recorder, telemetry
// and interactive front-ends.
package events

import "github.com/energizer-project/structprobe/internal/protocol"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Resolve lifecycle
	EventResolveStarted  EventType = "resolve_started"
	EventFieldResolved   EventType = "field_resolved"
	EventFeedbackIgnored EventType = "feedback_ignored"
	EventResolveFinished EventType = "resolve_finished"

	// Transport
	EventSessionConnected    EventType = "session_connected"
	EventSessionDisconnected EventType = "session_disconnected"

	// System
	EventShutdown EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ResolveStartedPayload is emitted once the first packet has been sent.
type ResolveStartedPayload struct {
	SessionID string          `json:"session_id"`
	OpCode    protocol.OpCode `json:"opcode"`
	Path      string          `json:"path"`
	Fields    int             `json:"fields"`
	BufferLen int             `json:"buffer_len"`
}

// FieldResolvedPayload is emitted for every field appended from feedback.
type FieldResolvedPayload struct {
	SessionID string             `json:"session_id"`
	OpCode    protocol.OpCode    `json:"opcode"`
	Seq       int                `json:"seq"`
	Offset    int                `json:"offset"`
	Hint      string             `json:"hint"`
	Type      protocol.FieldType `json:"type"`
	Value     string             `json:"value"`
	BufferLen int                `json:"buffer_len"`
}

// FeedbackIgnoredPayload is emitted for diagnostics that were dropped
// without changing any state.
type FeedbackIgnoredPayload struct {
	SessionID string          `json:"session_id"`
	OpCode    protocol.OpCode `json:"opcode"`
	Text      string          `json:"text"`
	Reason    string          `json:"reason"`
}

// ResolveFinishedPayload is emitted when a session reaches a terminal state.
type ResolveFinishedPayload struct {
	SessionID string          `json:"session_id"`
	OpCode    protocol.OpCode `json:"opcode"`
	State     string          `json:"state"`
	Reason    string          `json:"reason"`
	Fields    int             `json:"fields"`
	BufferLen int             `json:"buffer_len"`
}

// SessionPayload describes a peer transport session.
type SessionPayload struct {
	Addr  string `json:"addr"`
	Error string `json:"error,omitempty"`
}
