package domain

import "time"

// EventType tags ConnectionEvent for lifecycle subscribers.
type EventType string

const (
	EventNetworkChanged     EventType = "network-changed"
	EventAppStateChanged    EventType = "app-state-changed"
	EventSessionValidated   EventType = "session-validated"
	EventSessionExpired     EventType = "session-expired"
	EventReconnectAttempt   EventType = "reconnect-attempt"
	EventReconnectSuccess   EventType = "reconnect-success"
	EventReconnectFailed    EventType = "reconnect-failed"
	EventConnectionDegraded EventType = "connection-degraded"
	EventFatalError         EventType = "fatal-error"
)

// ConnectionEvent is the tagged union delivered to lifecycle subscribers.
// Only the fields relevant to Type are populated.
type ConnectionEvent struct {
	Type        EventType     `json:"type"`
	Online      bool          `json:"online,omitempty"`
	Foreground  bool          `json:"foreground,omitempty"`
	Attempt     int           `json:"attempt,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	Error       string        `json:"error,omitempty"`
	Recoverable bool          `json:"recoverable,omitempty"`
}
