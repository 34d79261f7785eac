package session

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is embedded in every persisted event and every attach
// frame. Readers reject data carrying a different version.
const ProtocolVersion = 1

// EventType identifies the kind of fact recorded in the log.
type EventType string

const (
	EventSessionCreated       EventType = "session_created"
	EventRunStarted           EventType = "run_started"
	EventUserMessage          EventType = "user_message"
	EventAssistantMessage     EventType = "assistant_message"
	EventToolCall             EventType = "tool_call"
	EventToolResult           EventType = "tool_result"
	EventWorkingMemoryUpdated EventType = "working_memory_updated"
	EventStatus               EventType = "status"
	EventWarning              EventType = "warning"
	EventError                EventType = "error"
	EventContextCompacted     EventType = "context_compacted"
	EventRunComplete          EventType = "run_complete"
)

// Event is an immutable fact appended to a session's log. Seq is strictly
// increasing per session with no gaps and serves as the resume cursor.
type Event struct {
	ProtocolVersion int             `json:"protocolVersion"`
	SessionID       string          `json:"sessionId"`
	RunID           string          `json:"runId,omitempty"`
	Seq             int64           `json:"seq"`
	Timestamp       time.Time       `json:"timestamp"`
	Type            EventType       `json:"type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// Publisher receives every event after it has been durably appended.
type Publisher interface {
	Publish(Event)
}
