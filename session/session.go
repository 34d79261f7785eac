// Package session holds the persisted conversation model and its durable
// storage: an append-only event log plus a full-state snapshot per session.
//
// Layout on disk:
//
//	<root>/<session id>/events.jsonl   one Event per line, append-only
//	<root>/<session id>/session.json   the whole Session, rewritten each round
//
// The event log is the source of truth for replay; the snapshot is an
// optimization for fast load.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemMessage creates a system turn.
func SystemMessage(text string) Message { return Message{Role: RoleSystem, Content: text} }

// UserMessage creates a user turn.
func UserMessage(text string) Message { return Message{Role: RoleUser, Content: text} }

// AssistantMessage creates an assistant turn.
func AssistantMessage(text string) Message { return Message{Role: RoleAssistant, Content: text} }

// Session is the unit of persistence and resumption.
type Session struct {
	ID            string        `json:"id"`
	Name          string        `json:"name,omitempty"`
	ProviderID    string        `json:"providerId"`
	ModelID       string        `json:"modelId"`
	Workspace     string        `json:"workspace"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	Rounds        int           `json:"rounds"`
	Seq           int64         `json:"seq"`
	Messages      []Message     `json:"messages"`
	WorkingMemory WorkingMemory `json:"workingMemory"`
}

// New returns an unsaved session with a fresh ID.
func New(providerID, modelID, workspace, name string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:         NewID(),
		Name:       name,
		ProviderID: providerID,
		ModelID:    modelID,
		Workspace:  workspace,
		CreatedAt:  now,
		UpdatedAt:  now,
		Messages:   []Message{},
	}
}

// NewID returns a time-sortable session identifier (UUIDv7: a millisecond
// timestamp prefix followed by random bits).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Append adds a message to the transcript.
func (s *Session) Append(msg Message) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy suitable for handing to concurrent readers.
func (s *Session) Clone() *Session {
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	c.WorkingMemory = s.WorkingMemory.Clone()
	return &c
}

// Summary is the listing view of a session.
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	ProviderID   string    `json:"providerId"`
	ModelID      string    `json:"modelId"`
	Workspace    string    `json:"workspace"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Rounds       int       `json:"rounds"`
	MessageCount int       `json:"messageCount"`
}

// Summarize returns the listing view of s.
func (s *Session) Summarize() Summary {
	return Summary{
		ID:           s.ID,
		Name:         s.Name,
		ProviderID:   s.ProviderID,
		ModelID:      s.ModelID,
		Workspace:    s.Workspace,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		Rounds:       s.Rounds,
		MessageCount: len(s.Messages),
	}
}
