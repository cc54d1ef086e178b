// Package chat defines the conversation data model shared by the store,
// the orchestration engine, and the API surface.
package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCallStatus represents the lifecycle state of a single proposed tool call.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallExecuting ToolCallStatus = "executing"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
	ToolCallCancelled ToolCallStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
// Failed is not terminal: a failed call may be manually re-run.
func (s ToolCallStatus) IsTerminal() bool {
	return s == ToolCallCompleted || s == ToolCallCancelled
}

// ToolCall is one proposed invocation of a tool on a provider server,
// attached to an assistant message. Calls are revealed and executed strictly
// in list order; Visible flips on for call k+1 only once call k is terminal.
type ToolCall struct {
	ID         string                 `json:"id"`
	ToolName   string                 `json:"tool_name"`
	ServerID   string                 `json:"server_id"`
	ServerName string                 `json:"server_name"`
	Request    map[string]interface{} `json:"request,omitempty"`
	Status     ToolCallStatus         `json:"status"`
	Visible    bool                   `json:"visible"`
}

// Attachment is an immutable record of a user-supplied file, created at
// message-composition time. Contents are never inspected by the engine.
type Attachment struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Type    string `json:"type,omitempty"`
	Preview string `json:"preview,omitempty"`
}

// NewAttachment builds an attachment record from file metadata.
func NewAttachment(name string, size int64, mimeType, preview string) Attachment {
	return Attachment{
		ID:      uuid.NewString(),
		Name:    name,
		Size:    size,
		Type:    mimeType,
		Preview: preview,
	}
}

// Message is one turn in a session. Identity is immutable once created.
// Content is append-only while Streaming is true, then frozen. A message
// either has no PendingToolCalls or owns exactly one list, created atomically
// with the tool-call proposal and mutated only entry-by-entry.
type Message struct {
	ID               string       `json:"id"`
	Role             Role         `json:"role"`
	Content          string       `json:"content"`
	Timestamp        time.Time    `json:"timestamp"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	PendingToolCalls []ToolCall   `json:"pending_tool_calls,omitempty"`
	ToolCallStatus   StageStatus  `json:"tool_call_status,omitempty"`
	CurrentToolIndex int          `json:"current_tool_index,omitempty"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	Streaming        bool         `json:"streaming,omitempty"`
}

// NewUserMessage creates a finalized user message.
func NewUserMessage(content string, attachments []Attachment) Message {
	return Message{
		ID:          uuid.NewString(),
		Role:        RoleUser,
		Content:     content,
		Timestamp:   time.Now(),
		Attachments: attachments,
	}
}

// NewAssistantMessage creates an empty in-progress assistant message.
func NewAssistantMessage() Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Timestamp: time.Now(),
		Streaming: true,
	}
}

// Session is a persisted conversation: an ordered message list plus the set
// of tool provider servers available to it.
type Session struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	SelectedServerIDs []string  `json:"selected_server_ids,omitempty"`
	Messages          []Message `json:"messages"`
}

// NewSession creates a session with a fresh id and an empty message list.
// The caller decides whether to select it as current.
func NewSession(serverIDs []string) *Session {
	now := time.Now()
	ids := make([]string, len(serverIDs))
	copy(ids, serverIDs)
	return &Session{
		ID:                uuid.NewString(),
		Title:             "New chat",
		CreatedAt:         now,
		UpdatedAt:         now,
		SelectedServerIDs: ids,
		Messages:          make([]Message, 0),
	}
}

// FindMessage returns a pointer to the message with the given id, or nil.
func (s *Session) FindMessage(messageID string) *Message {
	for i := range s.Messages {
		if s.Messages[i].ID == messageID {
			return &s.Messages[i]
		}
	}
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler
func (s *Session) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (s *Session) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, s)
}
