package chat

// MessagePatch is a shallow partial update for a message. Nil fields are
// left untouched; non-nil fields replace the current value wholesale.
// Applying the same patch twice yields the same message, which is what the
// streaming path and the tool-call transitions rely on.
type MessagePatch struct {
	Content          *string      `json:"content,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	PendingToolCalls []ToolCall   `json:"pending_tool_calls,omitempty"`
	ToolCallStatus   *StageStatus `json:"tool_call_status,omitempty"`
	CurrentToolIndex *int         `json:"current_tool_index,omitempty"`
	ErrorMessage     *string      `json:"error_message,omitempty"`
	Streaming        *bool        `json:"streaming,omitempty"`
}

// Apply merges the patch into the message in place.
func (p *MessagePatch) Apply(m *Message) {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Attachments != nil {
		m.Attachments = p.Attachments
	}
	if p.PendingToolCalls != nil {
		m.PendingToolCalls = p.PendingToolCalls
	}
	if p.ToolCallStatus != nil {
		m.ToolCallStatus = *p.ToolCallStatus
	}
	if p.CurrentToolIndex != nil {
		m.CurrentToolIndex = *p.CurrentToolIndex
	}
	if p.ErrorMessage != nil {
		m.ErrorMessage = *p.ErrorMessage
	}
	if p.Streaming != nil {
		m.Streaming = *p.Streaming
	}
}

// Helpers for building patches without intermediate variables.

func String(s string) *string { return &s }

func Int(i int) *int { return &i }

func Bool(b bool) *bool { return &b }

func Stage(s StageStatus) *StageStatus { return &s }
