package events

import (
	"sync"
	"time"

	"mcpchat-go/internal/config"
)

// EventType represents the type of event
type EventType string

const (
	// Session events
	SessionCreated  EventType = "session_created"
	SessionSelected EventType = "session_selected"
	SessionRenamed  EventType = "session_renamed"

	// Message events
	MessageAppended  EventType = "message_appended"
	MessageUpdated   EventType = "message_updated"
	MessageDeleted   EventType = "message_deleted"
	MessageFinalized EventType = "message_finalized"

	// Tool-call events
	ToolCallsProposed    EventType = "tool_calls_proposed"
	ToolCallStateChanged EventType = "tool_call_state_changed"
	ToolBatchResolved    EventType = "tool_batch_resolved"
)

// Event represents a single event in the system
type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ToolCallStateData carries the per-call transition details for
// ToolCallStateChanged events.
type ToolCallStateData struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	ServerID   string `json:"server_id,omitempty"`
	OldStatus  string `json:"old_status"`
	NewStatus  string `json:"new_status"`
	Error      string `json:"error,omitempty"`
}

// Bus is a thread-safe event bus for pub/sub messaging
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	closed      bool
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
	}
}

// Subscribe subscribes to a specific event type and returns a channel for
// receiving events. The channel is buffered to prevent blocking publishers.
func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		// Return a closed channel if bus is closed
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, config.EventChannelBufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// SubscribeMany subscribes one channel to several event types at once.
// Used by consumers that fan all chat activity into a single loop, like the
// WebSocket broadcaster and the search indexer.
func (b *Bus) SubscribeMany(eventTypes ...EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, config.EventChannelBufferSizeAll)
	for _, eventType := range eventTypes {
		b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	}
	return ch
}

// Unsubscribe removes a subscription channel
func (b *Bus) Unsubscribe(eventType EventType, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers, exists := b.subscribers[eventType]
	if !exists {
		return
	}

	for i, subscriber := range subscribers {
		if subscriber == ch {
			// Remove from slice without preserving order (more efficient)
			b.subscribers[eventType][i] = b.subscribers[eventType][len(b.subscribers[eventType])-1]
			b.subscribers[eventType] = b.subscribers[eventType][:len(b.subscribers[eventType])-1]
			break
		}
	}

	if len(b.subscribers[eventType]) == 0 {
		delete(b.subscribers, eventType)
	}
}

// Publish publishes an event to all subscribers of that event type.
// This method is non-blocking - if a subscriber's channel is full, the event
// is dropped.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	subscribers, exists := b.subscribers[event.Type]
	if exists {
		for _, ch := range subscribers {
			select {
			case ch <- event:
				// Event sent successfully
			default:
				// Channel is full, drop event to prevent blocking
			}
		}
	}
}

// Close closes the event bus and all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	seen := make(map[chan Event]struct{})
	for _, subscribers := range b.subscribers {
		for _, ch := range subscribers {
			if _, dup := seen[ch]; dup {
				continue
			}
			seen[ch] = struct{}{}
			close(ch)
		}
	}

	b.subscribers = make(map[EventType][]chan Event)
}

// SubscriberCount returns the number of subscribers for a specific event type
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscribers[eventType])
}

// IsClosed returns whether the bus has been closed
func (b *Bus) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.closed
}
