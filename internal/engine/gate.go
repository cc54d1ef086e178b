package engine

import "sync"

// Gate is the confirmation checkpoint in front of tool execution. A batch is
// registered when its tool-call list is attached to a message and must be
// approved before any call may leave Pending. State is scoped to exactly one
// message, so confirmation never blocks another session's activity.
type Gate struct {
	mu       sync.Mutex
	pending  map[string]bool
	approved map[string]bool
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{
		pending:  make(map[string]bool),
		approved: make(map[string]bool),
	}
}

// Register adds a batch awaiting a decision.
func (g *Gate) Register(messageID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[messageID] = true
}

// Approve records a per-batch approval. Returns false when the message has
// no batch awaiting a decision. Deciding twice is a no-op.
func (g *Gate) Approve(messageID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.pending[messageID] {
		return g.approved[messageID]
	}
	g.approved[messageID] = true
	return true
}

// IsApproved reports whether the batch may begin executing.
func (g *Gate) IsApproved(messageID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.approved[messageID]
}

// IsPending reports whether the batch still awaits a decision.
func (g *Gate) IsPending(messageID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending[messageID] && !g.approved[messageID]
}

// Clear drops all gate state for a message once its batch is terminal.
func (g *Gate) Clear(messageID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, messageID)
	delete(g.approved, messageID)
}
