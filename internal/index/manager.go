// Package index maintains a full-text search index over chat messages.
package index

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"go.uber.org/zap"

	"mcpchat-go/internal/chat"
	"mcpchat-go/internal/events"
)

const indexDirName = "messages.bleve"

// messageDocument is the indexed projection of a message. Only finalized
// content lands here, so search never surfaces half-streamed text.
type messageDocument struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Result is one search hit.
type Result struct {
	SessionID string  `json:"session_id"`
	MessageID string  `json:"message_id"`
	Role      string  `json:"role"`
	Snippet   string  `json:"snippet"`
	Score     float64 `json:"score"`
}

// Manager provides a unified interface for message indexing operations.
type Manager struct {
	index  bleve.Index
	mu     sync.RWMutex
	logger *zap.SugaredLogger
}

// NewManager opens the index under dataDir, creating it on first run.
func NewManager(dataDir string, logger *zap.SugaredLogger) (*Manager, error) {
	path := filepath.Join(dataDir, indexDirName)

	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		mapping := bleve.NewIndexMapping()
		idx, err = bleve.New(path, mapping)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open message index: %w", err)
	}

	return &Manager{
		index:  idx,
		logger: logger,
	}, nil
}

// Close closes the underlying index.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.index == nil {
		return nil
	}
	err := m.index.Close()
	m.index = nil
	return err
}

// IndexMessage adds or replaces one message in the index.
func (m *Manager) IndexMessage(sessionID string, msg chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.index == nil {
		return fmt.Errorf("index is closed")
	}

	doc := messageDocument{
		SessionID: sessionID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Timestamp: msg.Timestamp.UTC().Format(time.RFC3339),
	}
	return m.index.Index(msg.ID, doc)
}

// DeleteMessage removes one message from the index. Deleting an unindexed
// message is a no-op.
func (m *Manager) DeleteMessage(messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.index == nil {
		return fmt.Errorf("index is closed")
	}
	return m.index.Delete(messageID)
}

// Search runs a match query over message content and returns scored hits
// with highlighted snippets.
func (m *Manager) Search(query string, limit int) ([]*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.index == nil {
		return nil, fmt.Errorf("index is closed")
	}
	if limit <= 0 {
		limit = 20
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("content")

	req := bleve.NewSearchRequestOptions(matchQuery, limit, 0, false)
	req.Fields = []string{"session_id", "role", "content"}
	req.Highlight = bleve.NewHighlight()

	res, err := m.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("message search failed: %w", err)
	}

	results := make([]*Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		r := &Result{
			MessageID: hit.ID,
			Score:     hit.Score,
		}
		if v, ok := hit.Fields["session_id"].(string); ok {
			r.SessionID = v
		}
		if v, ok := hit.Fields["role"].(string); ok {
			r.Role = v
		}
		if fragments, ok := hit.Fragments["content"]; ok && len(fragments) > 0 {
			r.Snippet = fragments[0]
		} else if v, ok := hit.Fields["content"].(string); ok {
			r.Snippet = v
		}
		results = append(results, r)
	}
	return results, nil
}

// DocumentCount returns the number of indexed messages.
func (m *Manager) DocumentCount() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.index == nil {
		return 0, fmt.Errorf("index is closed")
	}
	return m.index.DocCount()
}

// Rebuild drops the index on disk. The next NewManager call starts fresh;
// callers reindex from the store afterwards.
func Rebuild(dataDir string) error {
	return os.RemoveAll(filepath.Join(dataDir, indexDirName))
}

// Feed consumes message events from the bus until the channel closes. User
// messages are indexed on append; assistant messages only once finalized.
func (m *Manager) Feed(bus *events.Bus) func() {
	types := []events.EventType{events.MessageAppended, events.MessageFinalized, events.MessageDeleted}
	ch := bus.SubscribeMany(types...)
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				m.handleEvent(ev)
			case <-quit:
				return
			}
		}
	}()

	return func() {
		for _, t := range types {
			bus.Unsubscribe(t, ch)
		}
		close(quit)
		<-done
	}
}

func (m *Manager) handleEvent(ev events.Event) {
	switch ev.Type {
	case events.MessageAppended:
		msg, ok := ev.Data.(chat.Message)
		if !ok || msg.Role != chat.RoleUser {
			return
		}
		if err := m.IndexMessage(ev.SessionID, msg); err != nil {
			m.logger.Warnw("Failed to index message", "message_id", ev.MessageID, "error", err)
		}
	case events.MessageFinalized:
		msg, ok := ev.Data.(chat.Message)
		if !ok {
			return
		}
		if err := m.IndexMessage(ev.SessionID, msg); err != nil {
			m.logger.Warnw("Failed to index message", "message_id", ev.MessageID, "error", err)
		}
	case events.MessageDeleted:
		if err := m.DeleteMessage(ev.MessageID); err != nil {
			m.logger.Warnw("Failed to remove message from index", "message_id", ev.MessageID, "error", err)
		}
	}
}
