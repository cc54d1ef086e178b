// Package storage owns the canonical chat history: sessions and their
// ordered message lists. All other components mutate messages exclusively
// through this package, so merges are atomic with respect to readers.
package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mcpchat-go/internal/chat"
	"mcpchat-go/internal/events"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMessageNotFound is returned when a message id is unknown within a session.
	ErrMessageNotFound = errors.New("message not found")
)

// Manager provides a unified interface for chat storage operations.
type Manager struct {
	db       *BoltDB
	eventBus *events.Bus
	mu       sync.RWMutex
	logger   *zap.SugaredLogger
}

// NewManager creates a new storage manager backed by a bbolt database in dataDir.
func NewManager(dataDir string, logger *zap.SugaredLogger) (*Manager, error) {
	db, err := NewBoltDB(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bolt database: %w", err)
	}

	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// SetEventBus sets the event bus for publishing mutation events.
func (m *Manager) SetEventBus(eventBus *events.Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventBus = eventBus
}

// Close closes the storage manager.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// publish emits an event if a bus is attached. Callers hold m.mu.
func (m *Manager) publish(event events.Event) {
	if m.eventBus != nil {
		m.eventBus.Publish(event)
	}
}

// Session operations

// CreateSession generates a fresh session with the given tool provider set.
// The new session is not selected as current; callers opt in via SelectSession.
func (m *Manager) CreateSession(serverIDs []string) (*chat.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := chat.NewSession(serverIDs)
	if err := m.saveSession(session); err != nil {
		return nil, err
	}

	m.logger.Infow("Created chat session",
		"session_id", session.ID,
		"servers", len(serverIDs))

	m.publish(events.Event{Type: events.SessionCreated, SessionID: session.ID})
	return session, nil
}

// SelectSession sets the current session pointer. Unknown ids are a silent
// no-op; callers must check existence first when they care.
func (m *Manager) SelectSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exists := false
	err := m.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket([]byte(SessionsBucket)).Get([]byte(id)) != nil
		return nil
	})
	if err != nil || !exists {
		m.logger.Debugw("SelectSession ignored unknown session", "session_id", id)
		return
	}

	err = m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(MetaBucket)).Put([]byte(CurrentSessionKey), []byte(id))
	})
	if err != nil {
		m.logger.Errorw("Failed to persist current session pointer",
			"session_id", id, "error", err)
		return
	}

	m.publish(events.Event{Type: events.SessionSelected, SessionID: id})
}

// CurrentSessionID returns the selected session id, or "" when none is set.
func (m *Manager) CurrentSessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var id string
	_ = m.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(MetaBucket)).Get([]byte(CurrentSessionKey)); v != nil {
			id = string(v)
		}
		return nil
	})
	return id
}

// GetSession retrieves a session by id.
func (m *Manager) GetSession(id string) (*chat.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadSession(id)
}

// ListSessions returns all sessions, most recently updated first.
func (m *Manager) ListSessions() ([]*chat.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []*chat.Session
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(SessionsBucket)).ForEach(func(_, v []byte) error {
			s := &chat.Session{}
			if err := s.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to decode session: %w", err)
			}
			sessions = append(sessions, s)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// RenameSession sets a session's title.
func (m *Manager) RenameSession(sessionID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.mutateSession(sessionID, func(s *chat.Session) error {
		s.Title = title
		return nil
	})
	if err != nil {
		return err
	}

	m.publish(events.Event{Type: events.SessionRenamed, SessionID: sessionID, Data: title})
	return nil
}

// Message operations

// AppendMessage inserts a message at the tail of the session's message list.
// Safe to call while a prior message in the same session is still streaming.
func (m *Manager) AppendMessage(sessionID string, message chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.mutateSession(sessionID, func(s *chat.Session) error {
		s.Messages = append(s.Messages, message)
		return nil
	})
	if err != nil {
		return err
	}

	m.publish(events.Event{
		Type:      events.MessageAppended,
		SessionID: sessionID,
		MessageID: message.ID,
		Data:      message,
	})
	return nil
}

// UpdateMessage shallow-merges the patch into the message. Used for every
// streaming increment and every tool-call transition; applying the same
// patch twice yields the same state.
func (m *Manager) UpdateMessage(sessionID, messageID string, patch chat.MessagePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var updated chat.Message
	var finalized bool

	err := m.mutateSession(sessionID, func(s *chat.Session) error {
		msg := s.FindMessage(messageID)
		if msg == nil {
			return ErrMessageNotFound
		}
		wasStreaming := msg.Streaming
		patch.Apply(msg)
		updated = *msg
		finalized = wasStreaming && !msg.Streaming
		return nil
	})
	if err != nil {
		return err
	}

	m.publish(events.Event{
		Type:      events.MessageUpdated,
		SessionID: sessionID,
		MessageID: messageID,
		Data:      updated,
	})
	if finalized {
		m.publish(events.Event{
			Type:      events.MessageFinalized,
			SessionID: sessionID,
			MessageID: messageID,
			Data:      updated,
		})
	}
	return nil
}

// GetMessage returns a copy of one message.
func (m *Manager) GetMessage(sessionID, messageID string) (*chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, err := m.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	msg := session.FindMessage(messageID)
	if msg == nil {
		return nil, ErrMessageNotFound
	}
	out := *msg
	return &out, nil
}

// DeleteMessage removes a message by id. Hard delete, no cascading effects
// on other messages.
func (m *Manager) DeleteMessage(sessionID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.mutateSession(sessionID, func(s *chat.Session) error {
		for i := range s.Messages {
			if s.Messages[i].ID == messageID {
				s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
				return nil
			}
		}
		return ErrMessageNotFound
	})
	if err != nil {
		return err
	}

	m.publish(events.Event{
		Type:      events.MessageDeleted,
		SessionID: sessionID,
		MessageID: messageID,
	})
	return nil
}

// internal helpers; callers hold m.mu

func (m *Manager) loadSession(id string) (*chat.Session, error) {
	var session *chat.Session
	err := m.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(SessionsBucket)).Get([]byte(id))
		if v == nil {
			return ErrSessionNotFound
		}
		session = &chat.Session{}
		return session.UnmarshalBinary(v)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (m *Manager) saveSession(s *chat.Session) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(SessionsBucket)).Put([]byte(s.ID), data)
	})
}

// mutateSession loads, mutates, timestamps, and persists a session in one
// write transaction. Every mutation bumps UpdatedAt.
func (m *Manager) mutateSession(id string, fn func(*chat.Session) error) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(SessionsBucket))
		v := bucket.Get([]byte(id))
		if v == nil {
			return ErrSessionNotFound
		}

		session := &chat.Session{}
		if err := session.UnmarshalBinary(v); err != nil {
			return fmt.Errorf("failed to decode session: %w", err)
		}

		if err := fn(session); err != nil {
			return err
		}
		session.UpdatedAt = time.Now()

		data, err := session.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}
		return bucket.Put([]byte(id), data)
	})
}
