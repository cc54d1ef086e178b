package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mcpchat-go/internal/events"
)

const (
	// WebSocket settings
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for now - can be restricted later
		return true
	},
}

// chatEventTypes is everything the dashboard cares about.
var chatEventTypes = []events.EventType{
	events.SessionCreated,
	events.SessionSelected,
	events.SessionRenamed,
	events.MessageAppended,
	events.MessageUpdated,
	events.MessageDeleted,
	events.MessageFinalized,
	events.ToolCallsProposed,
	events.ToolCallStateChanged,
	events.ToolBatchResolved,
}

// WebSocketManager manages WebSocket connections and event broadcasting
type WebSocketManager struct {
	eventBus    *events.Bus
	logger      *zap.SugaredLogger
	connections map[*websocket.Conn]*wsClient
	mu          sync.RWMutex
	register    chan *wsClient
	unregister  chan *wsClient
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// wsClient represents a WebSocket client connection
type wsClient struct {
	conn          *websocket.Conn
	send          chan []byte
	manager       *WebSocketManager
	eventChannel  <-chan events.Event
	filterSession string // If set, only send events for this session
	stopChan      chan struct{}
}

// NewWebSocketManager creates a new WebSocket manager
func NewWebSocketManager(eventBus *events.Bus, logger *zap.SugaredLogger) *WebSocketManager {
	manager := &WebSocketManager{
		eventBus:    eventBus,
		logger:      logger,
		connections: make(map[*websocket.Conn]*wsClient),
		register:    make(chan *wsClient),
		unregister:  make(chan *wsClient),
		stopChan:    make(chan struct{}),
	}

	// Start the connection manager
	go manager.run()

	return manager
}

// run manages client registration and event broadcasting
func (m *WebSocketManager) run() {
	for {
		select {
		case client := <-m.register:
			m.mu.Lock()
			m.connections[client.conn] = client
			total := len(m.connections)
			m.mu.Unlock()
			m.logger.Infow("WebSocket client registered", "total_clients", total)

		case client := <-m.unregister:
			m.mu.Lock()
			if _, ok := m.connections[client.conn]; ok {
				delete(m.connections, client.conn)
				close(client.send)
			}
			total := len(m.connections)
			m.mu.Unlock()
			m.logger.Infow("WebSocket client unregistered", "total_clients", total)

		case <-m.stopChan:
			m.mu.Lock()
			for conn, client := range m.connections {
				close(client.send)
				conn.Close()
			}
			m.connections = make(map[*websocket.Conn]*wsClient)
			m.mu.Unlock()
			return
		}
	}
}

// Stop stops the WebSocket manager and closes all connections
func (m *WebSocketManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
}

// HandleWebSocket handles WebSocket connection upgrades. filterSession, when
// non-empty, limits the stream to one session's events.
func (m *WebSocketManager) HandleWebSocket(w http.ResponseWriter, r *http.Request, filterSession string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Errorw("Failed to upgrade WebSocket connection", "error", err)
		return
	}

	client := &wsClient{
		conn:          conn,
		send:          make(chan []byte, 256),
		manager:       m,
		eventChannel:  m.eventBus.SubscribeMany(chatEventTypes...),
		filterSession: filterSession,
		stopChan:      make(chan struct{}),
	}

	// Register the client
	m.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
	go client.eventPump()
}

// GetActiveConnections returns the number of active WebSocket connections
func (m *WebSocketManager) GetActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// readPump pumps messages from the WebSocket connection to handle pongs
func (c *wsClient) readPump() {
	defer func() {
		close(c.stopChan) // Signal event pump to stop
		c.manager.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Read messages (mostly just to handle pongs and detect disconnects)
	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.manager.logger.Errorw("WebSocket read error", "error", err)
			}
			break
		}
	}
}

// writePump pumps messages from the send channel to the WebSocket connection
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.manager.logger.Errorw("WebSocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// eventPump forwards bus events to the client
func (c *wsClient) eventPump() {
	defer func() {
		for _, t := range chatEventTypes {
			c.manager.eventBus.Unsubscribe(t, c.eventChannel)
		}
	}()

	for {
		select {
		case <-c.stopChan:
			return

		case event, ok := <-c.eventChannel:
			if !ok {
				return
			}

			// Apply session filter if set
			if c.filterSession != "" && event.SessionID != "" && event.SessionID != c.filterSession {
				continue
			}

			data, err := json.Marshal(event)
			if err != nil {
				c.manager.logger.Errorw("Failed to marshal event", "error", err)
				continue
			}

			// Try to send to client
			select {
			case c.send <- data:
				// Event sent successfully
			default:
				// Channel full, drop event
				c.manager.logger.Warnw("WebSocket send buffer full, dropping event",
					"event_type", string(event.Type))
			}
		}
	}
}
