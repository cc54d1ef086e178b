// Package server exposes the chat engine over HTTP: a JSON API for
// sessions, messages and tool actions, plus a WebSocket event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	"mcpchat-go/internal/config"
	"mcpchat-go/internal/engine"
	"mcpchat-go/internal/events"
	"mcpchat-go/internal/index"
	"mcpchat-go/internal/registry"
	"mcpchat-go/internal/storage"
)

// ConfigStore persists configuration changes made through the API and hands
// out the current configuration. Implemented by config.Loader.
type ConfigStore interface {
	GetConfig() *config.Config
	UpdateConfigAtomic(updateFn func(*config.Config) (*config.Config, error)) error
}

// Server wires storage, engine, registry and search behind the HTTP API.
type Server struct {
	cfg      *config.Config
	storage  *storage.Manager
	engine   *engine.Engine
	registry *registry.Registry
	search   *index.Manager
	ws       *WebSocketManager
	logger   *zap.SugaredLogger

	configStore ConfigStore

	httpServer *http.Server
}

// New creates the server. The search manager may be nil; the search
// endpoint then reports unavailable instead of failing startup.
func New(cfg *config.Config, store *storage.Manager, eng *engine.Engine, reg *registry.Registry, search *index.Manager, bus *events.Bus, logger *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:      cfg,
		storage:  store,
		engine:   eng,
		registry: reg,
		search:   search,
		ws:       NewWebSocketManager(bus, logger),
		logger:   logger,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionSubtree)
	mux.HandleFunc("/api/servers", s.handleServers)
	mux.HandleFunc("/api/servers/", s.handleServerUpdate)
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: config.HTTPReadHeaderTimeout,
	}

	return s
}

// Start serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	s.logger.Infow("HTTP server listening", "addr", ln.Addr().String())

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ws.Stop()
	return s.httpServer.Shutdown(ctx)
}

// SetConfigStore enables configuration writes through the API. Without one
// the server-catalog update endpoint reports unavailable.
func (s *Server) SetConfigStore(cs ConfigStore) {
	s.configStore = cs
}

// ActiveWebSocketConnections reports the current WebSocket client count.
func (s *Server) ActiveWebSocketConnections() int {
	return s.ws.GetActiveConnections()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.ws.HandleWebSocket(w, r, r.URL.Query().Get("session_id"))
}

// writeJSON writes a success envelope.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"data":    data,
	}); err != nil {
		s.logger.Errorw("Failed to encode response", "error", err)
	}
}

// writeError writes a failure envelope with the given HTTP status.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}

// writeEngineError maps engine errors to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrSessionNotFound), errors.Is(err, storage.ErrMessageNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrUnknownBatch):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrGenerationInFlight),
		errors.Is(err, engine.ErrNotConfirmed),
		errors.Is(err, engine.ErrNotNextCall),
		errors.Is(err, engine.ErrCallExecuting):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
