package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"mcpchat-go/internal/chat"
	"mcpchat-go/internal/config"
	"mcpchat-go/internal/engine"
	"mcpchat-go/internal/export"
)

// errServerNotInConfig signals a catalog entry known to the registry but
// missing from the persisted configuration.
var errServerNotInConfig = errors.New("server not present in configuration")

// handleSessions serves the session collection.
//
//	GET  /api/sessions        list sessions, newest activity first
//	POST /api/sessions        create a session
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions, err := s.storage.ListSessions()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		type sessionSummary struct {
			ID                string   `json:"id"`
			Title             string   `json:"title"`
			CreatedAt         string   `json:"created_at"`
			UpdatedAt         string   `json:"updated_at"`
			MessageCount      int      `json:"message_count"`
			SelectedServerIDs []string `json:"selected_server_ids,omitempty"`
			Current           bool     `json:"current"`
		}

		currentID := s.storage.CurrentSessionID()
		summaries := make([]sessionSummary, 0, len(sessions))
		for _, sess := range sessions {
			summaries = append(summaries, sessionSummary{
				ID:                sess.ID,
				Title:             sess.Title,
				CreatedAt:         sess.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
				UpdatedAt:         sess.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
				MessageCount:      len(sess.Messages),
				SelectedServerIDs: sess.SelectedServerIDs,
				Current:           sess.ID == currentID,
			})
		}
		s.writeJSON(w, summaries)

	case http.MethodPost:
		var req struct {
			ServerIDs []string `json:"server_ids"`
		}
		if r.Body != nil {
			// An empty body creates a session with every enabled server.
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		if len(req.ServerIDs) == 0 {
			req.ServerIDs = s.registry.EnabledIDs()
		}

		sess, err := s.storage.CreateSession(req.ServerIDs)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, sess)

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleSessionSubtree dispatches everything under /api/sessions/{id}.
func (s *Server) handleSessionSubtree(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusBadRequest, "Session id is required")
		return
	}
	sessionID := parts[0]

	if len(parts) == 1 {
		s.handleSession(w, r, sessionID)
		return
	}

	switch parts[1] {
	case "select":
		s.handleSelect(w, r, sessionID)
	case "rename":
		s.handleRename(w, r, sessionID)
	case "export":
		s.handleExport(w, r, sessionID)
	case "messages":
		switch len(parts) {
		case 2:
			s.handleMessages(w, r, sessionID)
		case 3:
			s.handleMessage(w, r, sessionID, parts[2])
		case 4:
			s.handleMessageAction(w, r, sessionID, parts[2], parts[3])
		default:
			s.writeError(w, http.StatusNotFound, "Unknown path")
		}
	default:
		s.writeError(w, http.StatusNotFound, "Unknown path")
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sess, err := s.storage.GetSession(sessionID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, sess)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.storage.SelectSession(sessionID)
	s.writeJSON(w, map[string]string{"current_session_id": s.storage.CurrentSessionID()})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		s.writeError(w, http.StatusBadRequest, "Title is required")
		return
	}

	if err := s.storage.RenameSession(sessionID, req.Title); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"title": req.Title})
}

// attachmentRequest mirrors the file metadata the input surface supplies.
type attachmentRequest struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Type    string `json:"type,omitempty"`
	Preview string `json:"preview,omitempty"`
}

// handleMessages serves POST /api/sessions/{id}/messages: one full user
// turn. The response carries the assistant message as it stands when the
// call returns; a turn with proposed tool calls is still streaming at that
// point and completes through confirm and act.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		Content     string              `json:"content"`
		Attachments []attachmentRequest `json:"attachments,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.writeError(w, http.StatusBadRequest, "Message content is required")
		return
	}

	attachments := make([]chat.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, chat.NewAttachment(a.Name, a.Size, a.Type, a.Preview))
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.SendTimeout)
	defer cancel()

	messageID, err := s.engine.Send(ctx, sessionID, req.Content, attachments)
	if err != nil && messageID == "" {
		s.writeEngineError(w, err)
		return
	}

	msg, getErr := s.storage.GetMessage(sessionID, messageID)
	if getErr != nil {
		s.writeEngineError(w, getErr)
		return
	}
	s.writeJSON(w, msg)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request, sessionID, messageID string) {
	switch r.Method {
	case http.MethodGet:
		msg, err := s.storage.GetMessage(sessionID, messageID)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeJSON(w, msg)

	case http.MethodDelete:
		if err := s.storage.DeleteMessage(sessionID, messageID); err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeJSON(w, map[string]string{"deleted": messageID})

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleMessageAction serves confirm and act on a message's tool-call batch.
func (s *Server) handleMessageAction(w http.ResponseWriter, r *http.Request, sessionID, messageID, action string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	switch action {
	case "confirm":
		if err := s.engine.Confirm(messageID); err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeJSON(w, map[string]string{"message_id": messageID})

	case "act":
		var req struct {
			Action     string `json:"action"`
			ToolCallID string `json:"tool_call_id,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid request format")
			return
		}

		var act engine.Action
		switch req.Action {
		case "run":
			if req.ToolCallID == "" {
				s.writeError(w, http.StatusBadRequest, "tool_call_id is required for run")
				return
			}
			act = engine.ActionRun
		case "cancel":
			act = engine.ActionCancel
		default:
			s.writeError(w, http.StatusBadRequest, "Action must be run or cancel")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), config.ToolActTimeout)
		defer cancel()

		if err := s.engine.Act(ctx, messageID, act, req.ToolCallID); err != nil {
			s.writeEngineError(w, err)
			return
		}

		msg, err := s.storage.GetMessage(sessionID, messageID)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeJSON(w, msg)

	default:
		s.writeError(w, http.StatusNotFound, "Unknown action")
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.storage.GetSession(sessionID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	content, err := export.Session(sess, format)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, map[string]string{
		"filename": export.Filename(sess, format),
		"content":  content,
	})
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, s.registry.List())
}

// handleServerUpdate enables or disables one catalog server, persisting the
// change through the config loader so it survives restarts.
//
//	PATCH /api/servers/{id}   {"enabled": bool}
func (s *Server) handleServerUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.configStore == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Configuration updates are not available")
		return
	}

	serverID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/servers/"), "/")
	if serverID == "" || strings.Contains(serverID, "/") {
		s.writeError(w, http.StatusBadRequest, "Server id is required")
		return
	}
	if _, ok := s.registry.Get(serverID); !ok {
		s.writeError(w, http.StatusNotFound, "Unknown server")
		return
	}

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, "Body must include enabled")
		return
	}

	err := s.configStore.UpdateConfigAtomic(func(cfg *config.Config) (*config.Config, error) {
		for i := range cfg.Servers {
			if cfg.Servers[i].ID == serverID {
				cfg.Servers[i].Enabled = *req.Enabled
				return cfg, nil
			}
		}
		return nil, errServerNotInConfig
	})
	if err != nil {
		if errors.Is(err, errServerNotInConfig) {
			s.writeError(w, http.StatusNotFound, "Unknown server")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Our own write skips the file watcher, so refresh the catalog here.
	s.registry.Load(s.configStore.GetConfig().Servers)
	s.logger.Infow("Server catalog updated",
		"server_id", serverID, "enabled", *req.Enabled)
	s.writeJSON(w, s.registry.List())
}

// handleStatus reports liveness counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessions, err := s.storage.ListSessions()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"sessions":           len(sessions),
		"current_session_id": s.storage.CurrentSessionID(),
		"websocket_clients":  s.ActiveWebSocketConnections(),
		"search_available":   s.search != nil,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.search == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Search is not available")
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "Query parameter q is required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "Limit must be a positive integer")
			return
		}
		limit = n
	}

	results, err := s.search.Search(query, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, results)
}
