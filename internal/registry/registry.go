// Package registry holds the catalog of tool provider servers available to
// chat sessions. Entries are catalog metadata only; no transport is
// established to the providers themselves.
package registry

import (
	"sort"
	"strings"
	"sync"

	"mcpchat-go/internal/config"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// ServerEntry is one tool provider in the catalog.
type ServerEntry struct {
	ID          string
	Name        string
	Description string
	Enabled     bool
	Tools       []mcp.Tool

	// keywords maps tool name to the match terms the planner uses.
	keywords map[string][]string
}

// Match is a tool selected for a user prompt.
type Match struct {
	ServerID   string
	ServerName string
	Tool       mcp.Tool
}

// Registry is the in-memory server catalog, reloadable from configuration.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*ServerEntry
	order   []string
	logger  *zap.SugaredLogger
}

// New creates an empty registry.
func New(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		servers: make(map[string]*ServerEntry),
		logger:  logger,
	}
}

// Load replaces the catalog with the servers from configuration.
// Called on startup and again on config hot reload.
func (r *Registry) Load(servers []config.ServerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.servers = make(map[string]*ServerEntry, len(servers))
	r.order = r.order[:0]

	for i := range servers {
		s := &servers[i]
		entry := &ServerEntry{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Enabled:     s.Enabled,
			keywords:    make(map[string][]string, len(s.Tools)),
		}
		for _, t := range s.Tools {
			entry.Tools = append(entry.Tools, toolFromConfig(t))
			entry.keywords[t.Name] = t.Keywords
		}
		r.servers[s.ID] = entry
		r.order = append(r.order, s.ID)
	}

	r.logger.Infow("Loaded server catalog", "servers", len(servers))
}

// Get returns the entry for a server id.
func (r *Registry) Get(id string) (*ServerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.servers[id]
	return entry, ok
}

// List returns all entries in configuration order.
func (r *Registry) List() []*ServerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ServerEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.servers[id])
	}
	return out
}

// EnabledIDs returns the ids of all enabled servers, the default selection
// for a new session when the caller does not narrow it.
func (r *Registry) EnabledIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, id := range r.order {
		if r.servers[id].Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}

// FindTools keyword-matches the user text against the tools of the selected
// servers and returns up to limit matches, best score first. Zero selected
// servers always yields zero matches.
func (r *Registry) FindTools(text string, serverIDs []string, limit int) []Match {
	if limit <= 0 || len(serverIDs) == 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	words := tokenize(text)
	if len(words) == 0 {
		return nil
	}

	type scored struct {
		match Match
		score int
		order int
	}
	var candidates []scored
	pos := 0

	for _, id := range serverIDs {
		entry, ok := r.servers[id]
		if !ok || !entry.Enabled {
			continue
		}
		for _, tool := range entry.Tools {
			score := 0
			for _, kw := range entry.keywords[tool.Name] {
				if words[strings.ToLower(kw)] {
					score++
				}
			}
			if score > 0 {
				candidates = append(candidates, scored{
					match: Match{ServerID: entry.ID, ServerName: entry.Name, Tool: tool},
					score: score,
					order: pos,
				})
			}
			pos++
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].order < candidates[j].order
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Match, len(candidates))
	for i, c := range candidates {
		out[i] = c.match
	}
	return out
}

func tokenize(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		words[strings.Trim(w, ".,!?;:'\"()")] = true
	}
	return words
}

func toolFromConfig(t config.ToolConfig) mcp.Tool {
	schema := mcp.ToolInputSchema{Type: "object"}
	if t.InputSchema != nil {
		if typ, ok := t.InputSchema["type"].(string); ok {
			schema.Type = typ
		}
		if props, ok := t.InputSchema["properties"].(map[string]interface{}); ok {
			schema.Properties = props
		}
		if req, ok := t.InputSchema["required"].([]interface{}); ok {
			for _, v := range req {
				if s, ok := v.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
	}
	return mcp.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
	}
}
