// Package config provides configuration types and utilities for mcpchat.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultListen   = "127.0.0.1:8585"
	DefaultDataDir  = "~/.mcpchat"
	configFileName  = "mcpchat.json"
	DefaultLogLevel = "info"
)

// Config is the top-level application configuration.
type Config struct {
	Listen  string         `json:"listen"`
	DataDir string         `json:"data_dir"`
	Logging *LogConfig     `json:"logging,omitempty"`
	Chat    *ChatConfig    `json:"chat,omitempty"`
	Servers []ServerConfig `json:"servers,omitempty"`
}

// LogConfig configures the zap logger and file rotation.
type LogConfig struct {
	Level         string `json:"level"`
	EnableFile    bool   `json:"enable_file"`
	EnableConsole bool   `json:"enable_console"`
	Filename      string `json:"filename,omitempty"`
	LogDir        string `json:"log_dir,omitempty"`
	MaxSize       int    `json:"max_size"`    // megabytes
	MaxBackups    int    `json:"max_backups"` // files
	MaxAge        int    `json:"max_age"`     // days
	Compress      bool   `json:"compress"`
	JSONFormat    bool   `json:"json_format"`

	// ToolAudit controls the JSON audit log of tool executions.
	ToolAudit *ToolAuditConfig `json:"tool_audit,omitempty"`
}

// ToolAuditConfig configures the tool-execution audit log file.
type ToolAuditConfig struct {
	Enabled  bool   `json:"enabled"`
	Filename string `json:"filename,omitempty"`
}

// ChatConfig tunes the orchestration engine. The simulated executor stands in
// for a real tool backend; probability and latency are knobs so tests and
// demos can force deterministic outcomes.
type ChatConfig struct {
	ToolFailureProbability float64  `json:"tool_failure_probability"`
	ToolLatency            Duration `json:"tool_latency"`
	StreamInterval         Duration `json:"stream_interval"`
	StreamChunkWords       int      `json:"stream_chunk_words"`
	MaxToolCallsPerTurn    int      `json:"max_tool_calls_per_turn"`
}

// ServerConfig describes one tool provider server available to chat sessions.
// These are catalog entries only; no transport is established to them.
type ServerConfig struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Enabled     bool         `json:"enabled"`
	Tools       []ToolConfig `json:"tools,omitempty"`
}

// ToolConfig describes one tool exposed by a provider server.
type ToolConfig struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
	Keywords    []string               `json:"keywords,omitempty"`
}

// Duration is a time.Duration that marshals as a human-readable string.
type Duration time.Duration

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// DefaultConfig returns the built-in configuration, including a small demo
// server catalog so a fresh install has tools to propose.
func DefaultConfig() *Config {
	return &Config{
		Listen:  DefaultListen,
		DataDir: DefaultDataDir,
		Logging: &LogConfig{
			Level:         DefaultLogLevel,
			EnableFile:    true,
			EnableConsole: true,
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			ToolAudit: &ToolAuditConfig{
				Enabled:  true,
				Filename: "tool_audit.log",
			},
		},
		Chat: &ChatConfig{
			ToolFailureProbability: DefaultToolFailureProbability,
			ToolLatency:            Duration(DefaultToolLatency),
			StreamInterval:         Duration(DefaultStreamInterval),
			StreamChunkWords:       DefaultStreamChunkWords,
			MaxToolCallsPerTurn:    DefaultMaxToolCallsPerTurn,
		},
		Servers: []ServerConfig{
			{
				ID:          "filesystem",
				Name:        "Filesystem",
				Description: "Browse and inspect files in the workspace",
				Enabled:     true,
				Tools: []ToolConfig{
					{
						Name:        "list_files",
						Description: "List files under a directory",
						Keywords:    []string{"list", "files", "directory", "ls"},
						InputSchema: map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"path": map[string]interface{}{"type": "string", "default": "."},
							},
							"required": []interface{}{"path"},
						},
					},
					{
						Name:        "read_file",
						Description: "Read the contents of a file",
						Keywords:    []string{"read", "open", "show", "file"},
						InputSchema: map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"path": map[string]interface{}{"type": "string"},
							},
							"required": []interface{}{"path"},
						},
					},
				},
			},
			{
				ID:          "web-search",
				Name:        "Web Search",
				Description: "Search the web for current information",
				Enabled:     true,
				Tools: []ToolConfig{
					{
						Name:        "search",
						Description: "Run a web search query",
						Keywords:    []string{"search", "find", "lookup", "web"},
						InputSchema: map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"query": map[string]interface{}{"type": "string"},
								"limit": map[string]interface{}{"type": "integer", "default": 5},
							},
							"required": []interface{}{"query"},
						},
					},
				},
			},
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Chat != nil {
		if c.Chat.ToolFailureProbability < 0 || c.Chat.ToolFailureProbability > 1 {
			return fmt.Errorf("tool_failure_probability must be in [0,1], got %v", c.Chat.ToolFailureProbability)
		}
		if c.Chat.StreamChunkWords < 1 {
			return fmt.Errorf("stream_chunk_words must be at least 1, got %d", c.Chat.StreamChunkWords)
		}
	}
	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.ID == "" {
			return fmt.Errorf("server %d: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// ExpandedDataDir resolves a leading ~ in DataDir against the user home.
func (c *Config) ExpandedDataDir() (string, error) {
	return expandHome(c.DataDir)
}

func expandHome(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// DefaultConfigPath returns the standard config file location.
func DefaultConfigPath() (string, error) {
	dir, err := expandHome(DefaultDataDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// LoadFromFile loads configuration from the given path. Missing optional
// sections are filled from defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	defaults := DefaultConfig()
	if cfg.Listen == "" {
		cfg.Listen = defaults.Listen
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaults.DataDir
	}
	if cfg.Logging == nil {
		cfg.Logging = defaults.Logging
	}
	if cfg.Chat == nil {
		cfg.Chat = defaults.Chat
	} else {
		if cfg.Chat.StreamChunkWords == 0 {
			cfg.Chat.StreamChunkWords = DefaultStreamChunkWords
		}
		if cfg.Chat.MaxToolCallsPerTurn == 0 {
			cfg.Chat.MaxToolCallsPerTurn = DefaultMaxToolCallsPerTurn
		}
		if cfg.Chat.ToolLatency == 0 {
			cfg.Chat.ToolLatency = Duration(DefaultToolLatency)
		}
		if cfg.Chat.StreamInterval == 0 {
			cfg.Chat.StreamInterval = Duration(DefaultStreamInterval)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to the given path, creating parent
// directories as needed. A pre-existing file is kept as a .backup first.
func SaveConfig(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		backup := path + ".backup"
		if data, readErr := os.ReadFile(path); readErr == nil {
			_ = os.WriteFile(backup, data, 0o644)
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}
	return nil
}
