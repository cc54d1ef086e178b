package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.Servers, "default catalog should seed demo servers")
	assert.InDelta(t, 0.2, cfg.Chat.ToolFailureProbability, 1e-9)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(_ *Config) {}, ""},
		{"missing listen", func(c *Config) { c.Listen = "" }, "listen address is required"},
		{"missing data dir", func(c *Config) { c.DataDir = "" }, "data_dir is required"},
		{"probability too high", func(c *Config) { c.Chat.ToolFailureProbability = 1.5 }, "tool_failure_probability"},
		{"zero chunk words", func(c *Config) { c.Chat.StreamChunkWords = 0 }, "stream_chunk_words"},
		{"duplicate server id", func(c *Config) {
			c.Servers = append(c.Servers, ServerConfig{ID: c.Servers[0].ID, Name: "dup"})
		}, "duplicate server id"},
		{"server without id", func(c *Config) {
			c.Servers = append(c.Servers, ServerConfig{Name: "anon"})
		}, "id is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDurationJSON(t *testing.T) {
	type wrapper struct {
		D Duration `json:"d"`
	}

	// String form
	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"d":"1.5s"}`), &w))
	assert.Equal(t, 1500*time.Millisecond, w.D.Duration())

	// Numeric form (nanoseconds)
	require.NoError(t, json.Unmarshal([]byte(`{"d":40000000}`), &w))
	assert.Equal(t, 40*time.Millisecond, w.D.Duration())

	// Round trip
	data, err := json.Marshal(wrapper{D: Duration(2 * time.Second)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"d":"2s"}`, string(data))
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpchat.json")

	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:9999"
	cfg.Chat.ToolFailureProbability = 0

	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", loaded.Listen)
	assert.Zero(t, loaded.Chat.ToolFailureProbability)
	assert.Len(t, loaded.Servers, len(cfg.Servers))
}

func TestLoadFillsMissingSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpchat.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listen":"127.0.0.1:7000","data_dir":"`+dir+`"}`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Chat)
	require.NotNil(t, cfg.Logging)
	assert.Equal(t, DefaultStreamChunkWords, cfg.Chat.StreamChunkWords)
	assert.Equal(t, DefaultToolLatency, cfg.Chat.ToolLatency.Duration())
}

func TestSaveConfigCreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpchat.json")

	cfg := DefaultConfig()
	require.NoError(t, SaveConfig(cfg, path))

	cfg.Listen = "127.0.0.1:9001"
	require.NoError(t, SaveConfig(cfg, path))

	_, err := os.Stat(path + ".backup")
	assert.NoError(t, err, "second save should leave a backup of the first")
}
