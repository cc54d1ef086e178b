package logs

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpchat-go/internal/chat"
	"mcpchat-go/internal/config"
)

func auditConfig() *config.LogConfig {
	return &config.LogConfig{
		Level:      "info",
		MaxSize:    1,
		MaxBackups: 1,
		MaxAge:     1,
		ToolAudit: &config.ToolAuditConfig{
			Enabled:  true,
			Filename: "tool_audit.log",
		},
	}
}

func TestToolAuditLoggerWritesRecords(t *testing.T) {
	dir := t.TempDir()

	al, err := NewToolAuditLogger(auditConfig(), dir)
	require.NoError(t, err)

	call := chat.ToolCall{
		ID:         "c1",
		ToolName:   "search",
		ServerID:   "web",
		ServerName: "Web Search",
		Request:    map[string]interface{}{"query": "gophers"},
	}
	al.RecordToolExecution(call, 1500*time.Millisecond, "search returned a result", nil)
	al.RecordToolExecution(call, 1500*time.Millisecond, "", errors.New("tool search failed"))
	require.NoError(t, al.Close())

	data, err := os.ReadFile(filepath.Join(dir, "tool_audit.log"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "search", first["tool_name"])
	assert.Equal(t, "completed", first["outcome"])
	assert.Equal(t, float64(1500), first["duration_ms"])

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "failed", second["outcome"])
	assert.Contains(t, second["error"], "failed")
}

func TestToolAuditLoggerDisabled(t *testing.T) {
	dir := t.TempDir()

	al, err := NewToolAuditLogger(&config.LogConfig{}, dir)
	require.NoError(t, err)

	al.RecordToolExecution(chat.ToolCall{ID: "c1", ToolName: "search"}, time.Second, "ok", nil)
	require.NoError(t, al.Close())

	_, err = os.Stat(filepath.Join(dir, "tool_audit.log"))
	assert.True(t, os.IsNotExist(err))
}

func TestSetupConsoleOnly(t *testing.T) {
	logger, err := Setup(&config.LogConfig{Level: "debug", EnableConsole: true}, t.TempDir())
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestSetupFileLogger(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.LogConfig{
		Level:      "info",
		EnableFile: true,
		Filename:   "main.log",
		MaxSize:    1,
		JSONFormat: true,
	}

	logger, err := Setup(cfg, dir)
	require.NoError(t, err)

	logger.Info("hello from the file core")
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "main.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the file core")
}
