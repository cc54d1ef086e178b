package logs

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"mcpchat-go/internal/chat"
	"mcpchat-go/internal/config"
)

const defaultAuditFilename = "tool_audit.log"

// ToolAuditLogger writes one JSON record per tool execution. Disabled
// loggers swallow records silently, so callers never branch on config.
type ToolAuditLogger struct {
	logger  *zap.Logger
	enabled bool
}

// NewToolAuditLogger creates the audit logger from the log configuration.
func NewToolAuditLogger(logConfig *config.LogConfig, logDir string) (*ToolAuditLogger, error) {
	if logConfig == nil || logConfig.ToolAudit == nil || !logConfig.ToolAudit.Enabled {
		return &ToolAuditLogger{enabled: false}, nil
	}

	filename := logConfig.ToolAudit.Filename
	if filename == "" {
		filename = defaultAuditFilename
	}

	// Audit records are always JSON, regardless of the main log format.
	fileConfig := *logConfig
	fileConfig.JSONFormat = true

	core, err := createFileCore(&fileConfig, logDir, filename, zap.InfoLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool audit log: %w", err)
	}

	return &ToolAuditLogger{
		logger:  zap.New(core),
		enabled: true,
	}, nil
}

// RecordToolExecution implements the engine's audit sink.
func (al *ToolAuditLogger) RecordToolExecution(call chat.ToolCall, duration time.Duration, result string, execErr error) {
	if !al.enabled {
		return
	}

	fields := []zap.Field{
		zap.Time("executed_at", time.Now()),
		zap.String("tool_call_id", call.ID),
		zap.String("tool_name", call.ToolName),
		zap.String("server_id", call.ServerID),
		zap.String("server_name", call.ServerName),
		zap.Int64("duration_ms", duration.Milliseconds()),
	}
	if len(call.Request) > 0 {
		fields = append(fields, zap.Any("request", call.Request))
	}
	if execErr != nil {
		fields = append(fields,
			zap.String("outcome", "failed"),
			zap.String("error", execErr.Error()))
	} else {
		fields = append(fields,
			zap.String("outcome", "completed"),
			zap.String("result", result))
	}

	al.logger.Info("tool_execution", fields...)
}

// Close flushes buffered audit records.
func (al *ToolAuditLogger) Close() error {
	if !al.enabled || al.logger == nil {
		return nil
	}
	return al.logger.Sync()
}
