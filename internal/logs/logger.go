// Package logs builds the application loggers: the main structured logger
// and the JSON audit trail of tool executions.
package logs

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"mcpchat-go/internal/config"
)

const defaultLogFilename = "main.log"

// Setup creates the main logger from the log configuration. Console and
// file outputs are independent; the file side rotates.
func Setup(logConfig *config.LogConfig, logDir string) (*zap.Logger, error) {
	if logConfig == nil {
		return zap.NewNop(), nil
	}

	level := parseLevel(logConfig.Level)

	var cores []zapcore.Core

	if logConfig.EnableConsole {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleCore := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.Lock(os.Stderr),
			level,
		)
		cores = append(cores, consoleCore)
	}

	if logConfig.EnableFile {
		fileCore, err := createFileCore(logConfig, logDir, fileName(logConfig), level)
		if err != nil {
			return nil, fmt.Errorf("failed to create log file core: %w", err)
		}
		cores = append(cores, fileCore)
	}

	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// createFileCore builds a rotating JSON or console file core.
func createFileCore(logConfig *config.LogConfig, logDir, filename string, level zapcore.Level) (zapcore.Core, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, filename),
		MaxSize:    logConfig.MaxSize,
		MaxBackups: logConfig.MaxBackups,
		MaxAge:     logConfig.MaxAge,
		Compress:   logConfig.Compress,
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if logConfig.JSONFormat {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	return zapcore.NewCore(encoder, zapcore.AddSync(writer), level), nil
}

func fileName(logConfig *config.LogConfig) string {
	if logConfig.Filename != "" {
		return logConfig.Filename
	}
	return defaultLogFilename
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "trace", "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
