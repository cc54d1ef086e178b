package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Loader manages configuration loading, watching, and atomic updates.
type Loader struct {
	mu             sync.Mutex
	configPath     string
	config         *Config
	watcher        *fsnotify.Watcher
	skipNextReload bool
	onChange       func(*Config) error
	logger         *zap.Logger
	stopChan       chan struct{}
	stopOnce       sync.Once
}

// NewLoader creates a new configuration loader with file watching.
func NewLoader(configPath string, logger *zap.Logger) (*Loader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Loader{
		configPath: configPath,
		watcher:    watcher,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}, nil
}

// Load loads the initial configuration from file. If the file does not exist
// yet, defaults are written there first so the watcher has a target.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(l.configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, l.configPath); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		l.logger.Info("Created default configuration",
			zap.String("path", l.configPath))
		l.config = cfg
		return cfg, nil
	}

	cfg, err := LoadFromFile(l.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	l.config = cfg
	return cfg, nil
}

// GetConfig returns the current in-memory configuration.
func (l *Loader) GetConfig() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config
}

// StartWatching starts watching the configuration file for changes.
// The onChange callback is called when the configuration file changes.
func (l *Loader) StartWatching(onChange func(*Config) error) error {
	l.mu.Lock()
	l.onChange = onChange
	l.mu.Unlock()

	if err := l.watcher.Add(l.configPath); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	go l.watchLoop()

	l.logger.Info("Started watching configuration file",
		zap.String("path", l.configPath))

	return nil
}

// watchLoop runs the file watching loop.
func (l *Loader) watchLoop() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				l.handleFileChange()
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("File watcher error", zap.Error(err))

		case <-l.stopChan:
			return
		}
	}
}

// handleFileChange handles configuration file changes.
func (l *Loader) handleFileChange() {
	l.mu.Lock()
	if l.skipNextReload {
		l.logger.Debug("Skipping file reload (programmatic change)")
		l.skipNextReload = false
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.logger.Info("Configuration file changed, reloading...")

	cfg, err := LoadFromFile(l.configPath)
	if err != nil {
		l.logger.Error("Failed to reload configuration",
			zap.String("path", l.configPath),
			zap.Error(err))
		return
	}

	l.mu.Lock()
	oldConfig := l.config
	l.config = cfg
	onChange := l.onChange
	l.mu.Unlock()

	if onChange != nil {
		if err := onChange(cfg); err != nil {
			l.logger.Error("Failed to apply configuration changes", zap.Error(err))

			// Rollback to old config
			l.mu.Lock()
			l.config = oldConfig
			l.mu.Unlock()
			return
		}
	}

	l.logger.Info("Configuration reloaded successfully")
}

// UpdateConfigAtomic performs an atomic configuration update. The updateFn
// receives a copy of the current config and returns the modified config.
// Uses temp file + atomic rename so a crash never leaves a torn file.
func (l *Loader) UpdateConfigAtomic(updateFn func(*Config) (*Config, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	copied, err := copyConfig(l.config)
	if err != nil {
		return fmt.Errorf("failed to copy config: %w", err)
	}

	newConfig, err := updateFn(copied)
	if err != nil {
		return fmt.Errorf("update function failed: %w", err)
	}

	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Our own write; the watcher should not reload it.
	l.skipNextReload = true

	if err := SaveConfig(newConfig, l.configPath); err != nil {
		l.skipNextReload = false
		return err
	}

	l.config = newConfig
	l.logger.Info("Configuration updated atomically",
		zap.String("path", l.configPath))
	return nil
}

// Stop stops the watcher.
func (l *Loader) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
		_ = l.watcher.Close()
	})
}

func copyConfig(cfg *Config) (*Config, error) {
	if cfg == nil {
		return DefaultConfig(), nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}
