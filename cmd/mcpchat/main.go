// mcpchat serves a tool-augmented chat engine over HTTP: persisted
// sessions, staged assistant responses, and a confirm-then-run tool-call
// lifecycle against a catalog of MCP-style tool servers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcpchat-go/internal/config"
	"mcpchat-go/internal/engine"
	"mcpchat-go/internal/events"
	"mcpchat-go/internal/export"
	"mcpchat-go/internal/index"
	"mcpchat-go/internal/logs"
	"mcpchat-go/internal/processlock"
	"mcpchat-go/internal/registry"
	"mcpchat-go/internal/server"
	"mcpchat-go/internal/shutdown"
	"mcpchat-go/internal/storage"
)

var (
	// Global flags
	configPath string
	listenAddr string
	dataDir    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "mcpchat",
	Short: "Tool-augmented chat engine with an HTTP dashboard API",
	Long: `mcpchat runs the conversation engine behind a chat dashboard:
persisted sessions, staged assistant output, and tool calls that require
explicit confirmation before they execute, one at a time.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat server (default command)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export one session as markdown or plain text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		return runExport(args[0], format, output)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVarP(&listenAddr, "listen", "l", "", "listen address (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	viper.SetEnvPrefix("MCPCHAT")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("listen", rootCmd.PersistentFlags().Lookup("listen"))
	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	exportCmd.Flags().String("format", "markdown", "export format: markdown or text")
	exportCmd.Flags().StringP("output", "o", "", "output file (defaults to stdout)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the config path, loads the file (writing defaults on
// first run when a loader is used), then applies flag and env overrides.
func loadConfig(bootstrap *zap.Logger) (*config.Loader, *config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return nil, nil, err
		}
	}

	loader, err := config.NewLoader(path, bootstrap)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}

	if v := viper.GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v := viper.GetString("data_dir"); v != "" {
		cfg.DataDir = v
	}
	if v := viper.GetString("log_level"); v != "" && cfg.Logging != nil {
		cfg.Logging.Level = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}

func runServe() error {
	bootstrap, err := zap.NewProduction()
	if err != nil {
		return err
	}

	loader, cfg, err := loadConfig(bootstrap)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	defer loader.Stop()

	dir, err := cfg.ExpandedDataDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	logDir := dir
	if cfg.Logging != nil && cfg.Logging.LogDir != "" {
		logDir = cfg.Logging.LogDir
	} else {
		logDir = filepath.Join(dir, "logs")
	}

	logger, err := logs.Setup(cfg.Logging, logDir)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	lock := processlock.New(dir, sugar)
	if err := lock.Acquire(cfg.Listen); err != nil {
		return err
	}

	// Storage and events.
	store, err := storage.NewManager(dir, sugar)
	if err != nil {
		_ = lock.Release()
		return err
	}
	bus := events.NewBus()
	store.SetEventBus(bus)

	// Search index is best-effort; chat works without it.
	var searchIndex *index.Manager
	stopFeed := func() {}
	if idx, idxErr := index.NewManager(dir, sugar); idxErr != nil {
		sugar.Warnw("Message search disabled", "error", idxErr)
	} else {
		searchIndex = idx
		stopFeed = idx.Feed(bus)
	}

	// Tool catalog and the engine.
	reg := registry.New(sugar)
	reg.Load(cfg.Servers)

	executor := engine.NewSimulatedExecutor(
		cfg.Chat.ToolLatency.Duration(),
		cfg.Chat.ToolFailureProbability,
	)
	eng := engine.New(store, reg, executor, bus, sugar, engine.OptionsFromConfig(cfg.Chat))

	audit, err := logs.NewToolAuditLogger(cfg.Logging, logDir)
	if err != nil {
		sugar.Warnw("Tool audit log disabled", "error", err)
	} else {
		eng.SetAuditSink(audit)
	}

	srv := server.New(cfg, store, eng, reg, searchIndex, bus, sugar)
	srv.SetConfigStore(loader)

	// Config hot reload refreshes the tool catalog.
	if err := loader.StartWatching(func(updated *config.Config) error {
		reg.Load(updated.Servers)
		sugar.Infow("Tool catalog reloaded", "servers", len(updated.Servers))
		return nil
	}); err != nil {
		sugar.Warnw("Config watching disabled", "error", err)
	}

	// Shutdown order: HTTP first, then the event consumers, then storage.
	coordinator := shutdown.NewCoordinator(logger)
	coordinator.RegisterFunc("http-server", shutdown.PhaseConnections, srv.Shutdown)
	coordinator.RegisterFunc("index-feed", shutdown.PhaseWebSockets, func(context.Context) error {
		stopFeed()
		return nil
	})
	coordinator.RegisterFunc("event-bus", shutdown.PhaseEngine, func(context.Context) error {
		bus.Close()
		return nil
	})
	if searchIndex != nil {
		coordinator.RegisterFunc("search-index", shutdown.PhaseStorage, func(context.Context) error {
			return searchIndex.Close()
		})
	}
	coordinator.RegisterFunc("session-store", shutdown.PhaseStorage, func(context.Context) error {
		return store.Close()
	})
	coordinator.RegisterFunc("process-lock", shutdown.PhaseCleanup, func(context.Context) error {
		return lock.Release()
	})
	if audit != nil {
		coordinator.RegisterFunc("tool-audit", shutdown.PhaseCleanup, func(context.Context) error {
			return audit.Close()
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		sugar.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			sugar.Errorw("HTTP server failed", "error", err)
			_ = coordinator.Shutdown(context.Background())
			return err
		}
	}

	return coordinator.Shutdown(context.Background())
}

func runExport(sessionID, formatName, output string) error {
	bootstrap := zap.NewNop()

	loader, cfg, err := loadConfig(bootstrap)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	defer loader.Stop()

	format, err := export.ParseFormat(formatName)
	if err != nil {
		return err
	}

	dir, err := cfg.ExpandedDataDir()
	if err != nil {
		return err
	}

	store, err := storage.NewManager(dir, zap.NewNop().Sugar())
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()

	sess, err := store.GetSession(sessionID)
	if err != nil {
		return err
	}

	content, err := export.Session(sess, format)
	if err != nil {
		return err
	}

	if output == "" {
		fmt.Print(content)
		return nil
	}
	if err := os.WriteFile(output, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	fmt.Printf("Exported session %s to %s\n", sessionID, output)
	return nil
}
