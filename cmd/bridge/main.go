package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/bridge"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	serverURL  string
	sessionID  string
	clientName string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "bridge",
		Short: "coderelay bridge — stdio↔HTTP adapter for a centralserver session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverURL, "server-url", envOrDefault("CODERELAY_SERVER_URL", "http://127.0.0.1:7433"), "CentralServer base URL")
	root.PersistentFlags().StringVar(&cfg.sessionID, "session-id", envOrDefault("CODERELAY_SESSION_ID", ""), "Existing session id to reconnect to (empty creates a new session)")
	root.PersistentFlags().StringVar(&cfg.clientName, "client-name", envOrDefault("CODERELAY_CLIENT_NAME", "bridge"), "Client display name for a newly created session")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CODERELAY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bridge %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b := bridge.New(bridge.Config{
		ServerURL:  cfg.serverURL,
		SessionID:  cfg.sessionID,
		ClientName: cfg.clientName,
		Logger:     logger,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
	})

	if err := b.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to centralserver: %w", err)
	}
	if err := b.StartHeartbeat(); err != nil {
		return fmt.Errorf("starting heartbeat: %w", err)
	}
	defer b.Shutdown()

	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(ctx) }()

	select {
	case err := <-runErr:
		return err
	case <-ctx.Done():
		return nil
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	// The bridge's stdout is the JSON-RPC wire — logs must never land there.
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
