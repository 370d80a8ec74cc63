package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/central"
	centralapi "github.com/coderelay/coderelay/internal/central/api"
	"github.com/coderelay/coderelay/internal/metrics"
	"github.com/coderelay/coderelay/internal/registry"
	"github.com/coderelay/coderelay/internal/toolctx"
	"github.com/coderelay/coderelay/internal/wsfeed"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	httpAddr    string
	dataDir     string
	contextName string
	logLevel    string
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
		Use:   "centralserver",
		Short: "coderelay central server — one gateway process's session and tool-dispatch API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("CODERELAY_HTTP_ADDR", ":7433"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("CODERELAY_DATA_DIR", defaultDataDir()), "Directory for the shared instance registry")
	root.PersistentFlags().StringVar(&cfg.contextName, "context", envOrDefault("CODERELAY_CONTEXT", "desktop-app"), "Active context name advertised to clients")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CODERELAY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("centralserver %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting coderelay centralserver",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("data_dir", cfg.dataDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := registry.New(cfg.dataDir)
	port, err := portFromAddr(cfg.httpAddr)
	if err != nil {
		return fmt.Errorf("parsing http-addr: %w", err)
	}

	srv := central.NewServer(central.Config{
		Logger:      logger,
		Registry:    reg,
		Workspaces:  fsWorkspaceResolver{},
		ContextName: cfg.contextName,
		AvailableModes: []toolctx.ModeInfo{
			{Name: "planning", Description: "Plan before editing"},
			{Name: "editing", Description: "Make workspace edits"},
		},
		Contexts: []toolctx.ContextInfo{
			{Name: "desktop-app", Description: "Embedded in a desktop coding assistant"},
			{Name: "ide-assistant", Description: "Embedded in an IDE plugin"},
		},
		Port: port,
	})

	metr := metrics.NewCentral()
	srv.SetMetrics(metr)

	feed := wsfeed.New("lifecycle", logger)
	srv.SetFeed(feed)
	go feed.Run(ctx)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting central server: %w", err)
	}

	var shutdownOnce bool
	router := centralapi.NewRouter(centralapi.RouterConfig{
		Server: srv,
		Logger: logger,
		Shutdown: func() {
			if shutdownOnce {
				return
			}
			shutdownOnce = true
			cancel()
		},
		EventsHandler:  http.HandlerFunc(feed.ServeHTTP),
		MetricsHandler: metr.Handler(),
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down centralserver")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}
	srv.Shutdown(shutdownCtx, 10*time.Second)

	logger.Info("centralserver stopped")
	return nil
}

// fsWorkspaceResolver resolves a workspace by filesystem path: the name is
// the directory's base name, the root its absolute path. Project indexing
// by bare name (not a path) is an external collaborator this binary does
// not implement.
type fsWorkspaceResolver struct{}

func (fsWorkspaceResolver) Resolve(pathOrName string) (name, root string, err error) {
	abs, err := filepath.Abs(pathOrName)
	if err != nil {
		return "", "", fmt.Errorf("resolving workspace path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", "", fmt.Errorf("workspace %q not found: %w", pathOrName, err)
	}
	if !info.IsDir() {
		return "", "", fmt.Errorf("workspace %q is not a directory", pathOrName)
	}
	return filepath.Base(abs), abs, nil
}

func portFromAddr(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return port, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".local", "share", "coderelay")
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

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
