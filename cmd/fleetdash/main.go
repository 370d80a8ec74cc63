package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/fleet"
	"github.com/coderelay/coderelay/internal/metrics"
	"github.com/coderelay/coderelay/internal/registry"
	"github.com/coderelay/coderelay/internal/wsfeed"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	preferredPort int
	dataDir       string
	logLevel      string
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
		Use:   "fleetdash",
		Short: "coderelay fleet dashboard — aggregates and proxies to every registered centralserver instance on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().IntVar(&cfg.preferredPort, "port", envOrDefaultInt("CODERELAY_FLEETDASH_PORT", 7500), "Preferred HTTP listen port (a free nearby port is selected if taken)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("CODERELAY_DATA_DIR", defaultDataDir()), "Directory for the shared instance registry")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CODERELAY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetdash %s (commit: %s)\n", version, commit)
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

	reg := registry.New(cfg.dataDir)
	dashboard := fleet.New(fleet.Config{Logger: logger, Registry: reg})

	metr := metrics.NewFleet()
	dashboard.SetMetrics(metr)

	feed := wsfeed.New("fleet", logger)
	dashboard.SetFeed(feed)
	go feed.Run(ctx)

	port, reused, err := dashboard.SelectPort(ctx, cfg.preferredPort)
	if err != nil {
		return fmt.Errorf("selecting dashboard port: %w", err)
	}
	if reused {
		logger.Info("an existing fleet dashboard already answers on this host; exiting", zap.Int("port", port))
		return nil
	}

	if err := dashboard.Start(); err != nil {
		return fmt.Errorf("starting fleet dashboard: %w", err)
	}
	defer dashboard.Shutdown()

	if err := reg.SetGlobalDashboard(ctx, os.Getpid(), port); err != nil {
		logger.Warn("failed to register this dashboard in the registry", zap.Error(err))
	}
	defer func() {
		if err := reg.ClearGlobalDashboard(context.Background(), os.Getpid()); err != nil {
			logger.Warn("failed to clear dashboard registration", zap.Error(err))
		}
	}()

	router := fleet.NewRouter(fleet.RouterConfig{
		Dashboard:      dashboard,
		Logger:         logger,
		EventsHandler:  http.HandlerFunc(feed.ServeHTTP),
		MetricsHandler: metr.Handler(),
	})

	addr := fmt.Sprintf(":%d", port)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("fleet dashboard listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down fleetdash")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("fleetdash stopped")
	return nil
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

func envOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return defaultVal
	}
	return n
}
