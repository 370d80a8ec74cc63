package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/central"
)

// RouterConfig holds everything NewRouter needs to build CentralServer's
// HTTP surface.
type RouterConfig struct {
	Server   *central.Server
	Logger   *zap.Logger
	Shutdown func()

	// EventsHandler, when non-nil, is mounted at GET /api/events — the live
	// lifecycle event feed. Left nil in tests that don't need it.
	EventsHandler http.Handler

	// MetricsHandler, when non-nil, replaces the default process-global
	// promhttp handler at GET /metrics with a caller-supplied one (e.g. a
	// metrics.Central registered on its own registry).
	MetricsHandler http.Handler
}

// NewRouter builds the Chi router for CentralServer. All domain routes are
// registered under /api; /heartbeat (the fleet dashboard's liveness
// probe), /metrics and /api/events are additions beyond the bare
// tool-dispatch contract.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	h := &handler{server: cfg.Server, logger: cfg.Logger, shutdown: cfg.Shutdown}

	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Get("/metrics", metricsHandler.ServeHTTP)
	r.Get("/heartbeat", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Get("/stats", h.stats)
		r.Get("/lifecycle-events", h.lifecycleEvents)

		r.Get("/sessions", h.listSessions)
		r.Post("/sessions", h.createSession)
		r.Get("/sessions/{sid}", h.getSession)
		r.Delete("/sessions/{sid}", h.deleteSession)
		r.Post("/sessions/{sid}/heartbeat", h.heartbeat)
		r.Get("/sessions/{sid}/prompt", h.prompt)
		r.Put("/sessions/{sid}/modes", h.setModes)
		r.Put("/sessions/{sid}/project", h.setProject)
		r.Post("/sessions/{sid}/tools/{name}", h.callTool)

		r.Get("/tools", h.listTools)
		r.Get("/tool-names", h.toolNames)
		r.Get("/tool-stats", h.toolStats)
		r.Post("/clear-tool-stats", h.clearToolStats)
		r.Get("/config-overview", h.configOverview)
		r.Get("/queued-executions", h.queuedExecutions)
		r.Get("/last-execution", h.lastExecution)
		r.Get("/logs", h.logs)
		r.Get("/projects", h.listProjects)
		r.Get("/modes", h.listModes)
		r.Get("/contexts", h.listContexts)

		r.Put("/shutdown", h.shutdown)

		if cfg.EventsHandler != nil {
			r.Get("/events", cfg.EventsHandler.ServeHTTP)
		}
	})

	return r
}
