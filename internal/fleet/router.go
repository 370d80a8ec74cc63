package fleet

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	centralapi "github.com/coderelay/coderelay/internal/central/api"
)

// RouterConfig holds everything NewRouter needs to build FleetDashboard's
// HTTP surface.
type RouterConfig struct {
	Dashboard *Dashboard
	Logger    *zap.Logger

	// EventsHandler, when non-nil, is mounted at GET /global-dashboard/api/events.
	EventsHandler http.Handler

	// MetricsHandler, when non-nil, replaces the default process-global
	// promhttp handler at GET /metrics.
	MetricsHandler http.Handler
}

// NewRouter builds the Chi router for FleetDashboard. All routes live
// under /global-dashboard/api, mirroring CentralServer's /api convention.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(centralapi.RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	h := &handler{dashboard: cfg.Dashboard, logger: cfg.Logger}

	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Get("/metrics", metricsHandler.ServeHTTP)

	r.Route("/global-dashboard/api", func(r chi.Router) {
		r.Get("/instances", h.instances)
		r.Get("/lifecycle-events", h.lifecycleEvents)

		r.Get("/instance/{pid}/tool-names", h.proxyGet("/api/tool-names"))
		r.Get("/instance/{pid}/tool-stats", h.proxyGet("/api/tool-stats"))
		r.Post("/instance/{pid}/clear-tool-stats", h.proxyWithBody(http.MethodPost, "/api/clear-tool-stats"))
		r.Get("/instance/{pid}/config-overview", h.proxyGet("/api/config-overview"))
		r.Get("/instance/{pid}/queued-executions", h.proxyGet("/api/queued-executions"))
		r.Get("/instance/{pid}/last-execution", h.proxyGet("/api/last-execution"))
		r.Get("/instance/{pid}/logs", h.proxyGet("/api/logs"))
		r.Put("/instance/{pid}/shutdown", h.proxyWithBody(http.MethodPut, "/api/shutdown"))

		r.Post("/instance/{pid}/force-kill", h.forceKill)

		if cfg.EventsHandler != nil {
			r.Get("/events", cfg.EventsHandler.ServeHTTP)
		}
	})

	return r
}
