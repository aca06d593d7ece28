package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/dispatcher/internal/common/health"
)

// RouteRegistrar is anything that mounts routes on a chi router. The
// postbox ingest handler registers itself through this so the api package
// doesn't import it.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// ServerConfig holds HTTP surface settings
type ServerConfig struct {
	// CORSOrigins lists allowed origins; empty disables CORS
	CORSOrigins []string

	// RequestTimeout bounds handler execution (default: 60s)
	RequestTimeout time.Duration
}

// NewRouter assembles the core API: deliver and postbox behind the
// service-token middleware, the dispatch processing callback behind its
// own per-job HMAC check, plus health and metrics.
func NewRouter(
	config *ServerConfig,
	serviceAuth *ServiceAuth,
	deliver *DeliverHandler,
	process *ProcessHandler,
	healthChecker *health.Checker,
	extra ...RouteRegistrar,
) http.Handler {
	if config == nil {
		config = &ServerConfig{}
	}
	requestTimeout := config.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(MetricsMiddleware)

	if len(config.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   config.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", healthChecker.HandleHealth)
	r.Get("/health/live", healthChecker.HandleLive)
	r.Get("/health/ready", healthChecker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	// Dispatch processing authenticates per job with the HMAC pointer
	// token, so it sits outside the service-token group
	process.RegisterRoutes(r)

	r.Group(func(r chi.Router) {
		r.Use(serviceAuth.Middleware)
		deliver.RegisterRoutes(r)
		for _, registrar := range extra {
			registrar.RegisterRoutes(r)
		}
	})

	return r
}
