package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/batchflow/internal/capability"
	"github.com/pitabwire/batchflow/internal/config"
	"github.com/pitabwire/batchflow/internal/idempotency"
	"github.com/pitabwire/batchflow/internal/observability"
	"github.com/pitabwire/batchflow/internal/workflow"
)

const defaultIdempotencyTTL = 24 * time.Hour

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Engine       *workflow.Engine
	Policy       *capability.Policy
	Idempotency  idempotency.Store
	Metrics      *observability.Metrics
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks

	// MetricsHandler serves the scrape endpoint. Metrics are not exposed when
	// it is nil.
	MetricsHandler http.Handler
}

func (d Dependencies) idempotencyTTL() time.Duration {
	if ttl := d.Config.Idempotency.Store.DefaultTTL; ttl > 0 {
		return ttl
	}
	return defaultIdempotencyTTL
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if !deps.Config.Idempotency.Enabled {
		deps.Idempotency = nil
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(deps.Logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.MetricsHandler != nil {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.MetricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.RolesClaim))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))

		r.Get("/products/{productType}/phases", handleDefinitions(deps))

		r.Route("/batches/{batchID}", func(r chi.Router) {
			r.Post("/workflow", handleInstantiate(deps))
			r.Get("/status", handleStatus(deps))
			r.Get("/phases", handlePhases(deps))
			r.Get("/phases/{phase}", handlePhase(deps))
			r.Get("/events", handleEvents(deps))
			r.Get("/tasks", handleTasks(deps))

			r.Post("/phases/{phase}/start", handlePhaseTransition(deps, opStart, startPhase(deps.Engine)))
			r.Post("/phases/{phase}/complete", handlePhaseTransition(deps, opComplete, completePhase(deps.Engine)))
			r.Post("/phases/{phase}/fail", handlePhaseTransition(deps, opFail, failPhase(deps.Engine)))
		})
	})

	return r
}
