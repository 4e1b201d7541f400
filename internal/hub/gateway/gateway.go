// Package gateway is the ingestion boundary service. It validates events,
// routes them per tenant namespace, and submits them to the publisher,
// reporting per-event accept/reject status.
package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lineagehub/lineagehub/internal/hub/event"
	"github.com/lineagehub/lineagehub/internal/hub/logging"
	"github.com/lineagehub/lineagehub/internal/hub/metrics"
	"github.com/lineagehub/lineagehub/internal/hub/namespace"
	"github.com/lineagehub/lineagehub/internal/hub/publish"
	"github.com/lineagehub/lineagehub/internal/hub/transport"
)

// Server handles ingestion and namespace administration requests.
type Server struct {
	registry  *namespace.Registry
	router    *namespace.Router
	validator *event.Validator
	publisher *publish.Publisher
	caps      transport.Capabilities
	logger    logging.ServiceLogger
	metrics   *metrics.GatewayMetrics
	started   time.Time
}

// New creates the gateway server.
func New(registry *namespace.Registry, router *namespace.Router, validator *event.Validator, publisher *publish.Publisher, caps transport.Capabilities, gm *metrics.GatewayMetrics, logger logging.ServiceLogger) *Server {
	if gm == nil {
		gm = metrics.NewGatewayMetrics(nil)
	}
	return &Server{
		registry:  registry,
		router:    router,
		validator: validator,
		publisher: publisher,
		caps:      caps,
		logger:    logger,
		metrics:   gm,
		started:   time.Now(),
	}
}

// Handler returns the HTTP handler with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.tracing)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/lineage/ingest", s.handleLineageIngest)
		r.Post("/telemetry/ingest", s.handleTelemetryIngest)

		r.Route("/namespaces", func(r chi.Router) {
			r.Post("/", s.handleNamespaceCreate)
			r.Get("/", s.handleNamespaceList)
			r.Get("/{name}", s.handleNamespaceGet)
			r.Patch("/{name}", s.handleNamespaceUpdate)
		})
	})

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// tracing wraps each request in an otel span.
func (s *Server) tracing(next http.Handler) http.Handler {
	tracer := otel.Tracer("lineagehub/gateway")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "gateway "+r.Method+" "+r.URL.Path)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func renderError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg})
}

type healthResponse struct {
	Status     string `json:"status"`
	Transport  string `json:"transport"`
	Namespaces int    `json:"namespaces"`
	UptimeSecs int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, healthResponse{
		Status:     "ok",
		Transport:  s.caps.Name,
		Namespaces: len(s.registry.List()),
		UptimeSecs: int64(time.Since(s.started).Seconds()),
	})
}
