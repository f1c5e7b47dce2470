// Package api exposes the control plane over REST/JSON for operator
// dashboards, plus the desk WebSocket stream and the Prometheus endpoint.
// Every /api/v1 route is tenant-scoped through the tenant middleware.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/generativebots/acp-backend/internal/analytics"
	"github.com/generativebots/acp-backend/internal/audit"
	"github.com/generativebots/acp-backend/internal/catalog"
	"github.com/generativebots/acp-backend/internal/events"
	"github.com/generativebots/acp-backend/internal/middleware"
	"github.com/generativebots/acp-backend/internal/objectives"
	"github.com/generativebots/acp-backend/internal/outbox"
	"github.com/generativebots/acp-backend/internal/tenants"
	"github.com/generativebots/acp-backend/internal/webhooks"
)

// HealthChecker pings the durable store behind the API. The database client
// satisfies it; demo wiring leaves it nil and reports the store as "memory".
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Config tunes the HTTP server.
type Config struct {
	ServiceName    string
	Port           string
	Env            string
	AllowedOrigins []string
}

// Deps are the services the routes read from. Store, Recorder, Catalog, and
// Objectives are required; Tenants is required because every /api/v1 route
// resolves a tenant. Bus enables the desk stream, Webhooks the subscription
// routes, and a nil Metrics handler falls back to the default Prometheus
// handler.
type Deps struct {
	Store      outbox.Store
	Recorder   audit.Recorder
	Catalog    catalog.Service
	Objectives objectives.Service
	Analytics  *analytics.Service
	Webhooks   *webhooks.Registry
	Tenants    *tenants.Manager
	Bus        *events.Bus
	Emitter    events.Emitter
	DB         HealthChecker
	Metrics    http.Handler
}

// Server hosts the control-plane read API.
type Server struct {
	cfg        Config
	store      outbox.Store
	recorder   audit.Recorder
	catalog    catalog.Service
	objectives objectives.Service
	analytics  *analytics.Service
	webhooks   *webhooks.Registry
	tenants    *tenants.Manager
	bus        *events.Bus
	emitter    events.Emitter
	db         HealthChecker
	metrics    http.Handler

	upgrader websocket.Upgrader
	limiter  *middleware.RateLimiter
	router   *mux.Router
	logger   *log.Logger
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "acp-api"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	s := &Server{
		cfg:        cfg,
		store:      deps.Store,
		recorder:   deps.Recorder,
		catalog:    deps.Catalog,
		objectives: deps.Objectives,
		analytics:  deps.Analytics,
		webhooks:   deps.Webhooks,
		tenants:    deps.Tenants,
		bus:        deps.Bus,
		emitter:    deps.Emitter,
		db:         deps.DB,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(cfg.Env, cfg.AllowedOrigins),
		},
		limiter: middleware.NewRateLimiter(middleware.RateLimitConfig{}),
		logger:  log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	s.router = s.buildRouter()
	return s
}

// Router exposes the configured routes for tests and embedding hosts.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) buildRouter() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", s.metrics).Methods("GET")
	router.HandleFunc("/ws/desk", s.handleDeskStream)

	api := router.PathPrefix("/api/v1").Subrouter()

	// Tenant middleware (Gorilla Mux adapter).
	api.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			middleware.TenantMiddleware(s.tenants, next.ServeHTTP)(w, r)
		})
	})

	// Admission control keys on the tenant the middleware above resolved.
	api.Use(s.limiter.Middleware)

	api.HandleFunc("/outbox/status", s.handleOutboxStatus).Methods("GET")
	api.HandleFunc("/outbox/pending", s.handleOutboxPending).Methods("GET")
	api.HandleFunc("/outbox/dlq", s.handleOutboxDLQ).Methods("GET")
	api.HandleFunc("/outbox/{id}/requeue", s.handleOutboxRequeue).Methods("POST")

	api.HandleFunc("/audit", s.handleAudit).Methods("GET")
	api.HandleFunc("/catalog", s.handleCatalog).Methods("GET")
	api.HandleFunc("/objectives", s.handleObjectives).Methods("GET")
	api.HandleFunc("/analytics/summary", s.handleAnalyticsSummary).Methods("GET")

	api.HandleFunc("/webhooks", s.handleWebhookRegister).Methods("POST")
	api.HandleFunc("/webhooks", s.handleWebhookList).Methods("GET")
	api.HandleFunc("/webhooks/{id}", s.handleWebhookDelete).Methods("DELETE")

	router.Use(corsMiddleware)
	router.Use(loggingMiddleware)
	return router
}

// Run serves until ctx is cancelled, then drains in-flight requests for up
// to 30 seconds.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Printf("Received shutdown signal, shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Printf("Server shutdown error: %v", err)
		}
	}()

	s.logger.Printf("🚀 %s starting on port %s", s.cfg.ServiceName, s.cfg.Port)
	s.logger.Printf("📊 Health check: http://localhost:%s/health", s.cfg.Port)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	s.logger.Printf("Server stopped")
	return nil
}

// Middleware

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		// Cloud Run compatible JSON log line.
		log.Printf(`{"method":"%s","path":"%s","duration_ms":%d}`,
			r.Method,
			r.URL.Path,
			time.Since(start).Milliseconds(),
		)
	})
}
