package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"viz-sandbox/internal/config"
	"viz-sandbox/internal/execution"
	"viz-sandbox/internal/monitor"
)

// Server is the main HTTP server for the visualization API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	svc        *execution.Service
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, svc *execution.Service, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(svc)

	s := &Server{
		handlers:  handlers,
		svc:       svc,
		cfg:       cfg,
		startTime: time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.routes(metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes(metrics *monitor.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handlers.HandleExecute)
	mux.HandleFunc("GET /output/{name...}", s.handlers.HandleOutput)
	mux.HandleFunc("GET /languages", s.handlers.HandleLanguages)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	limiter := NewRateLimiter(
		s.cfg.Security.RateLimitRPS, s.cfg.Security.RateLimitBurst,
		s.cfg.Security.PerIPRPS, s.cfg.Security.PerIPBurst,
		metrics,
	)

	// Apply middleware chain (outermost last)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = limitExecute(limiter)(handler)
	handler = MaxBodyMiddleware(s.cfg.Server.MaxRequestBody)(handler)
	handler = CORSMiddleware(s.cfg.Security.AllowedOrigins)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// limitExecute rate-limits submissions only; artifact fetches, health checks
// and scrapes are cheap.
func limitExecute(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limited := rl.Middleware(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && r.URL.Path == "/execute" {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server. In-flight executions finish or are
// cancelled through their request contexts.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	isolation := execution.IsolationShared
	if s.svc.PerRequest() {
		isolation = execution.IsolationPerRequest
	}

	resp := HealthResponse{
		Status:           "ok",
		Backend:          s.svc.Backend(),
		ActiveExecutions: s.svc.ActiveExecutions(),
		Isolation:        isolation,
		Uptime:           time.Since(s.startTime).Round(time.Second).String(),
	}

	status := http.StatusOK
	if err := s.svc.Healthy(ctx); err != nil {
		resp.Status = "degraded"
		resp.BackendError = err.Error()
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
