// SPDX-License-Identifier: MIT

// Package api is the operator surface: connector fleet inspection, throttle
// and reconnect control, registry maintenance and the observability probes.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/comradarr/comradarr/internal/dispatch"
	"github.com/comradarr/comradarr/internal/health"
	xlog "github.com/comradarr/comradarr/internal/log"
	"github.com/comradarr/comradarr/internal/reconnect"
	"github.com/comradarr/comradarr/internal/registry"
	"github.com/comradarr/comradarr/internal/store"
	"github.com/comradarr/comradarr/internal/throttle"
)

// Server wires the operator HTTP endpoints to the underlying services.
type Server struct {
	store      *store.Store
	throttle   *throttle.Enforcer
	registry   *registry.Service
	reconnect  *reconnect.Service
	dispatcher *dispatch.Dispatcher
	health     *health.Manager

	version       string
	inlineMetrics bool
	logger        zerolog.Logger
}

// Option customises the server.
type Option func(*Server)

// WithVersion sets the reported build version.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithInlineMetrics controls whether /metrics is mounted on the operator
// router. Off when a dedicated metrics listener is configured.
func WithInlineMetrics(inline bool) Option {
	return func(s *Server) { s.inlineMetrics = inline }
}

// New builds the operator API server.
func New(st *store.Store, enf *throttle.Enforcer, reg *registry.Service,
	rec *reconnect.Service, disp *dispatch.Dispatcher, hm *health.Manager, opts ...Option) *Server {
	s := &Server{
		store:         st,
		throttle:      enf,
		registry:      reg,
		reconnect:     rec,
		dispatcher:    disp,
		health:        hm,
		version:       "dev",
		inlineMetrics: true,
		logger:        xlog.WithComponent("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router with the full middleware stack and routes.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	if s.inlineMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Route("/connectors", func(r chi.Router) {
			r.Get("/", s.handleListConnectors)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetConnector)
				r.Get("/throttle", s.handleThrottleStatus)
				r.Get("/registry", s.handleRegistrySummary)
				r.Post("/dispatch", s.handleDispatchNow)
				r.Post("/pause", s.handlePauseDispatch)
				r.Post("/resume", s.handleResumeDispatch)
				r.Post("/queue/pause", s.handleQueuePause(true))
				r.Post("/queue/resume", s.handleQueuePause(false))
				r.Post("/reconnect", s.handleReconnectNow)
				r.Post("/reconnect/pause", s.handleReconnectPause)
				r.Post("/reconnect/resume", s.handleReconnectResume)
			})
		})

		r.Route("/registry/{id}", func(r chi.Router) {
			r.Get("/history", s.handleHistory)
			r.Post("/reset", s.handleResetExhausted)
		})
	})

	return r
}

// requestLogger emits one structured line per request at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
