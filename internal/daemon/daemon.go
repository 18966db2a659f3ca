// SPDX-License-Identifier: MIT

// Package daemon owns the process lifecycle: the HTTP listeners, the tick
// scheduler and an ordered graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/comradarr/comradarr/internal/log"
	"github.com/comradarr/comradarr/internal/scheduler"
)

// ShutdownHook performs one cleanup step during graceful shutdown. Hooks run
// in reverse registration order.
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	hook ShutdownHook
}

// Config holds the lifecycle parameters.
type Config struct {
	ListenAddr      string
	MetricsAddr     string // empty disables the dedicated metrics listener
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Manager starts the servers and the scheduler, then blocks until the context
// is cancelled or a listener fails.
type Manager struct {
	cfg            Config
	apiHandler     http.Handler
	metricsHandler http.Handler
	scheduler      *scheduler.Scheduler

	apiServer     *http.Server
	metricsServer *http.Server
	apiAddr       net.Addr

	mu       sync.Mutex
	started  bool
	stopping bool
	hooks    []namedHook

	logger zerolog.Logger
}

// Option customises a Manager.
type Option func(*Manager)

// WithMetricsHandler mounts a dedicated metrics listener on Config.MetricsAddr.
func WithMetricsHandler(h http.Handler) Option {
	return func(m *Manager) { m.metricsHandler = h }
}

// New builds a lifecycle manager around the operator handler and scheduler.
func New(cfg Config, apiHandler http.Handler, sched *scheduler.Scheduler, opts ...Option) *Manager {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	m := &Manager{
		cfg:        cfg,
		apiHandler: apiHandler,
		scheduler:  sched,
		logger:     xlog.WithComponent("daemon"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterShutdownHook appends a cleanup step. Hooks run LIFO on shutdown.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
}

// Addr reports the bound API listener address, nil before Run.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apiAddr
}

// Run starts everything and blocks until ctx is cancelled or a listener
// fails, then performs the bounded graceful shutdown.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	m.started = true
	m.mu.Unlock()

	errChan := make(chan error, 2)

	if err := m.startAPIServer(errChan); err != nil {
		return err
	}
	if m.cfg.MetricsAddr != "" && m.metricsHandler != nil {
		if err := m.startMetricsServer(errChan); err != nil {
			return errors.Join(err, m.shutdown(ctx))
		}
	}

	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()
	if m.scheduler != nil {
		m.scheduler.Start(schedCtx)
	}

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Msg("listener failed, shutting down")
		cancelSched()
		return errors.Join(err, m.shutdown(ctx))
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		cancelSched()
		return m.shutdown(ctx)
	}
}

func (m *Manager) startAPIServer(errChan chan<- error) error {
	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", m.cfg.ListenAddr, err)
	}
	m.mu.Lock()
	m.apiAddr = ln.Addr()
	m.mu.Unlock()

	m.apiServer = &http.Server{
		Handler:           m.apiHandler,
		ReadTimeout:       m.cfg.ReadTimeout,
		ReadHeaderTimeout: m.cfg.ReadTimeout / 2,
		WriteTimeout:      m.cfg.WriteTimeout,
	}

	go func() {
		m.logger.Info().Str("addr", ln.Addr().String()).Msg("api server listening")
		if err := m.apiServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()
	return nil
}

func (m *Manager) startMetricsServer(errChan chan<- error) error {
	ln, err := net.Listen("tcp", m.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", m.cfg.MetricsAddr, err)
	}

	m.metricsServer = &http.Server{
		Handler:           m.metricsHandler,
		ReadHeaderTimeout: m.cfg.ReadTimeout / 2,
	}

	go func() {
		m.logger.Info().Str("addr", ln.Addr().String()).Msg("metrics server listening")
		if err := m.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	return nil
}

// shutdown stops the listeners, drains the scheduler and runs the hooks in
// reverse order. The context is detached from caller cancellation so cleanup
// can finish after a SIGTERM.
func (m *Manager) shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	hooks := append([]namedHook(nil), m.hooks...)
	m.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error

	if m.apiServer != nil {
		if err := m.apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}
	if m.metricsServer != nil {
		if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if m.scheduler != nil {
		m.scheduler.Wait()
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(shutdownCtx); err != nil {
			m.logger.Error().Err(err).Str("hook", h.name).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().Str("hook", h.name).Dur("duration", time.Since(start)).Msg("shutdown hook done")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	m.logger.Info().Msg("daemon stopped cleanly")
	return nil
}
