// SPDX-License-Identifier: MIT

// Package health serves liveness and readiness probes for the operator
// process, with per-component checks behind ?verbose=true.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/comradarr/comradarr/internal/log"
	"github.com/comradarr/comradarr/internal/store"
)

// Status is the overall probe status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is one named component check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager aggregates component checks into probe responses.
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager builds an empty manager.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// RegisterChecker adds a component check.
func (m *Manager) RegisterChecker(c Checker) {
	m.checkers = append(m.checkers, c)
}

// Health is the liveness probe. Always reports a live process; component
// checks only shade the status when verbose is requested.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now(),
	}
	if verbose && len(m.checkers) > 0 {
		resp.Checks, resp.Status = m.runChecks(ctx)
	}
	return resp
}

// Ready is the readiness probe. An unhealthy component makes the process
// not ready; degraded components keep it serving.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{
		Ready:     true,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}
	if len(m.checkers) == 0 {
		return resp
	}
	resp.Checks, resp.Status = m.runChecks(ctx)
	if resp.Status == StatusUnhealthy {
		resp.Ready = false
	}
	return resp
}

func (m *Manager) runChecks(ctx context.Context) (map[string]CheckResult, Status) {
	checks := make(map[string]CheckResult, len(m.checkers))
	status := StatusHealthy
	for _, checker := range m.checkers {
		result := checker.Check(ctx)
		checks[checker.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status != StatusUnhealthy {
				status = StatusDegraded
			}
		}
	}
	return checks, status
}

// ServeHealth handles GET /healthz. Always 200 for liveness.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := m.Health(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("failed to encode health response")
	}
}

// ServeReady handles GET /readyz. 503 while any component is unhealthy.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "readiness")

	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("failed to encode readiness response")
	}
}

// StoreChecker pings the backing database.
type StoreChecker struct {
	store *store.Store
}

// NewStoreChecker builds a database connectivity check.
func NewStoreChecker(st *store.Store) *StoreChecker {
	return &StoreChecker{store: st}
}

func (c *StoreChecker) Name() string { return "database" }

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	if err := c.store.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "reachable"}
}

// FleetChecker summarises connector health. The operator stays ready with a
// struggling fleet; the check only surfaces the state.
type FleetChecker struct {
	store *store.Store
}

// NewFleetChecker builds a connector fleet summary check.
func NewFleetChecker(st *store.Store) *FleetChecker {
	return &FleetChecker{store: st}
}

func (c *FleetChecker) Name() string { return "connectors" }

func (c *FleetChecker) Check(ctx context.Context) CheckResult {
	connectors, err := c.store.ListConnectors(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if len(connectors) == 0 {
		return CheckResult{Status: StatusHealthy, Message: "no connectors configured"}
	}

	var healthy, struggling int
	for _, conn := range connectors {
		if !conn.Enabled {
			continue
		}
		switch conn.Health {
		case store.HealthHealthy:
			healthy++
		case store.HealthUnhealthy, store.HealthOffline, store.HealthDegraded:
			struggling++
		}
	}

	msg := fmt.Sprintf("%d healthy, %d struggling of %d", healthy, struggling, len(connectors))
	if struggling > 0 {
		return CheckResult{Status: StatusDegraded, Message: msg}
	}
	return CheckResult{Status: StatusHealthy, Message: msg}
}
