// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comradarr/comradarr/internal/config"
	"github.com/comradarr/comradarr/internal/store"
)

type staticChecker struct {
	name   string
	result CheckResult
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(context.Context) CheckResult { return c.result }

func TestHealthAlwaysReturns200(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(staticChecker{name: "broken", result: CheckResult{Status: StatusUnhealthy, Error: "down"}})

	rr := httptest.NewRecorder()
	m.ServeHealth(rr, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rr.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status, "non-verbose liveness ignores component state")
	assert.Empty(t, resp.Checks)
}

func TestHealthVerboseIncludesChecks(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(staticChecker{name: "a", result: CheckResult{Status: StatusHealthy}})
	m.RegisterChecker(staticChecker{name: "b", result: CheckResult{Status: StatusDegraded, Message: "meh"}})

	rr := httptest.NewRecorder()
	m.ServeHealth(rr, httptest.NewRequest("GET", "/healthz?verbose=true", nil))
	assert.Equal(t, 200, rr.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 2)
}

func TestReadyReturns503WhenUnhealthy(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(staticChecker{name: "db", result: CheckResult{Status: StatusUnhealthy, Error: "gone"}})

	rr := httptest.NewRecorder()
	m.ServeReady(rr, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, 503, rr.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestReadyDegradedStillServes(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(staticChecker{name: "fleet", result: CheckResult{Status: StatusDegraded}})

	rr := httptest.NewRecorder()
	m.ServeReady(rr, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, 200, rr.Code)
}

func TestReadyNoCheckersIsReady(t *testing.T) {
	m := NewManager("test")
	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusHealthy, resp.Status)
}

func TestStoreChecker(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	c := NewStoreChecker(s)
	res := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, "database", c.Name())
}

func TestFleetChecker(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	c := NewFleetChecker(s)

	res := c.Check(ctx)
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Contains(t, res.Message, "no connectors")

	id, err := s.CreateConnector(ctx, store.Connector{
		Name: "sonarr-main", Kind: store.KindSonarr, BaseURL: "http://sonarr.local:8989",
		Enabled: true, Health: store.HealthHealthy,
	})
	require.NoError(t, err)

	res = c.Check(ctx)
	assert.Equal(t, StatusHealthy, res.Status)

	require.NoError(t, s.UpdateConnectorHealth(ctx, id, store.HealthOffline))
	res = c.Check(ctx)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Contains(t, res.Message, "1 struggling")
}

func TestStartupChecks(t *testing.T) {
	cfg := config.Config{
		ListenAddr: "127.0.0.1:8989",
		DBPath:     filepath.Join(t.TempDir(), "comradarr.db"),
	}
	require.NoError(t, PerformStartupChecks(cfg))

	bad := cfg
	bad.ListenAddr = "not-an-addr"
	assert.Error(t, PerformStartupChecks(bad))

	bad = cfg
	bad.DBPath = "/nonexistent-dir-for-test/comradarr.db"
	assert.Error(t, PerformStartupChecks(bad))
}
