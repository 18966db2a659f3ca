// SPDX-License-Identifier: MIT

package connector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsHeaders(t *testing.T) {
	var gotKey, gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		_, _ = w.Write([]byte(`{"appName":"Sonarr","version":"4"}`))
	}))
	defer srv.Close()

	c := New(KindSonarr, srv.URL, "k-1")
	_, err := c.SystemStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "k-1", gotKey)
	assert.Equal(t, "comradarr/1.0", gotUA)
	assert.Equal(t, "application/json", gotAccept)
}

func TestClientStatusErrorMapping(t *testing.T) {
	cases := []struct {
		status    int
		category  Category
		retryable bool
	}{
		{http.StatusUnauthorized, CategoryAuthentication, false},
		{http.StatusNotFound, CategoryNotFound, false},
		{http.StatusTooManyRequests, CategoryRateLimit, true},
		{http.StatusInternalServerError, CategoryServer, true},
		{http.StatusBadGateway, CategoryServer, true},
		{http.StatusBadRequest, CategoryValidation, false},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))

		c := New(KindSonarr, srv.URL, "k")
		_, err := c.SystemStatus(context.Background())
		require.Error(t, err, "status %d", tc.status)

		var ce *Error
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, tc.category, ce.Category, "status %d", tc.status)
		assert.Equal(t, tc.status, ce.Status)
		assert.Equal(t, tc.retryable, ce.Retryable())
		srv.Close()
	}
}

func TestClientCourtesyLimiterSpacesRequests(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"appName":"Sonarr","version":"4"}`))
	}))
	defer srv.Close()

	// 50 req/s with burst 1: three calls need at least two 20ms waits.
	c := New(KindSonarr, srv.URL, "k", WithRateLimit(50, 1))
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.SystemStatus(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestClientCourtesyLimiterHonoursCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(KindSonarr, srv.URL, "k", WithRateLimit(0.001, 1))
	_, err := c.SystemStatus(context.Background()) // consumes the burst
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.SystemStatus(ctx)
	require.Error(t, err)

	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CategoryTimeout, ce.Category)
}

func TestClientRateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(KindRadarr, srv.URL, "k")
	_, err := c.SendCommand(context.Background(), MoviesSearch{MovieIDs: []int64{1}})
	require.Error(t, err)
	assert.Equal(t, 120*time.Second, RetryAfterOf(err))

	cat, ok := CategoryOf(err)
	require.True(t, ok)
	assert.Equal(t, CategoryRateLimit, cat)
}

func TestClientNetworkError(t *testing.T) {
	// Port from a closed listener: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(KindSonarr, url, "k")
	_, err := c.SystemStatus(context.Background())
	require.Error(t, err)

	cat, ok := CategoryOf(err)
	require.True(t, ok)
	assert.Equal(t, CategoryNetwork, cat)
	assert.True(t, IsRetryable(err))
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New(KindSonarr, srv.URL, "k", WithTimeout(50*time.Millisecond))
	_, err := c.SystemStatus(context.Background())
	require.Error(t, err)

	cat, ok := CategoryOf(err)
	require.True(t, ok)
	assert.Equal(t, CategoryTimeout, cat)
	assert.True(t, IsRetryable(err))
}

func TestDoWithRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := DoWithRetry(context.Background(), 5, func(context.Context) error {
		calls++
		return &Error{Category: CategoryAuthentication, Op: "op", Status: 401}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoWithRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := DoWithRetry(context.Background(), 5, func(context.Context) error {
		calls++
		if calls < 3 {
			// Sub-millisecond Retry-After keeps the test fast while still
			// exercising the rate-limit sleep path.
			return &Error{Category: CategoryRateLimit, Op: "op", Status: 429, RetryAfter: time.Millisecond}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoWithRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := DoWithRetry(ctx, 3, func(context.Context) error {
		return &Error{Category: CategoryServer, Op: "op", Status: 500}
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestPingAgainstMock(t *testing.T) {
	m := NewMockUpstream("Sonarr", "k")
	defer m.Close()

	c := New(KindSonarr, m.URL(), "k")
	ok, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	m.PingDown = true
	ok, err = c.Ping(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSendCommandAgainstMock(t *testing.T) {
	m := NewMockUpstream("Sonarr", "k")
	defer m.Close()

	c := New(KindSonarr, m.URL(), "k")
	res, err := c.SendCommand(context.Background(), SeasonSearch{SeriesID: 7, SeasonNumber: 2})
	require.NoError(t, err)
	assert.Equal(t, "SeasonSearch", res.Name)
	assert.Equal(t, "queued", res.Status)
	assert.NotZero(t, res.ID)

	cmds := m.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "SeasonSearch", cmds[0]["name"])
	assert.EqualValues(t, 7, cmds[0]["seriesId"])
	assert.EqualValues(t, 2, cmds[0]["seasonNumber"])
}

func TestHealthAgainstMock(t *testing.T) {
	m := NewMockUpstream("Radarr", "k")
	defer m.Close()
	m.HealthItems = []HealthItem{
		{Source: "IndexerStatusCheck", Type: "warning", Message: "indexers unavailable"},
	}

	c := New(KindRadarr, m.URL(), "k")
	items, err := c.Health(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.False(t, HasErrors(items))

	m.HealthItems = append(m.HealthItems, HealthItem{Source: "x", Type: "error", Message: "down"})
	items, err = c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, HasErrors(items))
}
