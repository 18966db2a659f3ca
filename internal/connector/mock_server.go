// SPDX-License-Identifier: MIT

package connector

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// MockUpstream is a configurable fake connector for tests. It implements the
// v3 endpoint subset the operator consumes and records every request.
type MockUpstream struct {
	mu sync.Mutex

	AppName string
	APIKey  string

	// Failure injection. A non-zero FailStatus short-circuits authenticated
	// endpoints with that status; RetryAfter adds the header on 429.
	FailStatus int
	RetryAfter int

	// Wanted listing content served page by page.
	WantedRecords []json.RawMessage

	// Health payload.
	HealthItems []HealthItem

	// Command behaviour.
	CommandStatus string

	PingDown bool

	requests []string
	commands []map[string]any
	nextID   int64

	srv *httptest.Server
}

// NewMockUpstream starts a mock connector; callers own Close.
func NewMockUpstream(appName, apiKey string) *MockUpstream {
	m := &MockUpstream{
		AppName:       appName,
		APIKey:        apiKey,
		CommandStatus: "queued",
		nextID:        100,
	}
	m.srv = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the mock's base URL.
func (m *MockUpstream) URL() string { return m.srv.URL }

// Close shuts the server down.
func (m *MockUpstream) Close() { m.srv.Close() }

// Requests returns the method+path log of every request seen.
func (m *MockUpstream) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// Commands returns the decoded bodies of every POST /api/v3/command.
func (m *MockUpstream) Commands() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any(nil), m.commands...)
}

func (m *MockUpstream) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests = append(m.requests, r.Method+" "+r.URL.Path)
	m.mu.Unlock()

	if r.URL.Path == "/ping" {
		if m.PingDown {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK"))
		return
	}

	if r.Header.Get("X-Api-Key") != m.APIKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if m.FailStatus != 0 {
		if m.FailStatus == http.StatusTooManyRequests && m.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(m.RetryAfter))
		}
		w.WriteHeader(m.FailStatus)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/api/v3/system/status":
		_ = json.NewEncoder(w).Encode(SystemStatus{AppName: m.AppName, Version: "4.0.0.0"})

	case r.URL.Path == "/api/v3/health":
		items := m.HealthItems
		if items == nil {
			items = []HealthItem{}
		}
		_ = json.NewEncoder(w).Encode(items)

	case r.URL.Path == "/api/v3/wanted/missing" || r.URL.Path == "/api/v3/wanted/cutoff":
		m.serveWanted(w, r)

	case r.URL.Path == "/api/v3/command" && r.Method == http.MethodPost:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		m.mu.Lock()
		m.commands = append(m.commands, body)
		m.nextID++
		id := m.nextID
		m.mu.Unlock()
		name, _ := body["name"].(string)
		_ = json.NewEncoder(w).Encode(CommandResponse{ID: id, Name: name, Status: m.CommandStatus})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (m *MockUpstream) serveWanted(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1000
	}

	m.mu.Lock()
	total := len(m.WantedRecords)
	lo := (page - 1) * pageSize
	hi := lo + pageSize
	if lo > total {
		lo = total
	}
	if hi > total {
		hi = total
	}
	slice := append([]json.RawMessage(nil), m.WantedRecords[lo:hi]...)
	m.mu.Unlock()

	_ = json.NewEncoder(w).Encode(PagedResponse{
		Page:          page,
		PageSize:      pageSize,
		SortKey:       "airDateUtc",
		SortDirection: "ascending",
		TotalRecords:  total,
		Records:       slice,
	})
}

// SeedWantedEpisodes fills the wanted listing with n generated episodes.
func (m *MockUpstream) SeedWantedEpisodes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WantedRecords = m.WantedRecords[:0]
	for i := 1; i <= n; i++ {
		raw, _ := json.Marshal(WantedEpisode{
			ID:            int64(i),
			SeriesID:      int64(1 + i%7),
			SeasonNumber:  1 + i%3,
			EpisodeNumber: i,
			Title:         fmt.Sprintf("Episode %d", i),
			Monitored:     true,
		})
		m.WantedRecords = append(m.WantedRecords, raw)
	}
}
