// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/comradarr/comradarr/internal/store"
)

// connectorView is the redacted wire shape of a connector. Credentials never
// leave the process.
type connectorView struct {
	ID          int64               `json:"id"`
	Name        string              `json:"name"`
	Kind        store.ConnectorKind `json:"kind"`
	BaseURL     string              `json:"baseUrl"`
	Enabled     bool                `json:"enabled"`
	Health      store.Health        `json:"health"`
	QueuePaused bool                `json:"queuePaused"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

func toConnectorView(c store.Connector) connectorView {
	return connectorView{
		ID:          c.ID,
		Name:        c.Name,
		Kind:        c.Kind,
		BaseURL:     c.BaseURL,
		Enabled:     c.Enabled,
		Health:      c.Health,
		QueuePaused: c.QueuePaused,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

type syncStateView struct {
	LastSync            *time.Time `json:"lastSync,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	ReconnectAttempts   int        `json:"reconnectAttempts"`
	NextReconnectAt     *time.Time `json:"nextReconnectAt,omitempty"`
	ReconnectStartedAt  *time.Time `json:"reconnectStartedAt,omitempty"`
	LastReconnectError  *string    `json:"lastReconnectError,omitempty"`
	ReconnectPaused     bool       `json:"reconnectPaused"`
}

type connectorDetail struct {
	connectorView
	Sync syncStateView `json:"sync"`
}

type statusResponse struct {
	Version    string                    `json:"version"`
	Connectors int                       `json:"connectors"`
	Fleet      map[store.Health]int      `json:"fleet"`
	QueueDepth int                       `json:"queueDepth"`
	Registry   map[store.SearchState]int `json:"registry"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	connectors, err := s.store.ListConnectors(ctx)
	if err != nil {
		writeInternal(w, err)
		return
	}

	resp := statusResponse{
		Version:    s.version,
		Connectors: len(connectors),
		Fleet:      make(map[store.Health]int),
		Registry:   make(map[store.SearchState]int),
	}
	for _, c := range connectors {
		resp.Fleet[c.Health]++
		depth, err := s.store.QueueDepth(ctx, c.ID)
		if err != nil {
			writeInternal(w, err)
			return
		}
		resp.QueueDepth += depth
		counts, err := s.store.CountRegistryByState(ctx, c.ID)
		if err != nil {
			writeInternal(w, err)
			return
		}
		for state, n := range counts {
			resp.Registry[state] += n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	connectors, err := s.store.ListConnectors(r.Context())
	if err != nil {
		writeInternal(w, err)
		return
	}
	views := make([]connectorView, 0, len(connectors))
	for _, c := range connectors {
		views = append(views, toConnectorView(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetConnector(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeNotFound(w)
		return
	}
	c, err := s.store.GetConnector(r.Context(), id)
	if err != nil {
		writeInternal(w, err)
		return
	}
	if c == nil {
		writeNotFound(w)
		return
	}
	st, err := s.store.GetOrCreateSyncState(r.Context(), id)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, connectorDetail{
		connectorView: toConnectorView(*c),
		Sync: syncStateView{
			LastSync:            st.LastSync,
			ConsecutiveFailures: st.ConsecutiveFailures,
			ReconnectAttempts:   st.ReconnectAttempts,
			NextReconnectAt:     st.NextReconnectAt,
			ReconnectStartedAt:  st.ReconnectStartedAt,
			LastReconnectError:  st.LastReconnectError,
			ReconnectPaused:     st.ReconnectPaused,
		},
	})
}

func (s *Server) handleThrottleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeNotFound(w)
		return
	}
	snap, err := s.throttle.GetStatus(r.Context(), id)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type registrySummary struct {
	States     map[store.SearchState]int `json:"states"`
	QueueDepth int                       `json:"queueDepth"`
}

func (s *Server) handleRegistrySummary(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeNotFound(w)
		return
	}
	counts, err := s.store.CountRegistryByState(r.Context(), id)
	if err != nil {
		writeInternal(w, err)
		return
	}
	depth, err := s.store.QueueDepth(r.Context(), id)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registrySummary{States: counts, QueueDepth: depth})
}

type passResultView struct {
	ConnectorID int64  `json:"connectorId"`
	Batches     int    `json:"batches"`
	Dispatched  int    `json:"dispatched"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	Aborted     string `json:"aborted,omitempty"`
}

func (s *Server) handleDispatchNow(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeNotFound(w)
		return
	}
	res, err := s.dispatcher.RunPass(r.Context(), id)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, passResultView{
		ConnectorID: res.ConnectorID,
		Batches:     res.Batches,
		Dispatched:  res.Dispatched,
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
		Skipped:     res.Skipped,
		Aborted:     res.Aborted,
	})
}

type pauseRequest struct {
	Seconds int `json:"seconds"`
}

func (s *Server) handlePauseDispatch(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeNotFound(w)
		return
	}
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.throttle.PauseDispatch(r.Context(), id, req.Seconds); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResumeDispatch(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeNotFound(w)
		return
	}
	if err := s.throttle.ResumeDispatch(r.Context(), id); err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleQueuePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(r)
		if !ok {
			writeNotFound(w)
			return
		}
		if err := s.store.SetQueuePaused(r.Context(), id, paused); err != nil {
			writeInternal(w, err)
			return
		}
		status := "resumed"
		if paused {
			status = "paused"
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}

type reconnectResultView struct {
	ConnectorID   int64        `json:"connectorId"`
	AttemptNumber int          `json:"attemptNumber"`
	Recovered     bool         `json:"recovered"`
	Health        store.Health `json:"health"`
	Error         string       `json:"error,omitempty"`
}

func (s *Server) handleReconnectNow(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeNotFound(w)
		return
	}
	res, err := s.reconnect.TriggerManual(r.Context(), id)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reconnectResultView{
		ConnectorID:   res.ConnectorID,
		AttemptNumber: res.AttemptNumber,
		Recovered:     res.Recovered,
		Health:        res.Health,
		Error:         res.Error,
	})
}

func (s *Server) handleReconnectPause(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeNotFound(w)
		return
	}
	if err := s.reconnect.Pause(r.Context(), id); err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleReconnectResume(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeNotFound(w)
		return
	}
	if err := s.reconnect.Resume(r.Context(), id); err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

type historyView struct {
	ID        int64                  `json:"id"`
	Outcome   store.Outcome          `json:"outcome"`
	Category  *store.FailureCategory `json:"category,omitempty"`
	Metadata  json.RawMessage        `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeNotFound(w)
		return
	}
	rows, err := s.store.HistoryForRegistry(r.Context(), id, 50)
	if err != nil {
		writeInternal(w, err)
		return
	}
	views := make([]historyView, 0, len(rows))
	for _, h := range rows {
		v := historyView{ID: h.ID, Outcome: h.Outcome, Category: h.Category, CreatedAt: h.CreatedAt}
		if h.Metadata != "" {
			v.Metadata = json.RawMessage(h.Metadata)
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleResetExhausted(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeNotFound(w)
		return
	}
	reset, err := s.registry.ResetExhausted(r.Context(), id)
	if err != nil {
		writeInternal(w, err)
		return
	}
	if !reset {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
