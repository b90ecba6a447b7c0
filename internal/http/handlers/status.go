package handlers

import (
	"encoding/json"
	"net/http"
)

// Health is the liveness probe.
func (a *App) Health(w http.ResponseWriter, _ *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports pool/session/stream bookkeeping for diagnostics.
func (a *App) Status(w http.ResponseWriter, _ *http.Request) {
	a.json(w, http.StatusOK, map[string]any{
		"connections":    a.Pool.Len(),
		"sessions":       a.Registry.Len(),
		"sseConnections": a.SSE.ConnectionCount(),
		"activeProjects": a.activeProjects(),
		"network":        a.Config.SogniEnv,
	})
}

type disconnectRequest struct {
	ClientID string `json:"clientId"`
}

// Disconnect drops the session binding only. In-flight upstream work keeps
// running; idle connections are reclaimed separately by the reaper.
func (a *App) Disconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "clientId is required")
		return
	}
	a.Registry.Release(req.ClientID)
	a.json(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// Metrics serves the generation counters.
func (a *App) Metrics(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Counters.Snapshot(r.Context())
	if err != nil {
		a.Logger.Error().Err(err).Msg("handlers: metrics snapshot failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to read counters")
		return
	}
	a.json(w, http.StatusOK, snap)
}
