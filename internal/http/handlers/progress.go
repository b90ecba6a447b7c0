package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Progress opens the SSE stream carrying generation events for a client. The
// handler blocks for the lifetime of the stream.
func (a *App) Progress(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientId")
	if clientID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "clientId required")
		return
	}

	conn, err := a.SSE.Add(clientID, w, r)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	defer a.SSE.Remove(conn.ID)

	select {
	case <-r.Context().Done():
	case <-conn.Done:
	}
}

// Cancel tears down an in-flight project; its stream receives a terminal
// failure event.
func (a *App) Cancel(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	stream, ok := a.lookupStream(projectID)
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "no active project with that id")
		return
	}
	stream.Cancel()
	a.json(w, http.StatusAccepted, map[string]string{"projectId": projectID, "status": "cancelling"})
}
