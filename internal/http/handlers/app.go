package handlers

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/sogni-ai/photobooth-server/internal/generate"
	"github.com/sogni-ai/photobooth-server/internal/infra"
	"github.com/sogni-ai/photobooth-server/internal/metrics"
	"github.com/sogni-ai/photobooth-server/internal/pool"
	"github.com/sogni-ai/photobooth-server/internal/session"
	"github.com/sogni-ai/photobooth-server/internal/sse"
)

// App is the handler dependency container.
type App struct {
	Logger      infra.Logger
	Config      *infra.Config
	Pool        *pool.Pool
	Registry    *session.Registry
	Coordinator *generate.Coordinator
	SSE         *sse.Manager
	Counters    metrics.Counters

	mu      sync.Mutex
	streams map[string]*generate.Stream // project id -> live stream
}

func NewApp(logger infra.Logger, cfg *infra.Config, connPool *pool.Pool, registry *session.Registry, coordinator *generate.Coordinator, sseManager *sse.Manager, counters metrics.Counters) *App {
	return &App{
		Logger:      logger,
		Config:      cfg,
		Pool:        connPool,
		Registry:    registry,
		Coordinator: coordinator,
		SSE:         sseManager,
		Counters:    counters,
		streams:     make(map[string]*generate.Stream),
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]string{"error": code, "message": message})
}

func (a *App) trackStream(projectID string, stream *generate.Stream) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streams[projectID] = stream
}

func (a *App) forgetStream(projectID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.streams, projectID)
}

func (a *App) lookupStream(projectID string) (*generate.Stream, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	stream, ok := a.streams[projectID]
	return stream, ok
}

func (a *App) activeProjects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.streams)
}
