package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sogni-ai/photobooth-server/internal/generate"
)

// Connection is one open progress stream to a browser.
type Connection struct {
	ID        string
	ClientID  string
	writer    http.ResponseWriter
	flusher   http.Flusher
	Done      chan struct{}
	CreatedAt time.Time

	mu       sync.Mutex
	lastSent time.Time
}

// Manager fans generation events out to the browsers listening for them,
// keyed by the caller's client identifier. It is the reconciler's only
// downstream consumer.
type Manager struct {
	logger zerolog.Logger

	mu          sync.RWMutex
	connections map[string]*Connection   // connection id -> connection
	clients     map[string][]*Connection // client id -> connections
}

func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		logger:      logger,
		connections: make(map[string]*Connection),
		clients:     make(map[string][]*Connection),
	}
}

// Add registers a progress stream for the client and writes the SSE
// preamble. The caller owns the request lifetime and must call Remove when
// the request context ends.
func (m *Manager) Add(clientID string, w http.ResponseWriter, _ *http.Request) (*Connection, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	conn := &Connection{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		writer:    w,
		flusher:   flusher,
		Done:      make(chan struct{}),
		CreatedAt: time.Now(),
		lastSent:  time.Now(),
	}

	m.mu.Lock()
	m.connections[conn.ID] = conn
	m.clients[clientID] = append(m.clients[clientID], conn)
	m.mu.Unlock()

	m.logger.Debug().Str("client_id", clientID).Str("connection_id", conn.ID).Msg("sse: connection added")

	_ = m.write(conn, "connected", map[string]string{"connectionId": conn.ID, "clientId": clientID})
	return conn, nil
}

// Remove drops a connection and closes its Done channel.
func (m *Manager) Remove(connectionID string) {
	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.connections, connectionID)
	conns := m.clients[conn.ClientID]
	for i, c := range conns {
		if c.ID == connectionID {
			m.clients[conn.ClientID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(m.clients[conn.ClientID]) == 0 {
		delete(m.clients, conn.ClientID)
	}
	m.mu.Unlock()

	close(conn.Done)
	m.logger.Debug().Str("connection_id", connectionID).Msg("sse: connection removed")
}

// SendProgress delivers one generation event to every stream the client has
// open. A client with no open streams is not an error; the browser may still
// be connecting.
func (m *Manager) SendProgress(clientID string, ev generate.Event) {
	m.mu.RLock()
	conns := append([]*Connection(nil), m.clients[clientID]...)
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.write(conn, string(ev.Type), ev); err != nil {
			m.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("sse: write failed")
		}
	}
}

// HasListeners reports whether any stream is open for the client.
func (m *Manager) HasListeners(clientID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients[clientID]) > 0
}

// ConnectionCount returns the number of open streams.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *Manager) write(conn *Connection, eventName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if _, err := fmt.Fprintf(conn.writer, "event: %s\ndata: %s\n\n", eventName, data); err != nil {
		return fmt.Errorf("sse: write event: %w", err)
	}
	conn.flusher.Flush()
	conn.lastSent = time.Now()
	return nil
}

// StartHeartbeat pings every open stream on the interval so proxies do not
// close idle ones; stops when the done channel closes.
func (m *Manager) StartHeartbeat(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.heartbeat()
			}
		}
	}()
}

func (m *Manager) heartbeat() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.write(conn, "ping", map[string]int64{"timestamp": time.Now().Unix()}); err != nil {
			m.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("sse: heartbeat failed")
		}
	}
}
