package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sogni-ai/photobooth-server/internal/pool"
)

// Options configures a Registry.
type Options struct {
	Pool   *pool.Pool
	Logger zerolog.Logger

	// AppIDPrefix namespaces derived connection identifiers.
	AppIDPrefix string
	// Shared binds every session without a preferred identifier to one
	// common connection instead of a dedicated per-session one.
	Shared bool
}

// Registry maps caller session identifiers to pool connection identifiers.
// A binding is a pure lookup row: it never owns the underlying connection,
// which may be shared by other sessions.
type Registry struct {
	pool        *pool.Pool
	logger      zerolog.Logger
	appIDPrefix string
	shared      bool

	mu       sync.Mutex
	bindings map[string]string    // session id -> app id
	pending  map[string]*inflight // session id + app id -> in-flight resolution
}

type inflight struct {
	done   chan struct{}
	handle *pool.Handle
	err    error
}

func NewRegistry(opts Options) *Registry {
	prefix := opts.AppIDPrefix
	if prefix == "" {
		prefix = "photobooth"
	}
	return &Registry{
		pool:        opts.Pool,
		logger:      opts.Logger,
		appIDPrefix: prefix,
		shared:      opts.Shared,
		bindings:    make(map[string]string),
		pending:     make(map[string]*inflight),
	}
}

// GetConnection resolves the session to a live handle. A supplied preferred
// identifier that is already live wins; an existing live binding is reused;
// otherwise a connection is acquired and bound. Near-simultaneous identical
// calls collapse onto one in-flight resolution.
func (r *Registry) GetConnection(ctx context.Context, sessionID, preferred string) (*pool.Handle, error) {
	r.mu.Lock()
	if preferred != "" && r.pool.Has(preferred) {
		r.bindings[sessionID] = preferred
		r.mu.Unlock()
		return r.pool.Acquire(ctx, preferred)
	}
	if bound, ok := r.bindings[sessionID]; ok && r.pool.Has(bound) {
		r.mu.Unlock()
		return r.pool.Acquire(ctx, bound)
	}

	appID := preferred
	if appID == "" {
		appID = r.deriveAppID(sessionID)
	}
	key := sessionID + "|" + appID
	if inf, ok := r.pending[key]; ok {
		r.mu.Unlock()
		select {
		case <-inf.done:
			return inf.handle, inf.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	inf := &inflight{done: make(chan struct{})}
	r.pending[key] = inf
	r.mu.Unlock()

	handle, err := r.pool.Acquire(ctx, appID)

	r.mu.Lock()
	delete(r.pending, key)
	if err == nil {
		r.bindings[sessionID] = appID
	}
	r.mu.Unlock()

	inf.handle, inf.err = handle, err
	close(inf.done)
	return handle, err
}

func (r *Registry) deriveAppID(sessionID string) string {
	if r.shared {
		return r.appIDPrefix + "-shared"
	}
	return r.appIDPrefix + "-" + sessionID
}

// Release drops the session binding. The underlying connection stays up:
// teardown is a separate, policy-driven decision (idle reaping), because
// other sessions may still be streaming from it.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, sessionID)
}

// Lookup returns the bound connection identifier for a session, if any.
func (r *Registry) Lookup(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	appID, ok := r.bindings[sessionID]
	return appID, ok
}

// Len returns the number of live bindings.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}

// PruneOrphans removes bindings whose connection no longer exists in the
// pool; run alongside idle reaping.
func (r *Registry) PruneOrphans() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for sessionID, appID := range r.bindings {
		if !r.pool.Has(appID) {
			delete(r.bindings, sessionID)
			pruned++
		}
	}
	if pruned > 0 {
		r.logger.Debug().Int("count", pruned).Msg("session: pruned orphaned bindings")
	}
	return pruned
}
