package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sogni-ai/photobooth-server/internal/sogni"
)

// Dialer opens a new upstream client bound to one deployment target.
type Dialer func(ctx context.Context, appID string) (sogni.Client, error)

// Handle is an authenticated upstream connection owned by the pool. It may be
// shared by any number of concurrent projects.
type Handle struct {
	ID     string
	Client sogni.Client
}

// Options configures a Pool.
type Options struct {
	Dial        Dialer
	Credentials CredentialCache
	Username    string
	Password    string
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Pool owns authenticated upstream connections keyed by app identifier.
// Creation for one identifier is memoized: concurrent Acquire calls for the
// same unauthenticated identifier perform exactly one login, because parallel
// logins against the same credentials race on a server-side nonce.
type Pool struct {
	dial     Dialer
	creds    CredentialCache
	username string
	password string
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	pending map[string]*inflight
}

type entry struct {
	handle       *Handle
	tokens       sogni.TokenPair
	lastActivity time.Time
	unsubscribe  []func()
}

type inflight struct {
	done   chan struct{}
	handle *Handle
	err    error
}

func New(opts Options) *Pool {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	creds := opts.Credentials
	if creds == nil {
		creds = NewMemoryCredentialCache()
	}
	return &Pool{
		dial:     opts.Dial,
		creds:    creds,
		username: opts.Username,
		password: opts.Password,
		logger:   opts.Logger,
		now:      now,
		entries:  make(map[string]*entry),
		pending:  make(map[string]*inflight),
	}
}

// Acquire returns the live handle for the identifier, joining any in-flight
// creation, or creates one: restore cached tokens, probe, fall back to a full
// login. Creation failure leaves no bookkeeping behind.
func (p *Pool) Acquire(ctx context.Context, appID string) (*Handle, error) {
	p.mu.Lock()
	if e, ok := p.entries[appID]; ok {
		e.lastActivity = p.now()
		p.mu.Unlock()
		return e.handle, nil
	}
	if inf, ok := p.pending[appID]; ok {
		p.mu.Unlock()
		select {
		case <-inf.done:
			return inf.handle, inf.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	inf := &inflight{done: make(chan struct{})}
	p.pending[appID] = inf
	p.mu.Unlock()

	handle, tokens, err := p.create(ctx, appID)

	p.mu.Lock()
	delete(p.pending, appID)
	if err == nil {
		e := &entry{handle: handle, tokens: tokens, lastActivity: p.now()}
		p.entries[appID] = e
		e.unsubscribe = p.watchActivity(appID, handle.Client)
	}
	p.mu.Unlock()

	inf.handle, inf.err = handle, err
	close(inf.done)
	return handle, err
}

func (p *Pool) create(ctx context.Context, appID string) (*Handle, sogni.TokenPair, error) {
	client, err := p.dial(ctx, appID)
	if err != nil {
		return nil, sogni.TokenPair{}, fmt.Errorf("dial %s: %w", appID, err)
	}

	tokens, restored, err := p.authenticate(ctx, appID, client)
	if err != nil {
		_ = client.Close()
		return nil, sogni.TokenPair{}, err
	}
	if !restored {
		if cacheErr := p.creds.Set(ctx, appID, tokens); cacheErr != nil {
			p.logger.Warn().Err(cacheErr).Str("app_id", appID).Msg("pool: persist tokens failed")
		}
	}
	return &Handle{ID: appID, Client: client}, tokens, nil
}

// authenticate tries cached-token restore first (validated with a cheap
// balance probe), then falls back to a full login.
func (p *Pool) authenticate(ctx context.Context, appID string, client sogni.Client) (sogni.TokenPair, bool, error) {
	cached, ok, err := p.creds.Get(ctx, appID)
	if err != nil {
		p.logger.Warn().Err(err).Str("app_id", appID).Msg("pool: credential cache read failed")
	}
	if ok && !cached.Empty() {
		if restoreErr := client.Restore(ctx, cached); restoreErr == nil {
			_, probeErr := client.Balance(ctx)
			if probeErr == nil {
				return cached, true, nil
			}
			p.logger.Info().Err(probeErr).Str("app_id", appID).Msg("pool: cached tokens rejected, logging in")
		}
		_ = p.creds.Invalidate(ctx, appID)
	}

	tokens, err := client.Login(ctx, p.username, p.password)
	if err != nil {
		return sogni.TokenPair{}, false, fmt.Errorf("login %s: %w", appID, err)
	}
	return tokens, false, nil
}

// watchActivity bumps the activity timestamp on every observed event so the
// idle reaper never evicts a connection that is still streaming.
func (p *Pool) watchActivity(appID string, client sogni.Client) []func() {
	types := []string{
		sogni.EventInitiating, sogni.EventStarted, sogni.EventProgress,
		sogni.EventPreview, sogni.EventJobCompleted, sogni.EventJobFailed,
		sogni.EventCompleted, sogni.EventFailed,
	}
	cancels := make([]func(), 0, len(types))
	for _, t := range types {
		cancels = append(cancels, client.Events().Subscribe(t, func(sogni.Event) {
			p.Touch(appID)
		}))
	}
	return cancels
}

// Touch records activity for the identifier.
func (p *Pool) Touch(appID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[appID]; ok {
		e.lastActivity = p.now()
	}
}

// Has reports whether a live handle exists for the identifier.
func (p *Pool) Has(appID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[appID]
	return ok
}

// Len returns the number of live handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Release tears a handle down. Bookkeeping is removed unconditionally;
// logout and transport close are best-effort ("already expired" is normal).
func (p *Pool) Release(ctx context.Context, appID string) {
	p.mu.Lock()
	e, ok := p.entries[appID]
	delete(p.entries, appID)
	p.mu.Unlock()
	if !ok {
		return
	}
	for _, cancel := range e.unsubscribe {
		cancel()
	}
	if err := e.handle.Client.Logout(ctx); err != nil {
		p.logger.Debug().Err(err).Str("app_id", appID).Msg("pool: logout failed")
	}
	if err := e.handle.Client.Close(); err != nil && !sogni.IsBenignClose(err) {
		p.logger.Debug().Err(err).Str("app_id", appID).Msg("pool: close failed")
	}
	p.logger.Info().Str("app_id", appID).Msg("pool: released connection")
}

// InvalidateCredentials drops cached tokens for the identifier so the next
// creation performs a full login. Called when an auth error is detected
// mid-stream.
func (p *Pool) InvalidateCredentials(ctx context.Context, appID string) {
	if err := p.creds.Invalidate(ctx, appID); err != nil {
		p.logger.Warn().Err(err).Str("app_id", appID).Msg("pool: invalidate credentials failed")
	}
	p.mu.Lock()
	if e, ok := p.entries[appID]; ok {
		e.tokens = sogni.TokenPair{}
	}
	p.mu.Unlock()
}

// ReapIdle releases handles idle past the threshold, skipping any whose
// access token is still within its validity window (re-authentication is
// expensive, so a token that still works keeps its connection alive).
// Returns the identifiers released.
func (p *Pool) ReapIdle(ctx context.Context, threshold time.Duration) []string {
	now := p.now()
	p.mu.Lock()
	var victims []string
	for appID, e := range p.entries {
		if now.Sub(e.lastActivity) < threshold {
			continue
		}
		if e.tokens.Valid(now) {
			continue
		}
		victims = append(victims, appID)
	}
	p.mu.Unlock()

	for _, appID := range victims {
		p.Release(ctx, appID)
	}
	return victims
}
