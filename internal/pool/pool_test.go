package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sogni-ai/photobooth-server/internal/sogni"
)

type stubBus struct{}

func (stubBus) Subscribe(string, func(sogni.Event)) func() { return func() {} }

// fakeClient counts auth-related calls so tests can assert the exact
// restore/probe/login sequence.
type fakeClient struct {
	appID       string
	loginTokens sogni.TokenPair
	loginErr    error
	restoreErr  error
	balanceErr  error
	loginDelay  time.Duration

	mu           sync.Mutex
	loginCalls   int
	restoreCalls int
	logoutCalls  int
	closeCalls   int
}

func (c *fakeClient) AppID() string          { return c.appID }
func (c *fakeClient) Network() sogni.Network { return sogni.NetworkLocal }

func (c *fakeClient) Login(_ context.Context, _, _ string) (sogni.TokenPair, error) {
	if c.loginDelay > 0 {
		time.Sleep(c.loginDelay)
	}
	c.mu.Lock()
	c.loginCalls++
	c.mu.Unlock()
	return c.loginTokens, c.loginErr
}

func (c *fakeClient) Restore(_ context.Context, _ sogni.TokenPair) error {
	c.mu.Lock()
	c.restoreCalls++
	c.mu.Unlock()
	return c.restoreErr
}

func (c *fakeClient) Logout(_ context.Context) error {
	c.mu.Lock()
	c.logoutCalls++
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Balance(_ context.Context) (string, error) {
	return "100", c.balanceErr
}

func (c *fakeClient) CreateProject(_ context.Context, _ sogni.ProjectOptions) (sogni.Project, error) {
	return nil, nil
}

func (c *fakeClient) Events() sogni.EventSource { return stubBus{} }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) logins() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginCalls
}

func validTokens(now time.Time) sogni.TokenPair {
	return sogni.TokenPair{
		AccessToken:      "access",
		RefreshToken:     "refresh",
		AccessExpiresAt:  now.Add(24 * time.Hour),
		RefreshExpiresAt: now.Add(30 * 24 * time.Hour),
	}
}

func expiredTokens(now time.Time) sogni.TokenPair {
	return sogni.TokenPair{
		AccessToken:      "access",
		RefreshToken:     "refresh",
		AccessExpiresAt:  now.Add(-time.Hour),
		RefreshExpiresAt: now.Add(time.Hour),
	}
}

// clock is an injectable Now for deterministic idle checks.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(dial Dialer, creds CredentialCache, clk *clock) *Pool {
	opts := Options{
		Dial:        dial,
		Credentials: creds,
		Username:    "photobooth@sogni.ai",
		Password:    "hunter2",
		Logger:      zerolog.Nop(),
	}
	if clk != nil {
		opts.Now = clk.Now
	}
	return New(opts)
}

func TestConcurrentAcquireLogsInOnce(t *testing.T) {
	base := time.Now()
	client := &fakeClient{appID: "app-1", loginTokens: validTokens(base), loginDelay: 20 * time.Millisecond}
	p := newTestPool(func(_ context.Context, appID string) (sogni.Client, error) {
		return client, nil
	}, nil, nil)

	const callers = 10
	handles := make([]*Handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := p.Acquire(context.Background(), "app-1")
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	if got := client.logins(); got != 1 {
		t.Fatalf("expected exactly 1 login, got %d", got)
	}
	for i := 1; i < callers; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("caller %d got a different handle", i)
		}
	}
	if p.Len() != 1 {
		t.Fatalf("expected 1 pooled connection, got %d", p.Len())
	}
}

func TestAcquireRestoresCachedTokens(t *testing.T) {
	base := time.Now()
	creds := NewMemoryCredentialCache()
	if err := creds.Set(context.Background(), "app-1", validTokens(base)); err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{appID: "app-1"}
	p := newTestPool(func(_ context.Context, _ string) (sogni.Client, error) {
		return client, nil
	}, creds, nil)

	if _, err := p.Acquire(context.Background(), "app-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if client.restoreCalls != 1 {
		t.Fatalf("expected 1 restore, got %d", client.restoreCalls)
	}
	if client.logins() != 0 {
		t.Fatalf("restore succeeded, login should be skipped; got %d logins", client.logins())
	}
}

func TestAcquireFallsBackToLoginWhenProbeFails(t *testing.T) {
	base := time.Now()
	creds := NewMemoryCredentialCache()
	if err := creds.Set(context.Background(), "app-1", validTokens(base)); err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{
		appID:       "app-1",
		balanceErr:  &sogni.APIError{Status: 401, Message: "Invalid token"},
		loginTokens: validTokens(base),
	}
	p := newTestPool(func(_ context.Context, _ string) (sogni.Client, error) {
		return client, nil
	}, creds, nil)

	if _, err := p.Acquire(context.Background(), "app-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if client.logins() != 1 {
		t.Fatalf("expected fallback login, got %d logins", client.logins())
	}
	// The rejected pair is gone and the fresh one persisted.
	pair, ok, err := creds.Get(context.Background(), "app-1")
	if err != nil || !ok {
		t.Fatalf("expected fresh tokens cached, ok=%v err=%v", ok, err)
	}
	if pair.Empty() {
		t.Fatal("cached pair is empty")
	}
}

func TestAcquireFailureLeavesNoBookkeeping(t *testing.T) {
	dialErr := errors.New("connection refused")
	dials := 0
	p := newTestPool(func(_ context.Context, _ string) (sogni.Client, error) {
		dials++
		return nil, dialErr
	}, nil, nil)

	if _, err := p.Acquire(context.Background(), "app-1"); !errors.Is(err, dialErr) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if p.Has("app-1") || p.Len() != 0 {
		t.Fatal("failed creation must leave no pooled entry")
	}

	// The next acquire retries from scratch instead of joining dead state.
	if _, err := p.Acquire(context.Background(), "app-1"); !errors.Is(err, dialErr) {
		t.Fatalf("expected dial error on retry, got %v", err)
	}
	if dials != 2 {
		t.Fatalf("expected 2 dial attempts, got %d", dials)
	}
}

func TestLoginFailureClosesTransport(t *testing.T) {
	client := &fakeClient{appID: "app-1", loginErr: &sogni.APIError{Status: 401, Message: "bad credentials"}}
	p := newTestPool(func(_ context.Context, _ string) (sogni.Client, error) {
		return client, nil
	}, nil, nil)

	if _, err := p.Acquire(context.Background(), "app-1"); err == nil {
		t.Fatal("expected login failure")
	}
	if client.closeCalls != 1 {
		t.Fatalf("expected the half-open transport closed, got %d closes", client.closeCalls)
	}
}

func TestReapIdleSkipsValidTokens(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	clients := map[string]*fakeClient{
		"app-fresh":   {appID: "app-fresh", loginTokens: validTokens(clk.Now())},
		"app-expired": {appID: "app-expired", loginTokens: expiredTokens(clk.Now())},
	}
	p := newTestPool(func(_ context.Context, appID string) (sogni.Client, error) {
		return clients[appID], nil
	}, nil, clk)

	for appID := range clients {
		if _, err := p.Acquire(context.Background(), appID); err != nil {
			t.Fatalf("acquire %s: %v", appID, err)
		}
	}

	clk.Advance(time.Hour)
	released := p.ReapIdle(context.Background(), 30*time.Minute)

	if len(released) != 1 || released[0] != "app-expired" {
		t.Fatalf("expected only app-expired reaped, got %v", released)
	}
	if !p.Has("app-fresh") {
		t.Fatal("a connection with a valid access token must survive idle reaping")
	}
	if clients["app-expired"].logoutCalls != 1 || clients["app-expired"].closeCalls != 1 {
		t.Fatal("reaped connection should be logged out and closed")
	}
}

func TestTouchDefersReaping(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	client := &fakeClient{appID: "app-1", loginTokens: expiredTokens(clk.Now())}
	p := newTestPool(func(_ context.Context, _ string) (sogni.Client, error) {
		return client, nil
	}, nil, clk)

	if _, err := p.Acquire(context.Background(), "app-1"); err != nil {
		t.Fatal(err)
	}

	clk.Advance(25 * time.Minute)
	p.Touch("app-1")
	clk.Advance(25 * time.Minute)

	if released := p.ReapIdle(context.Background(), 30*time.Minute); len(released) != 0 {
		t.Fatalf("touched connection reaped: %v", released)
	}

	clk.Advance(time.Hour)
	if released := p.ReapIdle(context.Background(), 30*time.Minute); len(released) != 1 {
		t.Fatalf("expected reap after idling out, got %v", released)
	}
}

func TestInvalidateCredentialsForcesReapAndRelogin(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	creds := NewMemoryCredentialCache()
	client := &fakeClient{appID: "app-1", loginTokens: validTokens(clk.Now())}
	p := newTestPool(func(_ context.Context, _ string) (sogni.Client, error) {
		return client, nil
	}, creds, clk)

	if _, err := p.Acquire(context.Background(), "app-1"); err != nil {
		t.Fatal(err)
	}

	p.InvalidateCredentials(context.Background(), "app-1")

	if _, ok, _ := creds.Get(context.Background(), "app-1"); ok {
		t.Fatal("cached tokens must be dropped")
	}

	// Without its token shield the idle connection is now reapable.
	clk.Advance(time.Hour)
	if released := p.ReapIdle(context.Background(), 30*time.Minute); len(released) != 1 {
		t.Fatalf("expected reap after invalidation, got %v", released)
	}
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	p := newTestPool(func(_ context.Context, _ string) (sogni.Client, error) {
		t.Fatal("dial should not be called")
		return nil, nil
	}, nil, nil)
	p.Release(context.Background(), "never-acquired")
}
