package generate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sogni-ai/photobooth-server/internal/sogni"
)

// fakeBus is a controllable sogni.EventSource.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string][]func(sogni.Event)
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string][]func(sogni.Event))}
}

func (b *fakeBus) Subscribe(eventType string, fn func(sogni.Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventType] = append(b.subs[eventType], fn)
	return func() {}
}

func (b *fakeBus) emit(ev sogni.Event) {
	b.mu.Lock()
	handlers := append(([]func(sogni.Event))(nil), b.subs[ev.Type]...)
	b.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

type fakeJob struct {
	id     string
	status string
	url    string
	err    error
}

func (j *fakeJob) ID() string { return j.id }

func (j *fakeJob) Status() (string, error) { return j.status, j.err }

func (j *fakeJob) ResultURL() (string, error) { return j.url, j.err }

type fakeProject struct {
	id   string
	bus  *fakeBus // project-scoped feed; nil forces connection-wide fallback
	jobs []sogni.ProjectJob
}

func (p *fakeProject) ID() string { return p.id }

func (p *fakeProject) Jobs() []sogni.ProjectJob { return p.jobs }

func (p *fakeProject) Events() sogni.EventSource {
	if p.bus == nil {
		return nil
	}
	return p.bus
}

// fakeClient serves the connection-wide bus and a canned CreateProject result.
type fakeClient struct {
	bus         *fakeBus
	project     *fakeProject
	createErr   error
	createCalls int
}

func (c *fakeClient) AppID() string          { return "test-app" }
func (c *fakeClient) Network() sogni.Network { return sogni.NetworkLocal }
func (c *fakeClient) Login(_ context.Context, _, _ string) (sogni.TokenPair, error) {
	return sogni.TokenPair{}, nil
}
func (c *fakeClient) Restore(_ context.Context, _ sogni.TokenPair) error { return nil }
func (c *fakeClient) Logout(_ context.Context) error                     { return nil }
func (c *fakeClient) Balance(_ context.Context) (string, error)          { return "0", nil }
func (c *fakeClient) CreateProject(_ context.Context, _ sogni.ProjectOptions) (sogni.Project, error) {
	c.createCalls++
	if c.createErr != nil {
		return nil, c.createErr
	}
	if c.project == nil {
		return nil, nil
	}
	return c.project, nil
}
func (c *fakeClient) Events() sogni.EventSource { return c.bus }
func (c *fakeClient) Close() error              { return nil }

// shortTimeouts keeps reconciliation tests fast.
func shortTimeouts() Timeouts {
	return Timeouts{
		JobFallback:      40 * time.Millisecond,
		FailsafeEnhance:  30 * time.Millisecond,
		FailsafeGenerate: 50 * time.Millisecond,
		Project:          2 * time.Second,
	}
}

func testReconciler(t *testing.T, project *fakeProject, req Request, timeouts Timeouts) (*reconciler, *fakeBus) {
	t.Helper()
	rec := newReconciler(zerolog.Nop(), project, req, timeouts, nil)
	connBus := newFakeBus()
	rec.attach(&fakeClient{bus: connBus})
	if project.bus != nil {
		return rec, project.bus
	}
	return rec, connBus
}

// collect drains the stream until it closes or the deadline passes.
func collect(t *testing.T, rec *reconciler, deadline time.Duration) []Event {
	t.Helper()
	var out []Event
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-rec.out:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timer.C:
			t.Fatalf("stream did not close within %s; got %d events", deadline, len(out))
			return out
		}
	}
}

func eventsOfType(events []Event, kind EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}
