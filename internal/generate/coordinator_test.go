package generate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sogni-ai/photobooth-server/internal/pool"
	"github.com/sogni-ai/photobooth-server/internal/sogni"
)

// spyCredentials records invalidations so tests can assert the auth-error
// handshake without a real cache.
type spyCredentials struct {
	mu          sync.Mutex
	invalidated []string
}

func (s *spyCredentials) Get(context.Context, string) (sogni.TokenPair, bool, error) {
	return sogni.TokenPair{}, false, nil
}

func (s *spyCredentials) Set(context.Context, string, sogni.TokenPair) error { return nil }

func (s *spyCredentials) Invalidate(_ context.Context, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, appID)
	return nil
}

func (s *spyCredentials) invalidations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.invalidated...)
}

func testCoordinator(creds *spyCredentials) *Coordinator {
	p := pool.New(pool.Options{
		Credentials: creds,
		Logger:      zerolog.Nop(),
	})
	return NewCoordinator(zerolog.Nop(), p, shortTimeouts())
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	client := &fakeClient{bus: newFakeBus()}
	handle := &pool.Handle{ID: "app-1", Client: client}
	coord := testCoordinator(&spyCredentials{})

	_, err := coord.Submit(context.Background(), handle, Request{Model: "m"})
	var genErr *Error
	if !errors.As(err, &genErr) || genErr.Kind != sogni.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if client.createCalls != 0 {
		t.Fatal("invalid request must not reach the upstream API")
	}
}

func TestSubmitClassifiesAuthFailure(t *testing.T) {
	client := &fakeClient{
		bus:       newFakeBus(),
		createErr: &sogni.APIError{Status: 401, Code: 107, Message: "Invalid token"},
	}
	handle := &pool.Handle{ID: "app-1", Client: client}
	creds := &spyCredentials{}
	coord := testCoordinator(creds)

	_, err := coord.Submit(context.Background(), handle, Request{
		Model: "m", Width: 512, Height: 512, NumberImages: 1,
	})
	var genErr *Error
	if !errors.As(err, &genErr) || genErr.Kind != sogni.KindAuth {
		t.Fatalf("expected auth_error, got %v", err)
	}
	if !genErr.Retryable() {
		t.Fatal("auth errors are retryable after re-login")
	}
	if got := creds.invalidations(); len(got) != 1 || got[0] != "app-1" {
		t.Fatalf("expected cached tokens invalidated for app-1, got %v", got)
	}
}

func TestSubmitClassifiesInsufficientFunds(t *testing.T) {
	client := &fakeClient{
		bus:       newFakeBus(),
		createErr: &sogni.APIError{Status: 400, Code: 4024, Message: "Insufficient funds"},
	}
	handle := &pool.Handle{ID: "app-1", Client: client}
	creds := &spyCredentials{}
	coord := testCoordinator(creds)

	_, err := coord.Submit(context.Background(), handle, Request{
		Model: "m", Width: 512, Height: 512, NumberImages: 1,
	})
	var genErr *Error
	if !errors.As(err, &genErr) || genErr.Kind != sogni.KindInsufficientFunds {
		t.Fatalf("expected insufficient_funds, got %v", err)
	}
	if len(creds.invalidations()) != 0 {
		t.Fatal("non-auth failures must not drop cached tokens")
	}
}

func TestSubmitStreamsQueuedFirst(t *testing.T) {
	projectBus := newFakeBus()
	client := &fakeClient{
		bus:     newFakeBus(),
		project: &fakeProject{id: "p1", bus: projectBus},
	}
	handle := &pool.Handle{ID: "app-1", Client: client}
	coord := testCoordinator(&spyCredentials{})

	stream, err := coord.Submit(context.Background(), handle, Request{
		Model: "m", Width: 512, Height: 512, NumberImages: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stream.ProjectID != "p1" {
		t.Fatalf("expected project id p1, got %q", stream.ProjectID)
	}

	projectBus.emit(sogni.Event{Type: sogni.EventJobCompleted, ProjectID: "p1", JobID: "j1", ResultURL: "u"})
	projectBus.emit(sogni.Event{Type: sogni.EventCompleted, ProjectID: "p1", ImageURLs: []string{"u"}})

	events := collect(t, stream.rec, time.Second)
	if events[0].Type != EventQueued || events[0].QueuePosition != 1 {
		t.Fatalf("expected synthetic queued event first, got %+v", events[0])
	}
	if events[len(events)-1].Type != EventCompleted {
		t.Fatalf("expected completed last, got %s", events[len(events)-1].Type)
	}
}

func TestStreamCancelClosesOut(t *testing.T) {
	client := &fakeClient{
		bus:     newFakeBus(),
		project: &fakeProject{id: "p1", bus: newFakeBus()},
	}
	handle := &pool.Handle{ID: "app-1", Client: client}
	coord := testCoordinator(&spyCredentials{})

	stream, err := coord.Submit(context.Background(), handle, Request{
		Model: "m", Width: 512, Height: 512, NumberImages: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stream.Cancel()

	events := collect(t, stream.rec, time.Second)
	if events[len(events)-1].Type != EventFailed {
		t.Fatalf("expected failed after cancel, got %+v", events)
	}
}
