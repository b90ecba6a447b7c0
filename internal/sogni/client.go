package sogni

import "context"

// Client is one authenticated connection to the Sogni API. A single client
// multiplexes any number of concurrent projects; its connection-wide event
// feed carries events for all of them.
type Client interface {
	AppID() string
	Network() Network

	// Login performs a full username/password authentication.
	Login(ctx context.Context, username, password string) (TokenPair, error)
	// Restore adopts a previously issued token pair without logging in.
	// Validation is deferred: callers should follow up with a lightweight
	// authenticated probe (Balance) to detect stale tokens.
	Restore(ctx context.Context, pair TokenPair) error
	// Logout invalidates the session server-side. An "already expired"
	// rejection is not an error worth surfacing.
	Logout(ctx context.Context) error

	// Balance is the cheapest authenticated call; used as a token probe.
	Balance(ctx context.Context) (string, error)

	CreateProject(ctx context.Context, opts ProjectOptions) (Project, error)

	// Events is the connection-wide multiplexed feed. Consumers must filter
	// by project identifier.
	Events() EventSource

	Close() error
}

// EventSource is a subscribable feed of upstream events. Subscribe returns a
// cancel function that detaches the handler; calling it more than once is
// harmless.
type EventSource interface {
	Subscribe(eventType string, fn func(Event)) (cancel func())
}

// Project is one created batch of 1..N jobs.
type Project interface {
	ID() string
	// Jobs returns the project's job handles as currently known. Used by
	// failsafe synthesis to find completions whose events never arrived.
	Jobs() []ProjectJob
	// Events returns a project-scoped feed when the caller profile supports
	// one, else nil; consumers fall back to the connection-wide feed.
	Events() EventSource
}

// ProjectJob exposes attribute reads for one job. Reads may themselves fail
// with authentication errors; callers treat that as non-fatal.
type ProjectJob interface {
	ID() string
	Status() (string, error)
	ResultURL() (string, error)
}
