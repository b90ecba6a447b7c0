package generate

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sogni-ai/photobooth-server/internal/pool"
	"github.com/sogni-ai/photobooth-server/internal/sogni"
)

// Coordinator creates upstream projects from generation requests and wires a
// reconciler onto each one.
type Coordinator struct {
	logger   zerolog.Logger
	timeouts Timeouts
	pool     *pool.Pool
}

func NewCoordinator(logger zerolog.Logger, connPool *pool.Pool, timeouts Timeouts) *Coordinator {
	return &Coordinator{
		logger:   logger,
		timeouts: timeouts.withDefaults(),
		pool:     connPool,
	}
}

// Submit validates and translates the request, creates the upstream project
// and returns a live event stream. It resolves as soon as project creation
// does; no job work is awaited. The first event on the stream is a synthetic
// "queued" record: upstream queue-position telemetry is unreliable, so a
// best-effort position of 1 stands in.
func (c *Coordinator) Submit(ctx context.Context, handle *pool.Handle, req Request) (*Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, &Error{Kind: sogni.KindValidation, Err: err}
	}
	req = req.withDefaults()

	project, err := handle.Client.CreateProject(ctx, req.toProjectOptions())
	if err != nil {
		kind := sogni.Classify(err)
		if kind == sogni.KindAuth {
			// Cached tokens are stale; force a full login on the next
			// acquire and report the failure as retryable.
			c.pool.InvalidateCredentials(ctx, handle.ID)
		}
		return nil, &Error{Kind: kind, Err: err}
	}
	c.pool.Touch(handle.ID)

	appID := handle.ID
	rec := newReconciler(c.logger, project, req, c.timeouts, func() {
		c.pool.InvalidateCredentials(context.Background(), appID)
	})
	// Queued goes out before any listener can race a real event in front
	// of it.
	rec.mu.Lock()
	rec.emit(Event{
		Type:          EventQueued,
		ProjectID:     project.ID(),
		QueuePosition: 1,
	})
	rec.mu.Unlock()
	rec.attach(handle.Client)

	c.logger.Info().
		Str("project_id", project.ID()).
		Str("app_id", handle.ID).
		Int("expected_jobs", req.NumberImages).
		Bool("enhancement", req.IsEnhancement()).
		Msg("generate: project created")

	return &Stream{ProjectID: project.ID(), rec: rec}, nil
}
