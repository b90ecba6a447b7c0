package generate

import (
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sogni-ai/photobooth-server/internal/sogni"
)

// fallbackProgressThreshold is the job progress percentage at which a missing
// completion event starts the fallback clock.
const fallbackProgressThreshold = 85

// reconciler turns the noisy upstream event stream for one project into an
// ordered, deduplicated downstream stream with exactly one project-terminal
// event. It enforces:
//
//   - at most one terminal event per job identifier, duplicates dropped;
//   - exactly one completed/failed per project;
//   - no indefinite hang: fallback, failsafe and global timers synthesize
//     the terminal events upstream failed to deliver.
type reconciler struct {
	logger      zerolog.Logger
	project     sogni.Project
	projectID   string
	expected    int
	enhancement bool
	strength    float64
	timeouts    Timeouts

	// onAuthError invalidates cached credentials when an auth failure is
	// observed mid-stream.
	onAuthError func()

	mu            sync.Mutex
	jobIndex      map[string]int
	workers       map[string]string
	lastProgress  map[string]int
	terminal      map[string]bool
	terminalCount int
	buffered      *Event
	timers        *timerTable
	unsubscribe   []func()
	done          bool

	// outbound queue drained by a single pump goroutine; ordering is
	// preserved and the out channel closes exactly once after the terminal
	// project event.
	queue  []Event
	closed bool
	notify chan struct{}
	out    chan Event
}

func newReconciler(logger zerolog.Logger, project sogni.Project, req Request, timeouts Timeouts, onAuthError func()) *reconciler {
	r := &reconciler{
		logger:       logger.With().Str("project_id", project.ID()).Logger(),
		project:      project,
		projectID:    project.ID(),
		expected:     req.NumberImages,
		enhancement:  req.IsEnhancement(),
		strength:     req.Strength,
		timeouts:     timeouts.withDefaults(),
		onAuthError:  onAuthError,
		jobIndex:     make(map[string]int),
		workers:      make(map[string]string),
		lastProgress: make(map[string]int),
		terminal:     make(map[string]bool),
		timers:       newTimerTable(),
		notify:       make(chan struct{}, 1),
		out:          make(chan Event, 64),
	}
	go r.pump()
	return r
}

// attach subscribes to the project-scoped feed when available, else to the
// connection-wide feed with explicit project filtering. Never both: that
// would double-process every event.
func (r *reconciler) attach(client sogni.Client) {
	source := r.project.Events()
	if source == nil {
		source = client.Events()
	}
	types := []string{
		sogni.EventInitiating, sogni.EventStarted, sogni.EventProgress,
		sogni.EventPreview, sogni.EventJobCompleted, sogni.EventJobFailed,
		sogni.EventCompleted, sogni.EventFailed,
	}
	for _, t := range types {
		cancel := source.Subscribe(t, r.handle)
		r.mu.Lock()
		r.unsubscribe = append(r.unsubscribe, cancel)
		r.mu.Unlock()
	}
	r.mu.Lock()
	r.timers.armGlobal(r.timeouts.Project, r.globalTimeoutFire)
	r.mu.Unlock()
}

// handle is the single entry point for upstream events. Internal faults are
// contained here: an event callback must never take the dispatcher down.
func (r *reconciler) handle(ev sogni.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("event", ev.Type).Msg("reconcile: event handler fault")
		}
	}()

	// The connection-wide feed carries every project on the connection.
	if ev.ProjectID != "" && ev.ProjectID != r.projectID {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}

	switch ev.Type {
	case sogni.EventInitiating, sogni.EventStarted:
		r.handleStarted(ev)
	case sogni.EventProgress:
		r.handleProgress(ev)
	case sogni.EventPreview:
		r.handlePreview(ev)
	case sogni.EventJobCompleted:
		r.handleJobCompleted(ev)
	case sogni.EventJobFailed:
		r.handleJobFailed(ev)
	case sogni.EventCompleted:
		r.handleProjectCompleted(ev)
	case sogni.EventFailed:
		r.handleProjectFailed(ev)
	}
}

// handleStarted assigns the job a stable 0-based index in order of first
// occurrence. Upstream-supplied indices are ignored: they have been observed
// absent or unstable.
func (r *reconciler) handleStarted(ev sogni.Event) {
	idx := r.indexFor(ev.JobID)
	r.timers.cancelFallback(ev.JobID)

	kind := EventStarted
	if ev.Type == sogni.EventInitiating {
		kind = EventInitiating
	}
	r.emit(Event{
		Type:      kind,
		ProjectID: r.projectID,
		JobID:     ev.JobID,
		JobIndex:  &idx,
		Worker:    r.workerFor(ev.JobID, ev.Worker),
	})
}

func (r *reconciler) handleProgress(ev sogni.Event) {
	idx := r.indexFor(ev.JobID)

	denominator := ev.StepCount
	if r.enhancement {
		denominator = EffectiveSteps(ev.StepCount, r.strength)
	}
	pct := 0
	if denominator > 0 {
		pct = int(math.Floor(float64(ev.Step) / float64(denominator) * 100))
	}
	if pct > 100 {
		pct = 100
	}
	r.lastProgress[ev.JobID] = pct

	progress := float64(pct) / 100
	r.emit(Event{
		Type:      EventProgress,
		ProjectID: r.projectID,
		JobID:     ev.JobID,
		JobIndex:  &idx,
		Worker:    r.workerFor(ev.JobID, ev.Worker),
		Progress:  &progress,
	})

	// A real event supersedes any pending fallback; near completion with no
	// terminal event yet, restart the fallback clock.
	r.timers.cancelFallback(ev.JobID)
	if pct >= fallbackProgressThreshold && !r.terminal[ev.JobID] {
		jobID := ev.JobID
		r.timers.armFallback(jobID, r.timeouts.JobFallback, func() { r.fallbackFire(jobID) })
	}
}

// handlePreview forwards the intermediate image and cancels any pending
// fallback: a preview proves the job is still running, not stuck.
func (r *reconciler) handlePreview(ev sogni.Event) {
	r.timers.cancelFallback(ev.JobID)
	idx := r.indexFor(ev.JobID)
	r.emit(Event{
		Type:       EventPreview,
		ProjectID:  r.projectID,
		JobID:      ev.JobID,
		JobIndex:   &idx,
		Worker:     r.workerFor(ev.JobID, ev.Worker),
		PreviewURL: ev.PreviewURL,
	})
}

// handleJobCompleted forwards exactly one terminal event per job identifier;
// first occurrence wins.
func (r *reconciler) handleJobCompleted(ev sogni.Event) {
	if r.terminal[ev.JobID] {
		return
	}
	r.timers.cancelFallback(ev.JobID)

	out := Event{
		Type:      EventJobCompleted,
		ProjectID: r.projectID,
		JobID:     ev.JobID,
		Worker:    r.workerFor(ev.JobID, ev.Worker),
		ResultURL: ev.ResultURL,
		IsNSFW:    ev.IsNSFW,
		Seed:      ev.Seed,
		Steps:     ev.StepCount,
	}
	idx := r.indexFor(ev.JobID)
	out.JobIndex = &idx
	if ev.ResultURL == "" && !ev.IsNSFW {
		// Never leave the browser waiting on a missing URL; forward the
		// terminal event anyway.
		r.logger.Warn().Str("job_id", ev.JobID).Msg("reconcile: job completed without result url")
	}

	r.markTerminal(ev.JobID)
	r.emit(out)
	r.maybeFlushCompletion()
}

func (r *reconciler) handleJobFailed(ev sogni.Event) {
	if r.terminal[ev.JobID] {
		return
	}
	r.timers.cancelFallback(ev.JobID)

	kind, msg := r.classifyEventError(ev)
	idx := r.indexFor(ev.JobID)
	r.markTerminal(ev.JobID)
	r.emit(Event{
		Type:         EventJobFailed,
		ProjectID:    r.projectID,
		JobID:        ev.JobID,
		JobIndex:     &idx,
		Worker:       r.workerFor(ev.JobID, ev.Worker),
		ErrorKind:    kind,
		ErrorMessage: msg,
		Retryable:    kind.Retryable(),
	})
	r.maybeFlushCompletion()
}

// handleProjectCompleted buffers the payload until every expected job has a
// forwarded terminal event, bounded by the failsafe timer.
func (r *reconciler) handleProjectCompleted(ev sogni.Event) {
	completion := Event{
		Type:      EventCompleted,
		ProjectID: r.projectID,
		ImageURLs: ev.ImageURLs,
	}
	if r.terminalCount >= r.expected {
		r.finish(completion)
		return
	}

	r.buffered = &completion
	grace := r.timeouts.FailsafeGenerate
	if r.enhancement {
		grace = r.timeouts.FailsafeEnhance
	}
	r.timers.armFailsafe(grace, r.failsafeFire)
}

func (r *reconciler) handleProjectFailed(ev sogni.Event) {
	kind, msg := r.classifyEventError(ev)
	r.finish(Event{
		Type:         EventFailed,
		ProjectID:    r.projectID,
		ErrorKind:    kind,
		ErrorMessage: msg,
		Retryable:    kind.Retryable(),
	})
}

// fallbackFire synthesizes a terminal completion for a job whose real
// terminal event never arrived after it got close to done.
func (r *reconciler) fallbackFire(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done || r.terminal[jobID] {
		return
	}
	r.timers.cancelFallback(jobID)
	r.logger.Warn().Str("job_id", jobID).Msg("reconcile: synthesizing missing job completion")

	idx := r.indexFor(jobID)
	r.markTerminal(jobID)
	r.emit(Event{
		Type:      EventJobCompleted,
		ProjectID: r.projectID,
		JobID:     jobID,
		JobIndex:  &idx,
		Worker:    r.workerFor(jobID, ""),
		ResultURL: r.readResultURL(jobID),
		Fallback:  true,
	})
	r.maybeFlushCompletion()
}

// failsafeFire runs when the buffered project completion has waited out its
// grace period. Jobs the project itself knows completed get synthesized
// terminal events; then the completion is forwarded regardless, with a
// missing-jobs diagnostic when counts did not reconcile.
func (r *reconciler) failsafeFire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done || r.buffered == nil {
		return
	}

	countBefore := r.terminalCount
	for _, job := range r.project.Jobs() {
		if r.terminal[job.ID()] {
			continue
		}
		status, err := job.Status()
		if err != nil {
			// Attribute reads can fail with auth errors; treat as unknown.
			r.logger.Debug().Err(err).Str("job_id", job.ID()).Msg("reconcile: job status read failed")
			continue
		}
		if status != sogni.JobStatusCompleted {
			continue
		}
		jobID := job.ID()
		idx := r.indexFor(jobID)
		r.markTerminal(jobID)
		r.emit(Event{
			Type:      EventJobCompleted,
			ProjectID: r.projectID,
			JobID:     jobID,
			JobIndex:  &idx,
			Worker:    r.workerFor(jobID, ""),
			ResultURL: r.readResultURL(jobID),
			Fallback:  true,
		})
	}

	completion := *r.buffered
	if countBefore < r.expected {
		completion.MissingJobs = &MissingJobs{Expected: r.expected, Completed: countBefore}
		r.logger.Warn().
			Int("expected", r.expected).
			Int("completed", countBefore).
			Msg("reconcile: forwarding completion with missing jobs")
	}
	r.finish(completion)
}

func (r *reconciler) globalTimeoutFire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.logger.Error().Msg("reconcile: project exceeded global timeout")
	r.finish(Event{
		Type:         EventFailed,
		ProjectID:    r.projectID,
		ErrorKind:    sogni.KindTimeout,
		ErrorMessage: "project timed out",
	})
}

// cancel is caller-initiated teardown.
func (r *reconciler) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.finish(Event{
		Type:         EventFailed,
		ProjectID:    r.projectID,
		ErrorKind:    sogni.KindGeneric,
		ErrorMessage: "cancelled by caller",
	})
}

// finish detaches listeners, stops every timer, then forwards the single
// project-terminal event. Callers hold the lock; finish runs at most once.
func (r *reconciler) finish(terminalEvent Event) {
	if r.done {
		return
	}
	r.done = true
	r.buffered = nil
	r.timers.stopAll()
	for _, cancel := range r.unsubscribe {
		cancel()
	}
	r.unsubscribe = nil

	r.emit(terminalEvent)
	r.closed = true
	r.wake()
}

func (r *reconciler) maybeFlushCompletion() {
	if r.buffered != nil && r.terminalCount >= r.expected {
		r.finish(*r.buffered)
	}
}

func (r *reconciler) markTerminal(jobID string) {
	r.terminal[jobID] = true
	r.terminalCount++
}

// indexFor returns the job's stable 0-based index, assigning one on first
// sight.
func (r *reconciler) indexFor(jobID string) int {
	if idx, ok := r.jobIndex[jobID]; ok {
		return idx
	}
	idx := len(r.jobIndex)
	r.jobIndex[jobID] = idx
	return idx
}

// workerFor caches the worker name from the first event that carries one and
// reuses it for later events that omit it.
func (r *reconciler) workerFor(jobID, seen string) string {
	if seen != "" {
		r.workers[jobID] = seen
		return seen
	}
	if cached, ok := r.workers[jobID]; ok {
		return cached
	}
	return "unknown"
}

// readResultURL tolerates failing attribute reads; a synthesized completion
// without a URL is still better than a hang.
func (r *reconciler) readResultURL(jobID string) string {
	for _, job := range r.project.Jobs() {
		if job.ID() != jobID {
			continue
		}
		url, err := job.ResultURL()
		if err != nil {
			r.logger.Debug().Err(err).Str("job_id", jobID).Msg("reconcile: result url read failed")
			return ""
		}
		return url
	}
	return ""
}

func (r *reconciler) classifyEventError(ev sogni.Event) (sogni.ErrorKind, string) {
	if ev.Error == nil {
		return sogni.KindGeneric, "generation failed"
	}
	kind := sogni.Classify(ev.Error)
	if kind == sogni.KindAuth && r.onAuthError != nil {
		r.onAuthError()
	}
	return kind, ev.Error.Message
}

// emit appends to the outbound queue; the pump preserves order. Callers hold
// the lock.
func (r *reconciler) emit(ev Event) {
	r.queue = append(r.queue, ev)
	r.wake()
}

func (r *reconciler) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// pump is the only writer to the out channel. It drains the queue in order
// and closes the channel exactly once after the final event.
func (r *reconciler) pump() {
	for range r.notify {
		for {
			r.mu.Lock()
			if len(r.queue) == 0 {
				last := r.closed
				r.mu.Unlock()
				if last {
					close(r.out)
					return
				}
				break
			}
			ev := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()
			r.out <- ev
		}
	}
}
