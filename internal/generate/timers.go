package generate

import "time"

// timerTable owns every timer a project can arm: one fallback handle per job,
// one project-level failsafe and one global lifetime cap. stopAll is the
// single teardown path so no timer can outlive the reconciliation.
type timerTable struct {
	fallback map[string]*time.Timer
	failsafe *time.Timer
	global   *time.Timer
}

func newTimerTable() *timerTable {
	return &timerTable{fallback: make(map[string]*time.Timer)}
}

func (t *timerTable) armFallback(jobID string, d time.Duration, fn func()) {
	t.cancelFallback(jobID)
	t.fallback[jobID] = time.AfterFunc(d, fn)
}

func (t *timerTable) cancelFallback(jobID string) {
	if timer, ok := t.fallback[jobID]; ok {
		timer.Stop()
		delete(t.fallback, jobID)
	}
}

func (t *timerTable) armFailsafe(d time.Duration, fn func()) {
	if t.failsafe == nil {
		t.failsafe = time.AfterFunc(d, fn)
	}
}

func (t *timerTable) armGlobal(d time.Duration, fn func()) {
	t.global = time.AfterFunc(d, fn)
}

func (t *timerTable) stopAll() {
	for jobID, timer := range t.fallback {
		timer.Stop()
		delete(t.fallback, jobID)
	}
	if t.failsafe != nil {
		t.failsafe.Stop()
		t.failsafe = nil
	}
	if t.global != nil {
		t.global.Stop()
		t.global = nil
	}
}

// Timeouts are the reconciliation timing knobs; zero fields take defaults.
type Timeouts struct {
	// JobFallback is the grace period after a job reaches >=85% progress
	// before a terminal event is synthesized for it.
	JobFallback time.Duration
	// FailsafeEnhance/FailsafeGenerate bound how long a buffered project
	// completion waits for outstanding job completions.
	FailsafeEnhance  time.Duration
	FailsafeGenerate time.Duration
	// Project is the absolute cap on total project lifetime.
	Project time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.JobFallback <= 0 {
		t.JobFallback = 20 * time.Second
	}
	if t.FailsafeEnhance <= 0 {
		t.FailsafeEnhance = 1500 * time.Millisecond
	}
	if t.FailsafeGenerate <= 0 {
		t.FailsafeGenerate = 3 * time.Second
	}
	if t.Project <= 0 {
		t.Project = 5 * time.Minute
	}
	return t
}
