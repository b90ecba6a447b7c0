package generate

import "github.com/sogni-ai/photobooth-server/internal/sogni"

// EventType tags the downstream progress-event union streamed to the browser.
type EventType string

const (
	EventQueued       EventType = "queued"
	EventInitiating   EventType = "initiating"
	EventStarted      EventType = "started"
	EventProgress     EventType = "progress"
	EventPreview      EventType = "preview"
	EventJobCompleted EventType = "jobCompleted"
	EventJobFailed    EventType = "jobFailed"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
)

// MissingJobs is the diagnostic attached to a project completion whose
// terminal job counts did not reconcile cleanly.
type MissingJobs struct {
	Expected  int `json:"expected"`
	Completed int `json:"completed"`
}

// Event is one record of the downstream stream. Progress is normalized to
// the 0..1 range for the caller-facing contract.
type Event struct {
	Type      EventType `json:"type"`
	ProjectID string    `json:"projectId"`
	JobID     string    `json:"jobId,omitempty"`
	JobIndex  *int      `json:"jobIndex,omitempty"`
	Worker    string    `json:"workerName,omitempty"`

	QueuePosition int      `json:"queuePosition,omitempty"`
	Progress      *float64 `json:"progress,omitempty"`
	PreviewURL    string   `json:"previewUrl,omitempty"`

	ResultURL string `json:"resultUrl,omitempty"`
	IsNSFW    bool   `json:"isNSFW,omitempty"`
	Seed      string `json:"seed,omitempty"`
	Steps     int    `json:"steps,omitempty"`
	// Fallback marks a terminal event synthesized locally because the real
	// upstream event never arrived.
	Fallback bool `json:"fallback,omitempty"`

	ImageURLs   []string     `json:"imageUrls,omitempty"`
	MissingJobs *MissingJobs `json:"missingJobs,omitempty"`

	ErrorKind    sogni.ErrorKind `json:"errorKind,omitempty"`
	ErrorMessage string          `json:"error,omitempty"`
	Retryable    bool            `json:"retryable,omitempty"`
}

// Terminal reports whether the event closes the whole project stream.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}

// Error is a classified failure returned from awaited call sites (Submit).
type Error struct {
	Kind sogni.ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry after corrective action.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }
