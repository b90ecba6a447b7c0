package sogni

import "time"

// Network selects one of the fixed Sogni deployment targets.
type Network string

const (
	NetworkLocal      Network = "local"
	NetworkStaging    Network = "staging"
	NetworkProduction Network = "production"
)

// APIBase returns the REST endpoint for the network.
func (n Network) APIBase() string {
	switch n {
	case NetworkLocal:
		return "http://localhost:3002"
	case NetworkStaging:
		return "https://api-staging.sogni.ai"
	default:
		return "https://api.sogni.ai"
	}
}

// SocketURL returns the realtime event feed endpoint for the network.
func (n Network) SocketURL() string {
	switch n {
	case NetworkLocal:
		return "ws://localhost:3002/api/v1/events"
	case NetworkStaging:
		return "wss://socket-staging.sogni.ai/api/v1/events"
	default:
		return "wss://socket.sogni.ai/api/v1/events"
	}
}

// TokenPair holds the opaque access/refresh token blobs issued at login
// together with their server-declared expiry times.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// Empty reports whether the pair carries no tokens at all.
func (t TokenPair) Empty() bool {
	return t.AccessToken == "" && t.RefreshToken == ""
}

// Valid reports whether the access token's validity window has not elapsed.
func (t TokenPair) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.AccessExpiresAt)
}

// Event lifecycle types emitted on the upstream feed. Job-scoped events carry
// a JobID; project-scoped ones do not.
const (
	EventInitiating   = "initiating"
	EventStarted      = "started"
	EventProgress     = "progress"
	EventPreview      = "preview"
	EventJobCompleted = "jobCompleted"
	EventJobFailed    = "jobFailed"
	EventCompleted    = "completed"
	EventFailed       = "failed"
)

// Event is one frame off the upstream feed, already decoded. Fields beyond
// Type/ProjectID are populated per event type and zero otherwise.
type Event struct {
	Type      string
	ProjectID string
	JobID     string

	Worker    string
	Step      int
	StepCount int

	PreviewURL string
	ResultURL  string
	IsNSFW     bool
	Seed       string

	ImageURLs []string
	Error     *APIError
}

// Job terminal statuses as reported by attribute reads.
const (
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// ProjectOptions is the translated project-creation payload.
type ProjectOptions struct {
	Model          string
	Prompt         string
	NegativePrompt string
	StylePrompt    string
	Width          int
	Height         int
	Steps          int
	Guidance       float64
	NumberOfImages int
	Seed           *uint32
	OutputFormat   string
	Sensitive      bool

	// StartingImage marks the project as an enhancement; Strength controls
	// how much of the source survives (and therefore the effective step
	// count actually run).
	StartingImage []byte
	Strength      float64

	// ContextImages condition a plain generation without being the canvas.
	ContextImages [][]byte
}
