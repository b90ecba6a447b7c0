package sogni

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Options configures a concrete Sogni client connection.
type Options struct {
	AppID      string
	Network    Network
	HTTPClient *http.Client
	Logger     *zerolog.Logger
	Timeout    time.Duration
}

// Dial creates an unauthenticated client bound to one deployment target.
// Authentication happens via Login or Restore.
func Dial(_ context.Context, opts Options) (Client, error) {
	if strings.TrimSpace(opts.AppID) == "" {
		return nil, errors.New("sogni: app id required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &wsClient{
		appID:      opts.AppID,
		network:    opts.Network,
		httpClient: httpClient,
		logger:     logger,
		bus:        newBus(),
		projects:   make(map[string]*project),
	}, nil
}

type wsClient struct {
	appID      string
	network    Network
	httpClient *http.Client
	logger     zerolog.Logger
	bus        *bus

	mu       sync.Mutex
	tokens   TokenPair
	conn     *websocket.Conn
	projects map[string]*project
	closed   bool
}

func (c *wsClient) AppID() string    { return c.appID }
func (c *wsClient) Network() Network { return c.network }
func (c *wsClient) Events() EventSource {
	return c.bus
}

type loginResponse struct {
	Token                 string `json:"token"`
	RefreshToken          string `json:"refreshToken"`
	TokenExpiresIn        int64  `json:"tokenExpiresIn"`
	RefreshTokenExpiresIn int64  `json:"refreshTokenExpiresIn"`
}

func (c *wsClient) Login(ctx context.Context, username, password string) (TokenPair, error) {
	payload := map[string]string{
		"appId":    c.appID,
		"username": username,
		"password": password,
	}
	var resp loginResponse
	if err := c.post(ctx, "/v1/account/login", payload, &resp, ""); err != nil {
		return TokenPair{}, fmt.Errorf("sogni login: %w", err)
	}

	now := time.Now()
	accessTTL := time.Duration(resp.TokenExpiresIn) * time.Second
	if accessTTL <= 0 {
		accessTTL = 24 * time.Hour
	}
	refreshTTL := time.Duration(resp.RefreshTokenExpiresIn) * time.Second
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	pair := TokenPair{
		AccessToken:      resp.Token,
		RefreshToken:     resp.RefreshToken,
		AccessExpiresAt:  now.Add(accessTTL),
		RefreshExpiresAt: now.Add(refreshTTL),
	}

	c.mu.Lock()
	c.tokens = pair
	c.mu.Unlock()

	if err := c.ensureSocket(); err != nil {
		return TokenPair{}, fmt.Errorf("sogni socket: %w", err)
	}
	return pair, nil
}

func (c *wsClient) Restore(_ context.Context, pair TokenPair) error {
	if pair.Empty() {
		return errors.New("sogni: empty token pair")
	}
	c.mu.Lock()
	c.tokens = pair
	c.mu.Unlock()
	// Token validity is not checked here; callers probe with Balance.
	return c.ensureSocket()
}

func (c *wsClient) Logout(ctx context.Context) error {
	err := c.post(ctx, "/v1/account/logout", map[string]string{}, nil, c.accessToken())
	c.mu.Lock()
	c.tokens = TokenPair{}
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("sogni logout: %w", err)
	}
	return nil
}

func (c *wsClient) Balance(ctx context.Context) (string, error) {
	var resp struct {
		Balance string `json:"balance"`
	}
	if err := c.get(ctx, "/v1/account/balance", &resp); err != nil {
		return "", fmt.Errorf("sogni balance: %w", err)
	}
	return resp.Balance, nil
}

type createProjectResponse struct {
	ProjectID string   `json:"projectId"`
	JobIDs    []string `json:"jobIds"`
}

func (c *wsClient) CreateProject(ctx context.Context, opts ProjectOptions) (Project, error) {
	payload := map[string]any{
		"appId":                  c.appID,
		"model":                  opts.Model,
		"prompt":                 opts.Prompt,
		"negativePrompt":         opts.NegativePrompt,
		"stylePrompt":            opts.StylePrompt,
		"width":                  opts.Width,
		"height":                 opts.Height,
		"steps":                  opts.Steps,
		"guidance":               opts.Guidance,
		"numberOfImages":         opts.NumberOfImages,
		"outputFormat":           opts.OutputFormat,
		"sensitiveContentFilter": opts.Sensitive,
	}
	if opts.Seed != nil {
		payload["seed"] = *opts.Seed
	}
	if len(opts.StartingImage) > 0 {
		payload["startingImage"] = base64.StdEncoding.EncodeToString(opts.StartingImage)
		payload["startingImageStrength"] = opts.Strength
	}
	if len(opts.ContextImages) > 0 {
		encoded := make([]string, 0, len(opts.ContextImages))
		for _, img := range opts.ContextImages {
			encoded = append(encoded, base64.StdEncoding.EncodeToString(img))
		}
		payload["contextImages"] = encoded
	}

	var resp createProjectResponse
	if err := c.post(ctx, "/v1/projects", payload, &resp, c.accessToken()); err != nil {
		return nil, fmt.Errorf("sogni create project: %w", err)
	}
	if resp.ProjectID == "" {
		return nil, errors.New("sogni create project: missing project id")
	}

	p := &project{id: resp.ProjectID, client: c, jobs: make(map[string]*projectJob)}
	for _, jobID := range resp.JobIDs {
		p.ensureJob(jobID)
	}
	c.mu.Lock()
	c.projects[resp.ProjectID] = p
	c.mu.Unlock()
	return p, nil
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *wsClient) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens.AccessToken
}

// ensureSocket opens the realtime feed if not already connected.
func (c *wsClient) ensureSocket() error {
	c.mu.Lock()
	if c.conn != nil || c.closed {
		c.mu.Unlock()
		return nil
	}
	token := c.tokens.AccessToken
	c.mu.Unlock()

	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(c.network.SocketURL(), header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)
	return nil
}

type wireFrame struct {
	Type       string    `json:"type"`
	ProjectID  string    `json:"projectId"`
	JobID      string    `json:"jobId"`
	Worker     string    `json:"workerName"`
	Step       int       `json:"step"`
	StepCount  int       `json:"stepCount"`
	PreviewURL string    `json:"previewUrl"`
	ResultURL  string    `json:"resultUrl"`
	IsNSFW     bool      `json:"isNSFW"`
	Seed       string    `json:"seed"`
	ImageURLs  []string  `json:"imageUrls"`
	Error      *APIError `json:"error"`
}

func (c *wsClient) readLoop(conn *websocket.Conn) {
	for {
		var frame wireFrame
		if err := conn.ReadJSON(&frame); err != nil {
			// Close races during page navigation are expected; everything
			// else is logged and the loop exits without taking the process
			// down.
			if IsBenignClose(err) || websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure) {
				c.logger.Debug().Str("app_id", c.appID).Msg("sogni: socket closed")
			} else {
				c.logger.Error().Err(err).Str("app_id", c.appID).Msg("sogni: socket read failed")
			}
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}
		c.dispatch(frameToEvent(frame))
	}
}

func frameToEvent(f wireFrame) Event {
	return Event{
		Type:       f.Type,
		ProjectID:  f.ProjectID,
		JobID:      f.JobID,
		Worker:     f.Worker,
		Step:       f.Step,
		StepCount:  f.StepCount,
		PreviewURL: f.PreviewURL,
		ResultURL:  f.ResultURL,
		IsNSFW:     f.IsNSFW,
		Seed:       f.Seed,
		ImageURLs:  f.ImageURLs,
		Error:      f.Error,
	}
}

// dispatch records job attributes for later reads, then fans the event out.
func (c *wsClient) dispatch(ev Event) {
	if ev.ProjectID != "" && ev.JobID != "" {
		c.mu.Lock()
		p := c.projects[ev.ProjectID]
		c.mu.Unlock()
		if p != nil {
			job := p.ensureJob(ev.JobID)
			switch ev.Type {
			case EventJobCompleted:
				job.record(JobStatusCompleted, ev.ResultURL)
			case EventJobFailed:
				job.record(JobStatusFailed, "")
			}
		}
	}
	c.bus.publish(ev)
}

func (c *wsClient) post(ctx context.Context, path string, payload, out any, token string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.network.APIBase()+"/api"+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *wsClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.network.APIBase()+"/api"+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken())
	return c.do(req, out)
}

func (c *wsClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr := json.NewDecoder(resp.Body).Decode(apiErr); decodeErr != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// project is the concrete Project handle; job state accumulates from events.
type project struct {
	id     string
	client *wsClient

	mu    sync.Mutex
	jobs  map[string]*projectJob
	order []string
}

func (p *project) ID() string { return p.id }

func (p *project) Jobs() []ProjectJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProjectJob, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.jobs[id])
	}
	return out
}

func (p *project) Events() EventSource {
	return &filteredSource{bus: p.client.bus, projectID: p.id}
}

func (p *project) ensureJob(jobID string) *projectJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	if job, ok := p.jobs[jobID]; ok {
		return job
	}
	job := &projectJob{id: jobID}
	p.jobs[jobID] = job
	p.order = append(p.order, jobID)
	return job
}

type projectJob struct {
	id string

	mu        sync.Mutex
	status    string
	resultURL string
}

func (j *projectJob) ID() string { return j.id }

func (j *projectJob) Status() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status, nil
}

func (j *projectJob) ResultURL() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.resultURL, nil
}

func (j *projectJob) record(status, resultURL string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = status
	if resultURL != "" {
		j.resultURL = resultURL
	}
}
