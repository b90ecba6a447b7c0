package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sogni-ai/photobooth-server/internal/generate"
	"github.com/sogni-ai/photobooth-server/internal/metrics"
	"github.com/sogni-ai/photobooth-server/internal/sogni"
)

type generateRequest struct {
	ClientID string `json:"clientId"`
	// AppID optionally names the upstream connection to use; without it the
	// session registry picks one.
	AppID string `json:"appId,omitempty"`

	Model          string  `json:"model"`
	PositivePrompt string  `json:"positivePrompt"`
	NegativePrompt string  `json:"negativePrompt,omitempty"`
	StylePrompt    string  `json:"stylePrompt,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps,omitempty"`
	Guidance       float64 `json:"guidance,omitempty"`
	NumberImages   int     `json:"numberImages"`
	Seed           *uint32 `json:"seed,omitempty"`

	// SourceImage (base64 in JSON) switches the request to enhancement.
	SourceImage   []byte   `json:"sourceImage,omitempty"`
	Strength      float64  `json:"strength,omitempty"`
	ContextImages [][]byte `json:"contextImages,omitempty"`

	OutputFormat string `json:"outputFormat,omitempty"`
	Sensitive    bool   `json:"sensitiveContentFilter,omitempty"`
}

type generateResponse struct {
	ProjectID string `json:"projectId"`
	Status    string `json:"status"`
}

// Generate submits one generation and streams its progress to the client's
// SSE connections. The response returns as soon as the upstream project is
// created.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.ClientID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "clientId is required")
		return
	}

	handle, err := a.Registry.GetConnection(r.Context(), req.ClientID, req.AppID)
	if err != nil {
		a.Logger.Error().Err(err).Str("client_id", req.ClientID).Msg("handlers: connection acquire failed")
		if sogni.Classify(err) == sogni.KindAuth {
			a.error(w, http.StatusUnauthorized, "auth_error", "upstream authentication failed")
			return
		}
		a.error(w, http.StatusBadGateway, "upstream_error", "could not reach generation service")
		return
	}

	genReq := generate.Request{
		Model:          req.Model,
		Prompt:         req.PositivePrompt,
		NegativePrompt: req.NegativePrompt,
		StylePrompt:    req.StylePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		Guidance:       req.Guidance,
		NumberImages:   req.NumberImages,
		Seed:           req.Seed,
		SourceImage:    req.SourceImage,
		Strength:       req.Strength,
		ContextImages:  req.ContextImages,
		OutputFormat:   req.OutputFormat,
		Sensitive:      req.Sensitive,
	}

	stream, err := a.Coordinator.Submit(r.Context(), handle, genReq)
	if err != nil {
		a.submitError(w, req.ClientID, err)
		return
	}

	kind := metrics.KindGenerate
	if genReq.IsEnhancement() {
		kind = metrics.KindEnhance
	}
	a.Counters.Increment(r.Context(), kind)

	a.trackStream(stream.ProjectID, stream)
	go a.forward(req.ClientID, stream)

	a.json(w, http.StatusAccepted, generateResponse{ProjectID: stream.ProjectID, Status: "started"})
}

func (a *App) submitError(w http.ResponseWriter, clientID string, err error) {
	var genErr *generate.Error
	if !errors.As(err, &genErr) {
		a.Logger.Error().Err(err).Str("client_id", clientID).Msg("handlers: submit failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to start generation")
		return
	}
	switch genErr.Kind {
	case sogni.KindValidation:
		a.error(w, http.StatusBadRequest, "bad_request", genErr.Err.Error())
	case sogni.KindAuth:
		a.json(w, http.StatusUnauthorized, map[string]any{
			"error":     "auth_error",
			"message":   "upstream session expired",
			"retryable": true,
		})
	case sogni.KindInsufficientFunds:
		a.error(w, http.StatusPaymentRequired, "insufficient_funds", "account balance too low")
	default:
		a.Logger.Error().Err(genErr).Str("client_id", clientID).Msg("handlers: project creation failed")
		a.error(w, http.StatusBadGateway, "upstream_error", genErr.Err.Error())
	}
}

// forward drains the stream into the SSE manager until the terminal event.
func (a *App) forward(clientID string, stream *generate.Stream) {
	defer a.forgetStream(stream.ProjectID)
	for ev := range stream.Events() {
		a.SSE.SendProgress(clientID, ev)
	}
}
