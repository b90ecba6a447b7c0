package generate

import (
	"errors"
	"fmt"
	"math"

	"github.com/sogni-ai/photobooth-server/internal/sogni"
)

// Defaults applied when the caller does not override. Enhancement runs fewer
// steps with gentler guidance than a pure generation.
const (
	DefaultGenerationSteps  = 7
	DefaultEnhancementSteps = 4

	DefaultGenerationGuidance  = 2.0
	DefaultEnhancementGuidance = 1.0

	DefaultStrength     = 0.8
	DefaultOutputFormat = "jpg"
)

// ErrInvalidRequest marks requests rejected before any upstream call.
var ErrInvalidRequest = errors.New("invalid generation request")

// Request is one generation call's parameters. A present SourceImage makes it
// an enhancement (image-to-image) rather than a generation.
type Request struct {
	Model          string
	Prompt         string
	NegativePrompt string
	StylePrompt    string

	Width        int
	Height       int
	Steps        int
	Guidance     float64
	NumberImages int
	Seed         *uint32

	SourceImage   []byte
	Strength      float64
	ContextImages [][]byte

	OutputFormat string
	Sensitive    bool
}

// IsEnhancement reports whether a source image is present.
func (r *Request) IsEnhancement() bool { return len(r.SourceImage) > 0 }

// Validate rejects malformed requests before any upstream call is made.
func (r *Request) Validate() error {
	if r.NumberImages < 1 {
		return fmt.Errorf("%w: number of images must be >= 1", ErrInvalidRequest)
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: width and height are required", ErrInvalidRequest)
	}
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	return nil
}

// withDefaults fills unset fields with mode-appropriate defaults.
func (r Request) withDefaults() Request {
	enhancement := r.IsEnhancement()
	if r.Steps <= 0 {
		if enhancement {
			r.Steps = DefaultEnhancementSteps
		} else {
			r.Steps = DefaultGenerationSteps
		}
	}
	if r.Guidance <= 0 {
		if enhancement {
			r.Guidance = DefaultEnhancementGuidance
		} else {
			r.Guidance = DefaultGenerationGuidance
		}
	}
	if enhancement && r.Strength <= 0 {
		r.Strength = DefaultStrength
	}
	if r.OutputFormat == "" {
		r.OutputFormat = DefaultOutputFormat
	}
	return r
}

// toProjectOptions translates the request into the upstream payload. The
// source image rides as the starting image for enhancement; context images
// condition a plain generation.
func (r Request) toProjectOptions() sogni.ProjectOptions {
	opts := sogni.ProjectOptions{
		Model:          r.Model,
		Prompt:         r.Prompt,
		NegativePrompt: r.NegativePrompt,
		StylePrompt:    r.StylePrompt,
		Width:          r.Width,
		Height:         r.Height,
		Steps:          r.Steps,
		Guidance:       r.Guidance,
		NumberOfImages: r.NumberImages,
		Seed:           r.Seed,
		OutputFormat:   r.OutputFormat,
		Sensitive:      r.Sensitive,
	}
	if r.IsEnhancement() {
		opts.StartingImage = r.SourceImage
		opts.Strength = r.Strength
	} else {
		opts.ContextImages = r.ContextImages
	}
	return opts
}

// EffectiveSteps is the number of denoising steps an enhancement actually
// runs: the higher the source-image strength, the fewer steps execute.
// Progress must be computed against this count or the bar freezes short of
// 100%.
func EffectiveSteps(steps int, strength float64) int {
	if strength <= 0 {
		return steps
	}
	effective := int(math.Ceil(float64(steps) * (1 - strength)))
	if effective < 1 {
		effective = 1
	}
	return effective
}
