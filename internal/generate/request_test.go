package generate

import (
	"errors"
	"testing"
)

func TestEffectiveSteps(t *testing.T) {
	tests := []struct {
		name     string
		steps    int
		strength float64
		want     int
	}{
		{"default enhancement", 4, 0.80, 1},
		{"half strength", 4, 0.50, 2},
		{"light touch", 10, 0.10, 9},
		{"zero strength keeps all steps", 7, 0, 7},
		{"full strength still runs one step", 4, 1.0, 1},
		{"near-full strength rounds up", 7, 0.95, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EffectiveSteps(tt.steps, tt.strength); got != tt.want {
				t.Errorf("EffectiveSteps(%d, %v) = %d, want %d", tt.steps, tt.strength, got, tt.want)
			}
		})
	}
}

func TestRequestValidate(t *testing.T) {
	valid := Request{Model: "flux1-schnell-fp8", Width: 768, Height: 960, NumberImages: 1}

	tests := []struct {
		name   string
		mutate func(*Request)
		wantOK bool
	}{
		{"valid", func(*Request) {}, true},
		{"zero images", func(r *Request) { r.NumberImages = 0 }, false},
		{"negative images", func(r *Request) { r.NumberImages = -3 }, false},
		{"missing width", func(r *Request) { r.Width = 0 }, false},
		{"missing height", func(r *Request) { r.Height = 0 }, false},
		{"missing model", func(r *Request) { r.Model = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantOK && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.wantOK {
				if err == nil {
					t.Fatal("expected a validation error")
				}
				if !errors.Is(err, ErrInvalidRequest) {
					t.Fatalf("error should wrap ErrInvalidRequest, got %v", err)
				}
			}
		})
	}
}

func TestWithDefaultsGeneration(t *testing.T) {
	req := Request{Model: "m", Width: 512, Height: 512, NumberImages: 2}.withDefaults()
	if req.Steps != DefaultGenerationSteps {
		t.Errorf("steps = %d, want %d", req.Steps, DefaultGenerationSteps)
	}
	if req.Guidance != DefaultGenerationGuidance {
		t.Errorf("guidance = %v, want %v", req.Guidance, DefaultGenerationGuidance)
	}
	if req.OutputFormat != DefaultOutputFormat {
		t.Errorf("outputFormat = %q, want %q", req.OutputFormat, DefaultOutputFormat)
	}
	if req.Strength != 0 {
		t.Errorf("generation must not pick up a strength default, got %v", req.Strength)
	}
}

func TestWithDefaultsEnhancement(t *testing.T) {
	req := Request{Model: "m", Width: 512, Height: 512, NumberImages: 1, SourceImage: []byte{1}}.withDefaults()
	if req.Steps != DefaultEnhancementSteps {
		t.Errorf("steps = %d, want %d", req.Steps, DefaultEnhancementSteps)
	}
	if req.Guidance != DefaultEnhancementGuidance {
		t.Errorf("guidance = %v, want %v", req.Guidance, DefaultEnhancementGuidance)
	}
	if req.Strength != DefaultStrength {
		t.Errorf("strength = %v, want %v", req.Strength, DefaultStrength)
	}
}

func TestWithDefaultsKeepsExplicitValues(t *testing.T) {
	req := Request{
		Model: "m", Width: 512, Height: 512, NumberImages: 1,
		Steps: 20, Guidance: 7.5, OutputFormat: "png",
	}.withDefaults()
	if req.Steps != 20 || req.Guidance != 7.5 || req.OutputFormat != "png" {
		t.Fatalf("explicit values must survive: %+v", req)
	}
}

func TestToProjectOptionsRoutesImages(t *testing.T) {
	source := []byte{0xff, 0xd8}
	ctx := [][]byte{{0x01}, {0x02}}

	enhance := Request{
		Model: "m", Width: 512, Height: 512, NumberImages: 1,
		SourceImage: source, ContextImages: ctx,
	}.withDefaults().toProjectOptions()
	if len(enhance.StartingImage) == 0 || enhance.Strength != DefaultStrength {
		t.Fatalf("enhancement must carry the starting image and strength: %+v", enhance)
	}
	if enhance.ContextImages != nil {
		t.Fatal("enhancement must not also send context images")
	}

	gen := Request{
		Model: "m", Width: 512, Height: 512, NumberImages: 1,
		ContextImages: ctx,
	}.withDefaults().toProjectOptions()
	if len(gen.ContextImages) != 2 || gen.StartingImage != nil {
		t.Fatalf("generation must carry context images only: %+v", gen)
	}
}
