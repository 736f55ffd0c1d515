package stage

import (
	"fmt"

	"slothify/internal/imaging"
)

// Options is the immutable per-run configuration shared by every stage
// in a batch. It is constructed and validated once per invocation and
// read-only afterwards, so concurrent runs can share one value.
type Options struct {
	OutputWidth  int
	OutputHeight int

	// Upscaler model name, e.g. realesrgan-x4plus.
	ModelName string
	Scale     int

	// CLAHE parameters.
	ClipLimit float64
	TileSize  int

	RemoveBackground bool
	Background       imaging.Background

	ToneCorrection bool

	// Derivatives additionally writes 512x512 and 1024x1024 copies into
	// sibling folders next to the source image.
	Derivatives bool
}

// DefaultOptions mirrors the defaults of the original desktop tool.
func DefaultOptions() Options {
	return Options{
		OutputWidth:    512,
		OutputHeight:   512,
		ModelName:      "realesrgan-x4plus",
		Scale:          4,
		ClipLimit:      1.0,
		TileSize:       4,
		Background:     imaging.Background{Transparent: true},
		ToneCorrection: true,
	}
}

// Validate rejects option combinations no stage can honor.
func (o *Options) Validate() error {
	if o.OutputWidth < 1 || o.OutputHeight < 1 {
		return fmt.Errorf("output size must be positive, got %dx%d", o.OutputWidth, o.OutputHeight)
	}
	if o.ModelName == "" {
		return fmt.Errorf("upscaler model name must not be empty")
	}
	if o.Scale < 1 {
		return fmt.Errorf("scale must be >= 1, got %d", o.Scale)
	}
	if o.ClipLimit <= 0 {
		return fmt.Errorf("clip limit must be > 0, got %g", o.ClipLimit)
	}
	if o.TileSize < 2 {
		return fmt.Errorf("tile size must be >= 2, got %d", o.TileSize)
	}
	return nil
}
