package stages

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/gographics/imagick.v3/imagick"

	"slothify/internal/imaging"
	"slothify/internal/stage"
)

var imagickInit sync.Once

// Enhance applies contrast-limited adaptive histogram equalization and
// an optional mild tone correction, both through ImageMagick.
type Enhance struct {
	log *slog.Logger
}

func NewEnhance(log *slog.Logger) *Enhance {
	return &Enhance{log: log}
}

func (s *Enhance) Name() string                 { return "enhance" }
func (s *Enhance) InputLayout() imaging.Layout  { return imaging.LayoutRGB }
func (s *Enhance) OutputLayout() imaging.Layout { return imaging.LayoutRGB }

func (s *Enhance) Process(ctx context.Context, img *imaging.Buffer, opts *stage.Options) (*imaging.Buffer, error) {
	// Terminate is deliberately never called; the wand environment stays
	// up for the life of the process.
	imagickInit.Do(imagick.Initialize)

	start := time.Now()
	src := img.ToRGB()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(src.Width), uint(src.Height), "RGB", imagick.PIXEL_CHAR, src.Pix); err != nil {
		return nil, fmt.Errorf("enhance: import pixels: %v", err)
	}

	// Tile geometry in pixels; the grid is opts.TileSize cells per axis.
	tileW := uint(max(1, src.Width/opts.TileSize))
	tileH := uint(max(1, src.Height/opts.TileSize))
	if err := mw.ClaheImage(tileW, tileH, 128, opts.ClipLimit); err != nil {
		return nil, fmt.Errorf("enhance: clahe: %v", err)
	}

	if opts.ToneCorrection {
		// Brightness x1.02, saturation x1.08.
		if err := mw.ModulateImage(102, 108, 100); err != nil {
			return nil, fmt.Errorf("enhance: tone correction: %v", err)
		}
	}

	raw, err := mw.ExportImagePixels(0, 0, uint(src.Width), uint(src.Height), "RGB", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("enhance: export pixels: %v", err)
	}
	pix, ok := raw.([]byte)
	if !ok {
		return nil, fmt.Errorf("enhance: unexpected pixel export type %T", raw)
	}

	out := imaging.NewBuffer(src.Width, src.Height, imaging.LayoutRGB)
	copy(out.Pix, pix)

	s.log.Debug("enhance complete",
		"clip_limit", opts.ClipLimit,
		"tile", opts.TileSize,
		"tone_correction", opts.ToneCorrection,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}
