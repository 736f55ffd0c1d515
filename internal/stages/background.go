package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"slothify/internal/artifacts"
	"slothify/internal/imaging"
	"slothify/internal/inference"
	"slothify/internal/stage"
)

// MaskPredictor produces a foreground probability mask for an image.
// Values are in [0,1], row-major at the returned resolution.
type MaskPredictor interface {
	Predict(ctx context.Context, img *imaging.Buffer) (mask []float32, w, h int, err error)
}

// errPredictorUnavailable marks a predictor whose model or runtime
// could not be set up at all, as opposed to one that failed while
// executing. The stage degrades to a no-op for the former only.
var errPredictorUnavailable = errors.New("background model unavailable")

// Background segments the subject and replaces everything else with
// transparency or a solid fill. When no predictor could be constructed
// the stage degrades to an alpha-widening no-op so the rest of the
// pipeline still runs.
type Background struct {
	log       *slog.Logger
	predictor MaskPredictor
}

func NewBackground(log *slog.Logger, predictor MaskPredictor) *Background {
	return &Background{log: log, predictor: predictor}
}

func (s *Background) Name() string                { return "background" }
func (s *Background) InputLayout() imaging.Layout { return imaging.LayoutRGB }

// OutputLayout is the widest layout Process may produce. Solid-color
// composites come back as RGB since every pixel is opaque.
func (s *Background) OutputLayout() imaging.Layout { return imaging.LayoutRGBA }

func (s *Background) Process(ctx context.Context, img *imaging.Buffer, opts *stage.Options) (*imaging.Buffer, error) {
	if s.predictor == nil {
		s.log.Warn("background segmentation unavailable, keeping original background")
		return img.ToRGBA(), nil
	}

	start := time.Now()
	mask, mw, mh, err := s.predictor.Predict(ctx, img)
	if errors.Is(err, errPredictorUnavailable) {
		s.log.Warn("background segmentation unavailable, keeping original background", "error", err)
		return img.ToRGBA(), nil
	}
	if err != nil {
		return nil, err
	}
	if mw != img.Width || mh != img.Height {
		mask = imaging.ResizeMask(mask, mw, mh, img.Width, img.Height)
	}

	src := img.ToRGB()
	var out *imaging.Buffer

	if opts.Background.Transparent {
		// Hard cut: pixels at or above 0.5 keep full opacity, the rest
		// become fully transparent.
		out = imaging.NewBuffer(img.Width, img.Height, imaging.LayoutRGBA)
		for i := 0; i < img.Width*img.Height; i++ {
			out.Pix[i*4+0] = src.Pix[i*3+0]
			out.Pix[i*4+1] = src.Pix[i*3+1]
			out.Pix[i*4+2] = src.Pix[i*3+2]
			if mask[i] >= 0.5 {
				out.Pix[i*4+3] = 255
			}
		}
	} else {
		// Continuous blend against the fill color keeps subject edges
		// soft. The composite is fully opaque, so it stays 3-channel.
		out = imaging.NewBuffer(img.Width, img.Height, imaging.LayoutRGB)
		bg := opts.Background.Color
		for i := 0; i < img.Width*img.Height; i++ {
			m := mask[i]
			out.Pix[i*3+0] = blend(src.Pix[i*3+0], bg.R, m)
			out.Pix[i*3+1] = blend(src.Pix[i*3+1], bg.G, m)
			out.Pix[i*3+2] = blend(src.Pix[i*3+2], bg.B, m)
		}
	}

	s.log.Debug("background removed",
		"transparent", opts.Background.Transparent,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func blend(fg, bg uint8, m float32) uint8 {
	if m < 0 {
		m = 0
	} else if m > 1 {
		m = 1
	}
	v := float32(fg)*m + float32(bg)*(1-m)
	return uint8(v + 0.5)
}

// BirefnetPredictor runs the BiRefNet segmentation model through the
// shared inference pool.
type BirefnetPredictor struct {
	log   *slog.Logger
	store *artifacts.Store
	pool  *inference.Pool
}

func NewBirefnetPredictor(log *slog.Logger, store *artifacts.Store, pool *inference.Pool) *BirefnetPredictor {
	return &BirefnetPredictor{log: log, store: store, pool: pool}
}

func (p *BirefnetPredictor) Predict(ctx context.Context, img *imaging.Buffer) ([]float32, int, int, error) {
	path, err := p.store.Ensure(ctx, artifacts.NameBirefnet)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", errPredictorUnavailable, err)
	}

	sess, err := p.pool.Acquire(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", errPredictorUnavailable, err)
	}
	defer sess.Release()

	// Dynamic axes default to the model's native 512x512.
	shape := sess.InputShape()
	netW, netH := 512, 512
	if len(shape) == 4 {
		if shape[3] > 0 {
			netW = int(shape[3])
		}
		if shape[2] > 0 {
			netH = int(shape[2])
		}
	}

	scaled := imaging.ResizeArea(img.ToRGB(), netW, netH)
	data := chwTensor(scaled, 0, 1.0/255.0)

	out, outShape, err := sess.Run(data, []int64{1, 3, int64(netH), int64(netW)})
	if err != nil {
		return nil, 0, 0, err
	}
	if len(outShape) < 2 {
		return nil, 0, 0, fmt.Errorf("%w: segmentation output shape %v", stage.ErrInferenceFailed, outShape)
	}

	ow := int(outShape[len(outShape)-1])
	oh := int(outShape[len(outShape)-2])
	if ow*oh > len(out) {
		return nil, 0, 0, fmt.Errorf("%w: segmentation output truncated", stage.ErrInferenceFailed)
	}

	mask := out[:ow*oh]
	clampMask(mask)
	return mask, ow, oh, nil
}

func clampMask(mask []float32) {
	for i, v := range mask {
		if v < 0 {
			mask[i] = 0
		} else if v > 1 {
			mask[i] = 1
		}
	}
}

// chwTensor converts an RGB buffer to a [1,3,H,W] float32 tensor using
// (v - mean) * scale per channel value.
func chwTensor(img *imaging.Buffer, mean, scale float32) []float32 {
	n := img.Width * img.Height
	data := make([]float32, 3*n)
	for i := 0; i < n; i++ {
		data[0*n+i] = (float32(img.Pix[i*3+0]) - mean) * scale
		data[1*n+i] = (float32(img.Pix[i*3+1]) - mean) * scale
		data[2*n+i] = (float32(img.Pix[i*3+2]) - mean) * scale
	}
	return data
}
