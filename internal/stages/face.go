package stages

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	pigo "github.com/esimov/pigo/core"

	"slothify/internal/artifacts"
	"slothify/internal/imaging"
	"slothify/internal/inference"
	"slothify/internal/stage"
)

// FaceDetector reports how many faces an image contains.
type FaceDetector interface {
	Detect(ctx context.Context, img *imaging.Buffer) (int, error)
}

// FaceRestorer reconstructs facial detail across the whole frame.
type FaceRestorer interface {
	Restore(ctx context.Context, img *imaging.Buffer) (*imaging.Buffer, error)
}

// Face runs face detection and, when faces are present, a full-frame
// restoration model. Detection or restoration problems fall back to the
// untouched input; only a missing detector cascade aborts the item.
type Face struct {
	log      *slog.Logger
	detector FaceDetector
	restorer FaceRestorer
}

func NewFace(log *slog.Logger, detector FaceDetector, restorer FaceRestorer) *Face {
	return &Face{log: log, detector: detector, restorer: restorer}
}

func (s *Face) Name() string                 { return "face" }
func (s *Face) InputLayout() imaging.Layout  { return imaging.LayoutRGB }
func (s *Face) OutputLayout() imaging.Layout { return imaging.LayoutRGB }

func (s *Face) Process(ctx context.Context, img *imaging.Buffer, opts *stage.Options) (*imaging.Buffer, error) {
	start := time.Now()

	count, err := s.detector.Detect(ctx, img)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		s.log.Debug("no faces detected, skipping restoration")
		return img, nil
	}

	restored, err := s.restorer.Restore(ctx, img)
	if err != nil {
		// Restoration is best effort; the upscaler still improves the
		// image without it.
		s.log.Warn("face restoration failed, continuing with original",
			"faces", count,
			"error", err,
		)
		return img, nil
	}

	s.log.Debug("faces restored",
		"faces", count,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return restored, nil
}

// PigoDetector detects faces with the pigo cascade classifier. The
// cascade file is an artifact like any model weight. One detector is
// shared by every worker; the classifier itself is read-only once built.
type PigoDetector struct {
	log   *slog.Logger
	store *artifacts.Store

	mu         sync.Mutex
	classifier *pigo.Pigo
}

func NewPigoDetector(log *slog.Logger, store *artifacts.Store) *PigoDetector {
	return &PigoDetector{log: log, store: store}
}

// load builds the classifier on first use. A failed attempt is retried
// on the next call rather than cached.
func (d *PigoDetector) load(ctx context.Context) (*pigo.Pigo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.classifier != nil {
		return d.classifier, nil
	}

	path, err := d.store.Ensure(ctx, artifacts.NameFaceFinder)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read cascade: %v", stage.ErrModelNotInstalled, err)
	}
	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack cascade: %v", stage.ErrModelNotInstalled, err)
	}
	d.classifier = classifier
	return classifier, nil
}

func (d *PigoDetector) Detect(ctx context.Context, img *imaging.Buffer) (int, error) {
	classifier, err := d.load(ctx)
	if err != nil {
		return 0, err
	}

	gray := img.Gray()
	minSize := img.Height / 10
	if minSize < 20 {
		minSize = 20
	}

	params := pigo.CascadeParams{
		MinSize:     minSize,
		MaxSize:     img.Height,
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
		ImageParams: pigo.ImageParams{
			Pixels: gray,
			Rows:   img.Height,
			Cols:   img.Width,
			Dim:    img.Width,
		},
	}

	dets := classifier.RunCascade(params, 0.0)
	dets = classifier.ClusterDetections(dets, 0.2)

	count := 0
	for _, det := range dets {
		if det.Q >= 5.0 {
			count++
		}
	}
	return count, nil
}

// GFPGANRestorer runs the GFPGAN restoration model over the full frame
// at its native 512x512 resolution.
type GFPGANRestorer struct {
	log   *slog.Logger
	store *artifacts.Store
	pool  *inference.Pool
}

func NewGFPGANRestorer(log *slog.Logger, store *artifacts.Store, pool *inference.Pool) *GFPGANRestorer {
	return &GFPGANRestorer{log: log, store: store, pool: pool}
}

func (r *GFPGANRestorer) Restore(ctx context.Context, img *imaging.Buffer) (*imaging.Buffer, error) {
	path, err := r.store.Ensure(ctx, artifacts.NameGFPGAN)
	if err != nil {
		return nil, err
	}

	sess, err := r.pool.Acquire(path)
	if err != nil {
		return nil, err
	}
	defer sess.Release()

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
	// The model expects values normalized to [-1,1].
	data := chwTensor(scaled, 127.5, 1.0/127.5)

	out, outShape, err := sess.Run(data, []int64{1, 3, int64(netH), int64(netW)})
	if err != nil {
		return nil, err
	}
	if len(outShape) != 4 || outShape[1] != 3 {
		return nil, fmt.Errorf("%w: restoration output shape %v", stage.ErrInferenceFailed, outShape)
	}

	ow := int(outShape[3])
	oh := int(outShape[2])
	if 3*ow*oh > len(out) {
		return nil, fmt.Errorf("%w: restoration output truncated", stage.ErrInferenceFailed)
	}

	restored := imaging.NewBuffer(ow, oh, imaging.LayoutRGB)
	n := ow * oh
	for i := 0; i < n; i++ {
		restored.Pix[i*3+0] = denorm(out[0*n+i])
		restored.Pix[i*3+1] = denorm(out[1*n+i])
		restored.Pix[i*3+2] = denorm(out[2*n+i])
	}

	if ow != img.Width || oh != img.Height {
		restored = imaging.ResizeBilinear(restored, img.Width, img.Height)
	}
	return restored, nil
}

// denorm maps a [-1,1] model output back to an 8-bit channel value.
func denorm(v float32) uint8 {
	x := (v + 1) * 127.5
	if x < 0 {
		x = 0
	} else if x > 255 {
		x = 255
	}
	return uint8(x + 0.5)
}
