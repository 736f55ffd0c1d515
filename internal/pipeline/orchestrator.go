package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"slothify/internal/imaging"
	"slothify/internal/stage"
)

// State is the position of one image in its pipeline run. Transitions
// are strictly forward; a failed stage moves the item to StateFailed
// and no later stage runs.
type State string

const (
	StatePending            State = "pending"
	StateRestoring          State = "restoring"
	StateUpscaling          State = "upscaling"
	StateEnhancing          State = "enhancing"
	StateRemovingBackground State = "removing_background"
	StateResizing           State = "resizing"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

// Item is one image scheduled for processing.
type Item struct {
	ID        string
	InputPath string
	OutputDir string
	Opts      *stage.Options
}

// ItemResult is the terminal outcome of one item.
type ItemResult struct {
	Item       Item
	OutputPath string
	Width      int
	Height     int
	Duration   time.Duration
	Error      error
}

// Orchestrator drives one image through the stage sequence: restore,
// upscale, enhance, optional background removal, then final resize and
// persist. Stages receive the layout they declare; RGB widens to RGBA
// as needed and never narrows implicitly.
type Orchestrator struct {
	log        *slog.Logger
	face       stage.Stage // nil when face restoration is disabled
	upscale    stage.Stage // nil when upscaling is disabled
	enhance    stage.Stage
	background stage.Stage
}

func NewOrchestrator(log *slog.Logger, face, upscale, enhance, background stage.Stage) *Orchestrator {
	return &Orchestrator{
		log:        log,
		face:       face,
		upscale:    upscale,
		enhance:    enhance,
		background: background,
	}
}

// Run processes item to completion. onState fires on every transition,
// including the terminal StateDone or StateFailed; it may be nil.
func (o *Orchestrator) Run(ctx context.Context, item Item, onState func(Item, State)) ItemResult {
	start := time.Now()
	notify := func(s State) {
		if onState != nil {
			onState(item, s)
		}
	}
	fail := func(err error) ItemResult {
		notify(StateFailed)
		return ItemResult{Item: item, Duration: time.Since(start), Error: err}
	}

	notify(StatePending)

	opts := item.Opts
	img, err := imaging.Load(item.InputPath)
	if err != nil {
		return fail(fmt.Errorf("load %s: %w", item.InputPath, err))
	}

	type step struct {
		state State
		stg   stage.Stage
	}
	steps := []step{
		{StateRestoring, o.face},
		{StateUpscaling, o.upscale},
		{StateEnhancing, o.enhance},
	}
	if opts.RemoveBackground {
		steps = append(steps, step{StateRemovingBackground, o.background})
	}

	for _, st := range steps {
		if st.stg == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		notify(st.state)

		img = img.Convert(st.stg.InputLayout())
		out, err := st.stg.Process(ctx, img, opts)
		if err != nil {
			return fail(fmt.Errorf("%s: %w", st.stg.Name(), err))
		}
		img = out
	}

	notify(StateResizing)
	img = imaging.Resize(img, opts.OutputWidth, opts.OutputHeight)

	outPath := OutputPath(item.OutputDir, item.InputPath)
	if err := os.MkdirAll(item.OutputDir, 0o755); err != nil {
		return fail(fmt.Errorf("create output dir: %w", err))
	}
	if err := imaging.SavePNG(outPath, img); err != nil {
		return fail(fmt.Errorf("save %s: %w", outPath, err))
	}

	if opts.Derivatives {
		if err := o.writeDerivatives(item, img); err != nil {
			return fail(err)
		}
	}

	notify(StateDone)
	return ItemResult{
		Item:       item,
		OutputPath: outPath,
		Width:      img.Width,
		Height:     img.Height,
		Duration:   time.Since(start),
	}
}

// writeDerivatives stores 512 and 1024 square copies in sibling folders
// next to the source image.
func (o *Orchestrator) writeDerivatives(item Item, img *imaging.Buffer) error {
	srcDir := filepath.Dir(item.InputPath)
	base := Stem(item.InputPath)

	for _, size := range []int{512, 1024} {
		dir := filepath.Join(srcDir, fmt.Sprintf("%dx%d", size, size))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create derivative dir: %w", err)
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%d.png", base, size))
		if err := imaging.SavePNG(path, imaging.Resize(img, size, size)); err != nil {
			return fmt.Errorf("save derivative %s: %w", path, err)
		}
		o.log.Debug("derivative written", "path", path)
	}
	return nil
}

// Stem returns the file name without directory or extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// OutputPath derives the destination file for an input image.
func OutputPath(outDir, inputPath string) string {
	return filepath.Join(outDir, Stem(inputPath)+"_slothified.png")
}

// DefaultOutputDir names the conventional output folder for a target size.
func DefaultOutputDir(w, h int) string {
	return fmt.Sprintf("slothified_%d-%d", w, h)
}
