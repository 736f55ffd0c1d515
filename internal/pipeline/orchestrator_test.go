package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"slothify/internal/imaging"
	"slothify/internal/stage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingStage notes call order and optionally fails or checks its
// input layout.
type recordingStage struct {
	name   string
	in     imaging.Layout
	out    imaging.Layout
	order  *[]string
	fail   error
	gotIn  imaging.Layout
	panics bool
}

func (s *recordingStage) Name() string                 { return s.name }
func (s *recordingStage) InputLayout() imaging.Layout  { return s.in }
func (s *recordingStage) OutputLayout() imaging.Layout { return s.out }

func (s *recordingStage) Process(ctx context.Context, img *imaging.Buffer, opts *stage.Options) (*imaging.Buffer, error) {
	if s.panics {
		panic("stage exploded")
	}
	if s.order != nil {
		*s.order = append(*s.order, s.name)
	}
	s.gotIn = img.Layout
	if s.fail != nil {
		return nil, s.fail
	}
	return img.Convert(s.out), nil
}

func writeTestImage(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	b := imaging.NewBuffer(w, h, imaging.LayoutRGB)
	for i := range b.Pix {
		b.Pix[i] = uint8(i % 250)
	}
	path := filepath.Join(dir, name)
	if err := imaging.SavePNG(path, b); err != nil {
		t.Fatal(err)
	}
	return path
}

func defaultItem(t *testing.T, dir string) Item {
	opts := stage.DefaultOptions()
	return Item{
		ID:        "item-1",
		InputPath: writeTestImage(t, dir, "input.png", 128, 128),
		OutputDir: filepath.Join(dir, "out"),
		Opts:      &opts,
	}
}

func TestOrchestratorRunsStagesInOrder(t *testing.T) {
	var order []string
	orch := NewOrchestrator(testLogger(),
		&recordingStage{name: "face", in: imaging.LayoutRGB, out: imaging.LayoutRGB, order: &order},
		&recordingStage{name: "upscale", in: imaging.LayoutRGB, out: imaging.LayoutRGB, order: &order},
		&recordingStage{name: "enhance", in: imaging.LayoutRGB, out: imaging.LayoutRGB, order: &order},
		&recordingStage{name: "background", in: imaging.LayoutRGB, out: imaging.LayoutRGBA, order: &order},
	)

	dir := t.TempDir()
	item := defaultItem(t, dir)
	item.Opts.RemoveBackground = true

	var states []State
	res := orch.Run(context.Background(), item, func(_ Item, s State) {
		states = append(states, s)
	})
	if res.Error != nil {
		t.Fatalf("Run: %v", res.Error)
	}

	want := []string{"face", "upscale", "enhance", "background"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("stage order = %v, want %v", order, want)
	}

	wantStates := []State{StatePending, StateRestoring, StateUpscaling, StateEnhancing, StateRemovingBackground, StateResizing, StateDone}
	if len(states) != len(wantStates) {
		t.Fatalf("states = %v, want %v", states, wantStates)
	}
	for i := range states {
		if states[i] != wantStates[i] {
			t.Fatalf("state %d = %s, want %s", i, states[i], wantStates[i])
		}
	}

	if res.Width != 512 || res.Height != 512 {
		t.Fatalf("result size %dx%d, want 512x512", res.Width, res.Height)
	}
	wantPath := filepath.Join(item.OutputDir, "input_slothified.png")
	if res.OutputPath != wantPath {
		t.Fatalf("output path %s, want %s", res.OutputPath, wantPath)
	}
	if _, err := os.Stat(wantPath); err != nil {
		t.Fatalf("output file missing: %v", err)
	}
}

func TestOrchestratorSkipsBackgroundByDefault(t *testing.T) {
	var order []string
	orch := NewOrchestrator(testLogger(),
		nil,
		&recordingStage{name: "upscale", in: imaging.LayoutRGB, out: imaging.LayoutRGB, order: &order},
		&recordingStage{name: "enhance", in: imaging.LayoutRGB, out: imaging.LayoutRGB, order: &order},
		&recordingStage{name: "background", in: imaging.LayoutRGB, out: imaging.LayoutRGBA, order: &order},
	)

	dir := t.TempDir()
	res := orch.Run(context.Background(), defaultItem(t, dir), nil)
	if res.Error != nil {
		t.Fatalf("Run: %v", res.Error)
	}
	if strings.Join(order, ",") != "upscale,enhance" {
		t.Fatalf("stage order = %v", order)
	}
}

func TestOrchestratorWidensLayoutForStage(t *testing.T) {
	wide := &recordingStage{name: "wide", in: imaging.LayoutRGBA, out: imaging.LayoutRGBA}
	orch := NewOrchestrator(testLogger(), nil, nil, wide, nil)

	dir := t.TempDir()
	res := orch.Run(context.Background(), defaultItem(t, dir), nil)
	if res.Error != nil {
		t.Fatalf("Run: %v", res.Error)
	}
	if wide.gotIn != imaging.LayoutRGBA {
		t.Fatalf("stage saw layout %v, want RGBA", wide.gotIn)
	}
}

func TestOrchestratorStopsAtFirstFailure(t *testing.T) {
	var order []string
	failErr := fmt.Errorf("upscale: %w", stage.ErrSubprocessFailed)
	orch := NewOrchestrator(testLogger(),
		nil,
		&recordingStage{name: "upscale", in: imaging.LayoutRGB, out: imaging.LayoutRGB, order: &order, fail: failErr},
		&recordingStage{name: "enhance", in: imaging.LayoutRGB, out: imaging.LayoutRGB, order: &order},
		nil,
	)

	dir := t.TempDir()
	item := defaultItem(t, dir)

	var last State
	res := orch.Run(context.Background(), item, func(_ Item, s State) { last = s })
	if !errors.Is(res.Error, stage.ErrSubprocessFailed) {
		t.Fatalf("expected ErrSubprocessFailed, got %v", res.Error)
	}
	if last != StateFailed {
		t.Fatalf("final state %s, want failed", last)
	}
	if strings.Join(order, ",") != "upscale" {
		t.Fatalf("later stages ran after failure: %v", order)
	}
	if _, err := os.Stat(OutputPath(item.OutputDir, item.InputPath)); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("failed run must not write an output file")
	}
}

func TestOrchestratorMissingInput(t *testing.T) {
	orch := NewOrchestrator(testLogger(), nil, nil,
		&recordingStage{name: "enhance", in: imaging.LayoutRGB, out: imaging.LayoutRGB}, nil)

	opts := stage.DefaultOptions()
	res := orch.Run(context.Background(), Item{
		ID:        "missing",
		InputPath: filepath.Join(t.TempDir(), "nope.png"),
		OutputDir: t.TempDir(),
		Opts:      &opts,
	}, nil)
	if res.Error == nil {
		t.Fatal("expected an error for a missing input file")
	}
}

func TestOrchestratorWritesDerivatives(t *testing.T) {
	orch := NewOrchestrator(testLogger(), nil, nil,
		&recordingStage{name: "enhance", in: imaging.LayoutRGB, out: imaging.LayoutRGB}, nil)

	dir := t.TempDir()
	item := defaultItem(t, dir)
	item.Opts.Derivatives = true

	res := orch.Run(context.Background(), item, nil)
	if res.Error != nil {
		t.Fatalf("Run: %v", res.Error)
	}

	for _, size := range []int{512, 1024} {
		path := filepath.Join(dir, fmt.Sprintf("%dx%d", size, size), fmt.Sprintf("input_%d.png", size))
		img, err := imaging.Load(path)
		if err != nil {
			t.Fatalf("derivative %d missing: %v", size, err)
		}
		if img.Width != size || img.Height != size {
			t.Fatalf("derivative %d is %dx%d", size, img.Width, img.Height)
		}
	}
}

func TestOutputPathNaming(t *testing.T) {
	got := OutputPath("/tmp/out", "/photos/grandma.jpeg")
	want := filepath.Join("/tmp/out", "grandma_slothified.png")
	if got != want {
		t.Fatalf("OutputPath = %s, want %s", got, want)
	}

	if d := DefaultOutputDir(1024, 768); d != "slothified_1024-768" {
		t.Fatalf("DefaultOutputDir = %s", d)
	}
}
