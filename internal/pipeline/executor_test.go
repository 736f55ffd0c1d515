package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"slothify/internal/imaging"
	"slothify/internal/stage"
)

// widthGate fails or panics for inputs of a marker width, which lets
// tests poison individual files in a batch.
type widthGate struct {
	failWidth  int
	panicWidth int
}

func (s *widthGate) Name() string                 { return "gate" }
func (s *widthGate) InputLayout() imaging.Layout  { return imaging.LayoutRGB }
func (s *widthGate) OutputLayout() imaging.Layout { return imaging.LayoutRGB }

func (s *widthGate) Process(ctx context.Context, img *imaging.Buffer, opts *stage.Options) (*imaging.Buffer, error) {
	if img.Width == s.panicWidth {
		panic("poisoned input")
	}
	if img.Width == s.failWidth {
		return nil, stage.ErrSubprocessFailed
	}
	return img, nil
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	dir := t.TempDir()

	// Four good inputs plus one that the gate stage rejects by width.
	inputs := []string{
		writeTestImage(t, dir, "a.png", 64, 64),
		writeTestImage(t, dir, "b.png", 64, 64),
		writeTestImage(t, dir, "bad.png", 48, 48),
		writeTestImage(t, dir, "c.png", 64, 64),
		writeTestImage(t, dir, "d.png", 64, 64),
	}

	orch := NewOrchestrator(testLogger(), nil, nil, &widthGate{failWidth: 48}, nil)
	exec := NewExecutor(context.Background(), 3, testLogger(), nil, orch)
	defer exec.Stop()

	summary, err := exec.RunBatch(context.Background(), inputs, filepath.Join(dir, "out"), stage.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if summary.Total != 5 || summary.Succeeded != 4 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	var failed *ItemResult
	for i := range summary.Results {
		if summary.Results[i].Error != nil {
			failed = &summary.Results[i]
		}
	}
	if failed == nil {
		t.Fatal("no failed result recorded")
	}
	if !strings.Contains(failed.Error.Error(), "SubprocessFailed") {
		t.Fatalf("failed result error = %v, want SubprocessFailed kind", failed.Error)
	}
	if !strings.HasSuffix(failed.Item.InputPath, "bad.png") {
		t.Fatalf("wrong item failed: %s", failed.Item.InputPath)
	}
}

func TestRunBatchLargerThanWorkerQueue(t *testing.T) {
	dir := t.TempDir()

	// Far more inputs than the two workers can buffer; submission must
	// wait for free slots instead of rejecting the overflow.
	var inputs []string
	for i := 0; i < 20; i++ {
		inputs = append(inputs, writeTestImage(t, dir, fmt.Sprintf("img-%02d.png", i), 64, 64))
	}

	orch := NewOrchestrator(testLogger(), nil, nil, &widthGate{}, nil)
	exec := NewExecutor(context.Background(), 2, testLogger(), nil, orch)
	defer exec.Stop()

	summary, err := exec.RunBatch(context.Background(), inputs, filepath.Join(dir, "out"), stage.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if summary.Total != 20 || summary.Succeeded != 20 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestRunBatchSurvivesPanickingStage(t *testing.T) {
	dir := t.TempDir()
	inputs := []string{
		writeTestImage(t, dir, "fine.png", 64, 64),
		writeTestImage(t, dir, "boom.png", 32, 32),
	}

	orch := NewOrchestrator(testLogger(), nil, nil, &widthGate{panicWidth: 32}, nil)
	exec := NewExecutor(context.Background(), 2, testLogger(), nil, orch)
	defer exec.Stop()

	summary, err := exec.RunBatch(context.Background(), inputs, filepath.Join(dir, "out"), stage.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if summary.Succeeded != 1 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestRunBatchEmitsProgressEvents(t *testing.T) {
	dir := t.TempDir()
	inputs := []string{writeTestImage(t, dir, "one.png", 64, 64)}

	orch := NewOrchestrator(testLogger(), nil, nil, &widthGate{}, nil)
	exec := NewExecutor(context.Background(), 1, testLogger(), nil, orch)
	defer exec.Stop()

	var events []Event
	summary, err := exec.RunBatch(context.Background(), inputs, filepath.Join(dir, "out"), stage.DefaultOptions(), func(ev Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if summary.Succeeded != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	if len(events) == 0 {
		t.Fatal("no events observed")
	}
	last := events[len(events)-1]
	if last.State != StateDone {
		t.Fatalf("last event state = %s, want done", last.State)
	}
	if last.Output == "" {
		t.Fatal("terminal event missing output path")
	}

	sawIntermediate := false
	for _, ev := range events[:len(events)-1] {
		if ev.State != StateDone && ev.State != StateFailed {
			sawIntermediate = true
		}
	}
	if !sawIntermediate {
		t.Fatal("expected intermediate progress events before the terminal one")
	}
}

func TestSubmitRejectsInvalidOptions(t *testing.T) {
	orch := NewOrchestrator(testLogger(), nil, nil, &widthGate{}, nil)
	exec := NewExecutor(context.Background(), 1, testLogger(), nil, orch)
	defer exec.Stop()

	bad := stage.DefaultOptions()
	bad.OutputWidth = 0
	if _, err := exec.Submit(Item{InputPath: "x.png", OutputDir: t.TempDir(), Opts: &bad}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	orch := NewOrchestrator(testLogger(), nil, nil, &widthGate{}, nil)
	exec := NewExecutor(context.Background(), 1, testLogger(), nil, orch)
	defer exec.Stop()

	ch, unsub := exec.Subscribe()
	unsub()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}
