package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"slothify/internal/logging"
	"slothify/internal/stage"
	"slothify/internal/storage"
)

// Event is one progress notification emitted by the executor. Terminal
// events carry State Done or Failed; failures include the error kind.
type Event struct {
	ItemID     string        `json:"item_id"`
	Input      string        `json:"input"`
	Output     string        `json:"output,omitempty"`
	State      State         `json:"state"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms,omitempty"`
}

// Summary aggregates a finished batch.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Duration  time.Duration
	Results   []ItemResult
}

// Executor fans items out over a fixed worker pool. One item failing,
// or even panicking, never disturbs its siblings: the worker records
// the failure and moves on.
type Executor struct {
	orch  *Orchestrator
	log   *slog.Logger
	store *storage.Store

	jobs      chan Item
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

// NewExecutor starts concurrency workers over the orchestrator. store
// may be nil to skip persistence.
func NewExecutor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, orch *Orchestrator) *Executor {
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	e := &Executor{
		orch:   orch,
		log:    logger,
		store:  store,
		jobs:   make(chan Item, concurrency*2),
		cancel: cancel,
		subs:   make(map[int]chan Event),
	}

	for i := 0; i < concurrency; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	return e
}

// Submit queues one item without blocking. The item gets an ID when it
// has none. A full queue is rejected so intake paths (HTTP, watcher)
// stay responsive; batches use SubmitWait instead.
func (e *Executor) Submit(item Item) (string, error) {
	item, err := e.prepare(item)
	if err != nil {
		return "", err
	}
	select {
	case e.jobs <- item:
		return item.ID, nil
	default:
		return "", errors.New("item queue is full")
	}
}

// SubmitWait queues one item, blocking until a worker slot frees up or
// ctx is canceled.
func (e *Executor) SubmitWait(ctx context.Context, item Item) (string, error) {
	item, err := e.prepare(item)
	if err != nil {
		return "", err
	}
	select {
	case e.jobs <- item:
		return item.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *Executor) prepare(item Item) (Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Opts == nil {
		opts := stage.DefaultOptions()
		item.Opts = &opts
	}
	if err := item.Opts.Validate(); err != nil {
		return Item{}, err
	}

	if e.store != nil {
		_ = e.store.RecordItemQueued(storage.ItemRecord{
			ID:         item.ID,
			Status:     string(StatePending),
			InputPath:  item.InputPath,
			OutputPath: OutputPath(item.OutputDir, item.InputPath),
		})
	}
	return item, nil
}

// Stop cancels the workers and waits for in-flight items to finish.
// Items still queued when the workers stop are abandoned.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		e.cancel()
		close(e.jobs)
		e.wg.Wait()
		e.mu.Lock()
		for id, ch := range e.subs {
			close(ch)
			delete(e.subs, id)
		}
		e.mu.Unlock()
	})
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-e.jobs:
			if !ok {
				return
			}
			e.runOne(ctx, item)
		}
	}
}

func (e *Executor) runOne(ctx context.Context, item Item) {
	logging.LogItemStart(e.log, item.ID, item.InputPath, item.OutputDir)
	if e.store != nil {
		_ = e.store.RecordItemStart(item.ID)
	}

	res := e.runGuarded(ctx, item)

	if res.Error != nil {
		logging.LogItemError(e.log, item.ID, res.Duration, res.Error)
		if e.store != nil {
			_ = e.store.RecordItemResult(item.ID, string(StateFailed), res.OutputPath, stage.Kind(res.Error), res.Error.Error())
		}
		e.broadcast(Event{
			ItemID:     item.ID,
			Input:      item.InputPath,
			State:      StateFailed,
			ErrorKind:  stage.Kind(res.Error),
			Error:      res.Error.Error(),
			Duration:   res.Duration,
			DurationMS: res.Duration.Milliseconds(),
		})
		return
	}

	logging.LogItemComplete(e.log, item.ID, res.Duration, fmt.Sprintf("%dx%d", res.Width, res.Height))
	if e.store != nil {
		_ = e.store.RecordItemResult(item.ID, string(StateDone), res.OutputPath, "", "")
	}
	e.broadcast(Event{
		ItemID:     item.ID,
		Input:      item.InputPath,
		Output:     res.OutputPath,
		State:      StateDone,
		Duration:   res.Duration,
		DurationMS: res.Duration.Milliseconds(),
	})
}

// runGuarded isolates panics to the owning item.
func (e *Executor) runGuarded(ctx context.Context, item Item) (res ItemResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ItemResult{Item: item, Error: fmt.Errorf("panic: %v", r)}
		}
	}()

	return e.orch.Run(ctx, item, func(it Item, s State) {
		if s == StateDone || s == StateFailed {
			// Terminal events carry the full result and are emitted by
			// runOne once it is known.
			return
		}
		logging.LogStage(e.log, it.ID, string(s), "started", nil)
		e.broadcast(Event{ItemID: it.ID, Input: it.InputPath, State: s})
	})
}

// Subscribe returns a channel of progress events and an unsubscribe
// function. Slow subscribers drop events rather than stall workers.
func (e *Executor) Subscribe() (<-chan Event, func()) {
	return e.subscribe(64)
}

func (e *Executor) subscribe(capacity int) (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSubID
	e.nextSubID++
	ch := make(chan Event, capacity)
	e.subs[id] = ch
	unsub := func() {
		e.mu.Lock()
		if c, ok := e.subs[id]; ok {
			close(c)
			delete(e.subs, id)
		}
		e.mu.Unlock()
	}
	return ch, unsub
}

func (e *Executor) broadcast(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.log.Warn("event channel full", "subscriber", id, "item", ev.ItemID)
		}
	}
}

// RunBatch submits every input and blocks until each reaches a terminal
// state or ctx is canceled. onEvent may be nil.
func (e *Executor) RunBatch(ctx context.Context, inputs []string, outDir string, opts stage.Options, onEvent func(Event)) (Summary, error) {
	if err := opts.Validate(); err != nil {
		return Summary{}, err
	}

	start := time.Now()
	// Sized so the batch's own terminal events can never be dropped,
	// even while submission blocks on a busy pool.
	events, unsub := e.subscribe(8*len(inputs) + 16)
	defer unsub()

	pending := make(map[string]string, len(inputs))
	for _, input := range inputs {
		id, err := e.SubmitWait(ctx, Item{
			InputPath: input,
			OutputDir: outDir,
			Opts:      &opts,
		})
		if err != nil {
			return Summary{}, fmt.Errorf("submit %s: %w", input, err)
		}
		pending[id] = input
	}

	summary := Summary{Total: len(inputs)}
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return summary, errors.New("executor stopped mid-batch")
			}
			if _, ours := pending[ev.ItemID]; !ours {
				continue
			}
			if onEvent != nil {
				onEvent(ev)
			}
			switch ev.State {
			case StateDone:
				summary.Succeeded++
				summary.Results = append(summary.Results, ItemResult{
					Item:       Item{ID: ev.ItemID, InputPath: ev.Input},
					OutputPath: ev.Output,
					Duration:   ev.Duration,
				})
				delete(pending, ev.ItemID)
			case StateFailed:
				summary.Failed++
				summary.Results = append(summary.Results, ItemResult{
					Item:     Item{ID: ev.ItemID, InputPath: ev.Input},
					Duration: ev.Duration,
					Error:    fmt.Errorf("%s: %s", ev.ErrorKind, ev.Error),
				})
				delete(pending, ev.ItemID)
			}
		}
	}

	summary.Duration = time.Since(start)
	e.log.Info("batch complete",
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"duration_ms", summary.Duration.Milliseconds(),
	)
	return summary, nil
}
