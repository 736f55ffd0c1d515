package watch

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"slothify/internal/fsutil"
	"slothify/internal/pipeline"
	"slothify/internal/stage"
)

// Watcher feeds images dropped into a directory to the executor. Writes
// are debounced so a file is only submitted once its size has settled.
type Watcher struct {
	log      *slog.Logger
	executor *pipeline.Executor
	dir      string
	outDir   string
	opts     stage.Options
	settle   time.Duration

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	seen    map[string]bool
}

// New creates a watcher over dir. Processed outputs go to outDir.
func New(log *slog.Logger, executor *pipeline.Executor, dir, outDir string, opts stage.Options) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		log:      log,
		executor: executor,
		dir:      dir,
		outDir:   outDir,
		opts:     opts,
		settle:   2 * time.Second,
		watcher:  fw,
		pending:  make(map[string]*time.Timer),
		seen:     make(map[string]bool),
	}, nil
}

// Run watches until ctx is canceled. Images already present at startup
// are submitted first.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	defer w.watcher.Close()

	w.log.Info("watching directory", "dir", w.dir, "output", w.outDir)

	existing, err := fsutil.ListImages(w.dir)
	if err != nil {
		return err
	}
	for _, path := range existing {
		w.submit(path)
	}

	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !fsutil.IsImageFile(event.Name) {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watcher error", "error", err)
		}
	}
}

// schedule (re)arms the settle timer for path. Every further write
// pushes submission out again.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.submit(path)
	})
}

func (w *Watcher) submit(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}

	w.mu.Lock()
	if w.seen[path] {
		w.mu.Unlock()
		return
	}
	w.seen[path] = true
	w.mu.Unlock()

	opts := w.opts
	id, err := w.executor.Submit(pipeline.Item{
		InputPath: path,
		OutputDir: w.outDir,
		Opts:      &opts,
	})
	if err != nil {
		w.log.Error("submit failed", "path", path, "error", err)
		w.mu.Lock()
		delete(w.seen, path)
		w.mu.Unlock()
		return
	}
	w.log.Info("file queued", "path", path, "id", id)
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}
