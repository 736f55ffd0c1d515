package artifacts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"slothify/internal/stage"
)

// State tracks the install lifecycle of one artifact.
type State string

const (
	StateMissing     State = "missing"
	StateDownloading State = "downloading"
	StateInstalled   State = "installed"
	StateCorrupt     State = "corrupt"
)

// Artifact describes one required external dependency: a weight file,
// an executable or a cascade, cached at a canonical local path.
type Artifact struct {
	Name    string
	Path    string
	URL     string
	Archive bool   // zip container; ExeName is located inside and relocated
	ExeName string // expected executable name within the archive
}

// Status reports an artifact's current install state.
type Status struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	State State  `json:"state"`
}

// Recorder persists artifact install events. Satisfied by storage.Store.
type Recorder interface {
	RecordArtifactEvent(name, state, detail string) error
}

// Store maps logical artifact names to verified local paths, downloading
// on first use. Ensure calls for the same name serialize so concurrent
// workers never race to download the same payload twice.
type Store struct {
	log      *slog.Logger
	client   *http.Client
	recorder Recorder

	mu        sync.Mutex
	artifacts map[string]Artifact
	states    map[string]State

	flight singleflight.Group
}

// NewStore creates an artifact store over the given catalog. recorder
// may be nil.
func NewStore(log *slog.Logger, catalog []Artifact, recorder Recorder) *Store {
	s := &Store{
		log:       log,
		client:    &http.Client{Timeout: 0}, // downloads are bounded by ctx, not a flat timeout
		recorder:  recorder,
		artifacts: make(map[string]Artifact),
		states:    make(map[string]State),
	}
	for _, a := range catalog {
		s.artifacts[a.Name] = a
		s.states[a.Name] = StateMissing
	}
	return s
}

// Register adds or replaces an artifact definition.
func (s *Store) Register(a Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[a.Name] = a
	s.states[a.Name] = StateMissing
}

// State returns the current install state for name.
func (s *Store) State(name string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	if !ok {
		return StateMissing
	}
	return st
}

// Statuses returns a snapshot of every known artifact.
func (s *Store) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.artifacts))
	for name, a := range s.artifacts {
		st := s.states[name]
		if st != StateDownloading {
			if fileExists(a.Path) {
				st = StateInstalled
			}
		}
		out = append(out, Status{Name: name, Path: a.Path, State: st})
	}
	return out
}

// Ensure resolves name to a verified local path, downloading and
// installing the artifact on first use. It is idempotent: once the
// canonical path exists it returns immediately. Concurrent calls for
// the same name share a single install attempt.
func (s *Store) Ensure(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	a, ok := s.artifacts[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: unknown artifact %q", stage.ErrModelNotInstalled, name)
	}

	if fileExists(a.Path) {
		s.setState(name, StateInstalled)
		return a.Path, nil
	}

	path, err, _ := s.flight.Do(name, func() (interface{}, error) {
		// Re-check under the flight: a sibling caller may have finished
		// the install while this one queued.
		if fileExists(a.Path) {
			s.setState(name, StateInstalled)
			return a.Path, nil
		}
		s.setState(name, StateDownloading)
		if err := s.install(ctx, a); err != nil {
			s.setState(name, StateCorrupt)
			return "", err
		}
		s.setState(name, StateInstalled)
		return a.Path, nil
	})
	if err != nil {
		return "", err
	}
	return path.(string), nil
}

func (s *Store) install(ctx context.Context, a Artifact) error {
	start := time.Now()
	s.log.Warn("artifact not found, downloading", "artifact", a.Name, "url", a.URL)

	if err := os.MkdirAll(filepath.Dir(a.Path), 0o755); err != nil {
		return fmt.Errorf("%w: create artifact dir for %s: %v", stage.ErrModelNotInstalled, a.Name, err)
	}

	// Stream to a uniquely named temporary file first; the canonical
	// path only ever holds a complete artifact.
	tmp := a.Path + ".download-" + uuid.NewString()
	if err := s.download(ctx, a.URL, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: download %s: %v", stage.ErrModelNotInstalled, a.Name, err)
	}

	if a.Archive {
		if err := s.installArchive(a, tmp); err != nil {
			os.Remove(tmp)
			return err
		}
	} else {
		if err := os.Rename(tmp, a.Path); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("%w: place %s: %v", stage.ErrModelNotInstalled, a.Name, err)
		}
	}

	if !fileExists(a.Path) {
		return fmt.Errorf("%w: %s missing after install", stage.ErrModelNotInstalled, a.Name)
	}

	s.log.Info("artifact installed",
		"artifact", a.Name,
		"path", a.Path,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// installArchive extracts the zip at zipPath, locates the expected
// executable at any depth, relocates it to the canonical path and sets
// the execute bit on POSIX targets. The zip is removed in every case.
func (s *Store) installArchive(a Artifact, zipPath string) error {
	defer os.Remove(zipPath)

	extractDir := filepath.Dir(a.Path)
	if err := extractZip(zipPath, extractDir); err != nil {
		return fmt.Errorf("%w: extract %s: %v", stage.ErrModelNotInstalled, a.Name, err)
	}

	inner, err := findFile(extractDir, a.ExeName)
	if err != nil {
		return fmt.Errorf("%w: %s: executable %q not found in archive", stage.ErrModelNotInstalled, a.Name, a.ExeName)
	}
	if inner != a.Path {
		if err := os.Rename(inner, a.Path); err != nil {
			return fmt.Errorf("%w: relocate %s: %v", stage.ErrModelNotInstalled, a.Name, err)
		}
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(a.Path)
		if err != nil {
			return fmt.Errorf("%w: stat %s: %v", stage.ErrModelNotInstalled, a.Name, err)
		}
		if err := os.Chmod(a.Path, info.Mode()|0o111); err != nil {
			return fmt.Errorf("%w: chmod %s: %v", stage.ErrModelNotInstalled, a.Name, err)
		}
	}
	return nil
}

func (s *Store) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *Store) setState(name string, st State) {
	s.mu.Lock()
	s.states[name] = st
	s.mu.Unlock()
	if s.recorder != nil {
		_ = s.recorder.RecordArtifactEvent(name, string(st), "")
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
