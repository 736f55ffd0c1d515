package inference

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"slothify/internal/stage"
)

// Pool owns the ONNX Runtime environment and a set of reference-counted
// sessions keyed by model path. Sessions are created lazily on first
// Acquire and torn down when the pool closes.
type Pool struct {
	log     *slog.Logger
	libPath string

	initOnce sync.Once
	initErr  error

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewPool creates an inference pool. libPath optionally points at the
// onnxruntime shared library; empty means the platform default lookup.
func NewPool(log *slog.Logger, libPath string) *Pool {
	return &Pool{
		log:      log,
		libPath:  libPath,
		sessions: make(map[string]*Session),
	}
}

func (p *Pool) initEnv() error {
	p.initOnce.Do(func() {
		if p.libPath != "" {
			ort.SetSharedLibraryPath(p.libPath)
		}
		p.initErr = ort.InitializeEnvironment()
		if p.initErr == nil {
			p.log.Debug("onnxruntime environment initialized", "lib", p.libPath)
		}
	})
	return p.initErr
}

// Acquire returns a ready session for the model at path, loading it if
// needed. Callers must Release the session when done.
func (p *Pool) Acquire(path string) (*Session, error) {
	if err := p.initEnv(); err != nil {
		return nil, fmt.Errorf("%w: onnxruntime unavailable: %v", stage.ErrInferenceFailed, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("%w: inference pool closed", stage.ErrInferenceFailed)
	}

	if s, ok := p.sessions[path]; ok {
		s.refs++
		return s, nil
	}

	s, err := newSession(p.log, path)
	if err != nil {
		return nil, err
	}
	s.pool = p
	s.refs = 1
	p.sessions[path] = s
	return s, nil
}

func (p *Pool) release(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.refs--
	if s.refs <= 0 && p.closed {
		s.destroy()
		delete(p.sessions, s.path)
	}
}

// Close destroys every idle session and releases the environment once
// the remaining sessions are returned.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	for path, s := range p.sessions {
		if s.refs <= 0 {
			s.destroy()
			delete(p.sessions, path)
		}
	}
	empty := len(p.sessions) == 0
	p.mu.Unlock()

	if empty {
		ort.DestroyEnvironment()
	}
}

// preferredProviders appends hardware execution providers in order of
// preference: CUDA first, DirectML on windows, CPU as the implicit
// fallback. Provider setup failures are logged and skipped.
func preferredProviders(log *slog.Logger, opts *ort.SessionOptions) {
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err == nil {
		if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			log.Debug("CUDA provider unavailable", "error", err)
		} else {
			log.Debug("CUDA execution provider enabled")
		}
		cudaOpts.Destroy()
	}

	if runtime.GOOS == "windows" {
		if err := opts.AppendExecutionProviderDirectML(0); err != nil {
			log.Debug("DirectML provider unavailable", "error", err)
		} else {
			log.Debug("DirectML execution provider enabled")
		}
	}
}
