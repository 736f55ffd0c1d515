package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"slothify/internal/artifacts"
	"slothify/internal/config"
	"slothify/internal/imaging"
	"slothify/internal/stage"
)

// Upscale runs the Real-ESRGAN NCNN executable as a subprocess. The
// exchange format is PNG files in the temp directory; the executable is
// fetched through the artifact store on first use.
type Upscale struct {
	log       *slog.Logger
	store     *artifacts.Store
	modelsDir string
	tempDir   string
	gpu       int
	threads   string
	timeout   time.Duration
}

func NewUpscale(log *slog.Logger, store *artifacts.Store, cfg *config.Config) *Upscale {
	return &Upscale{
		log:       log,
		store:     store,
		modelsDir: cfg.Models.Dir,
		tempDir:   cfg.Processing.TempDir,
		gpu:       cfg.Upscale.GPU,
		threads:   cfg.Upscale.Threads,
		timeout:   time.Duration(cfg.Upscale.TimeoutSeconds) * time.Second,
	}
}

func (s *Upscale) Name() string                 { return "upscale" }
func (s *Upscale) InputLayout() imaging.Layout  { return imaging.LayoutRGB }
func (s *Upscale) OutputLayout() imaging.Layout { return imaging.LayoutRGB }

func (s *Upscale) Process(ctx context.Context, img *imaging.Buffer, opts *stage.Options) (*imaging.Buffer, error) {
	exe, err := s.store.Ensure(ctx, artifacts.NameRealesrgan)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	inFile := filepath.Join(s.tempDir, "slothify-up-"+id+"-in.png")
	outFile := filepath.Join(s.tempDir, "slothify-up-"+id+"-out.png")
	defer os.Remove(inFile)
	defer os.Remove(outFile)

	if err := imaging.SavePNG(inFile, img); err != nil {
		return nil, fmt.Errorf("write upscaler input: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// The release zip nests its model files below the install dir.
	args := []string{
		"-i", inFile,
		"-o", outFile,
		"-m", artifacts.FindModelsDir(s.modelsDir),
		"-n", opts.ModelName,
		"-s", strconv.Itoa(opts.Scale),
		"-g", strconv.Itoa(s.gpu),
		"-j", s.threads,
		"-f", "png",
	}

	start := time.Now()
	cmd := exec.CommandContext(runCtx, exe, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: upscaler exceeded %s", stage.ErrTimeout, s.timeout)
		}
		return nil, fmt.Errorf("%w: upscaler: %v: %s", stage.ErrSubprocessFailed, err, tail(output))
	}
	// A zero exit alone proves nothing; the executable must have
	// produced the output file.
	if _, statErr := os.Stat(outFile); statErr != nil {
		return nil, fmt.Errorf("%w: upscaler exited cleanly but wrote no output: %s", stage.ErrSubprocessFailed, tail(output))
	}

	result, err := imaging.Load(outFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read upscaler output: %v", stage.ErrSubprocessFailed, err)
	}

	s.log.Debug("upscale complete",
		"model", opts.ModelName,
		"scale", opts.Scale,
		"size", fmt.Sprintf("%dx%d", result.Width, result.Height),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result.ToRGB(), nil
}

// tail keeps the last few lines of subprocess output for error messages.
func tail(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " | ")
}
