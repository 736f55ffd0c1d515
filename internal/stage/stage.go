package stage

import (
	"context"
	"errors"

	"slothify/internal/imaging"
)

// Error kinds surfaced by stages. Hard failures abort only the owning
// image's pipeline run; they are never raised across image boundaries.
var (
	// ErrModelNotInstalled means a required artifact could not be made ready.
	ErrModelNotInstalled = errors.New("model not installed")

	// ErrSubprocessFailed means an external executable exited non-zero or
	// did not produce its output file.
	ErrSubprocessFailed = errors.New("subprocess failed")

	// ErrInferenceFailed means the model runtime errored during execution.
	ErrInferenceFailed = errors.New("inference failed")

	// ErrTimeout means a subprocess exceeded its execution bound.
	ErrTimeout = errors.New("subprocess timed out")
)

// Kind maps an error to its short reason for reporting.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrModelNotInstalled):
		return "ModelNotInstalled"
	case errors.Is(err, ErrSubprocessFailed):
		return "SubprocessFailed"
	case errors.Is(err, ErrInferenceFailed):
		return "InferenceFailed"
	default:
		return "Error"
	}
}

// Stage is one image-to-image transformation backed by an external model
// or executable. Implementations must not mutate their input buffer; they
// return a new buffer, or the input itself for a logged no-op.
type Stage interface {
	Name() string

	// InputLayout is the channel layout the stage requires. The
	// orchestrator widens RGB to RGBA as needed before calling Process.
	InputLayout() imaging.Layout

	// OutputLayout is the layout Process produces on success.
	OutputLayout() imaging.Layout

	Process(ctx context.Context, img *imaging.Buffer, opts *Options) (*imaging.Buffer, error)
}
