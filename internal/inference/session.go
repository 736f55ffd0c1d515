package inference

import (
	"fmt"
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"slothify/internal/stage"
)

// Session wraps one loaded ONNX model. Run is safe for concurrent use;
// the runtime serializes nothing here, so a mutex guards execution.
type Session struct {
	log  *slog.Logger
	path string

	session *ort.DynamicAdvancedSession
	inName  string
	outName string
	inShape []int64

	runMu sync.Mutex

	pool *Pool
	refs int
}

func newSession(log *slog.Logger, path string) (*Session, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("%w: inspect model %s: %v", stage.ErrInferenceFailed, path, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("%w: model %s has no usable inputs or outputs", stage.ErrInferenceFailed, path)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: session options: %v", stage.ErrInferenceFailed, err)
	}
	defer opts.Destroy()
	preferredProviders(log, opts)

	sess, err := ort.NewDynamicAdvancedSession(path,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: load model %s: %v", stage.ErrInferenceFailed, path, err)
	}

	shape := make([]int64, len(inputs[0].Dimensions))
	copy(shape, inputs[0].Dimensions)

	log.Debug("model session created",
		"path", path,
		"input", inputs[0].Name,
		"output", outputs[0].Name,
		"shape", shape,
	)

	return &Session{
		log:     log,
		path:    path,
		session: sess,
		inName:  inputs[0].Name,
		outName: outputs[0].Name,
		inShape: shape,
	}, nil
}

// InputShape returns the model's declared input dimensions. Dynamic
// axes are reported as -1.
func (s *Session) InputShape() []int64 {
	out := make([]int64, len(s.inShape))
	copy(out, s.inShape)
	return out
}

// Run executes the model on a float32 tensor of the given shape and
// returns the first output tensor's data and shape.
func (s *Session) Run(data []float32, shape []int64) ([]float32, []int64, error) {
	in, err := ort.NewTensor(ort.NewShape(shape...), data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: input tensor: %v", stage.ErrInferenceFailed, err)
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}
	s.runMu.Lock()
	err = s.session.Run([]ort.Value{in}, outputs)
	s.runMu.Unlock()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", stage.ErrInferenceFailed, err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, nil, fmt.Errorf("%w: unexpected output tensor type", stage.ErrInferenceFailed)
	}

	outShape := out.GetShape()
	result := make([]float32, len(out.GetData()))
	copy(result, out.GetData())
	return result, outShape, nil
}

// Release returns the session to its pool.
func (s *Session) Release() {
	if s.pool != nil {
		s.pool.release(s)
	}
}

func (s *Session) destroy() {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
}
