package classifier

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Config describes the ONNX classification model.
type Config struct {
	// ModelPath is the .onnx file.
	ModelPath string

	// SharedLibraryPath points at libonnxruntime. Empty uses the loader default.
	SharedLibraryPath string

	// InputName and OutputName select the tensors. Empty picks the first
	// declared input and output.
	InputName  string
	OutputName string

	// Classes is the expected output width; 0 accepts whatever the model declares.
	Classes int

	// Threads bounds intra-op parallelism; 0 lets the runtime decide.
	Threads int
}

// The ONNX Runtime environment is process-wide; it stays up while any model is open.
var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if !ort.IsInitialized() {
			if err := ort.InitializeEnvironment(); err != nil {
				return fmt.Errorf("initialize onnxruntime: %w", err)
			}
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}

// ONNXModel is a Model backed by an ONNX Runtime session with a fixed
// [1, width] input.
type ONNXModel struct {
	session  *ort.DynamicAdvancedSession
	inWidth  int
	outWidth int
	once     sync.Once
	err      error
}

// OpenONNX loads config.ModelPath. Every failure wraps ErrModelLoad.
func OpenONNX(config Config) (*ONNXModel, error) {
	if _, err := os.Stat(config.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	if err := acquireEnvironment(config.SharedLibraryPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	m, err := openSession(config)
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	return m, nil
}

func openSession(config Config) (*ONNXModel, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(config.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("read model info: %w", err)
	}

	in, err := pickTensor(inputs, config.InputName, "input")
	if err != nil {
		return nil, err
	}
	out, err := pickTensor(outputs, config.OutputName, "output")
	if err != nil {
		return nil, err
	}

	inWidth := lastDim(in.Dimensions)
	outWidth := lastDim(out.Dimensions)
	if inWidth <= 0 {
		return nil, fmt.Errorf("input %q has no fixed width", in.Name)
	}
	if outWidth <= 0 {
		outWidth = config.Classes
	}
	if config.Classes > 0 && outWidth != config.Classes {
		return nil, fmt.Errorf("model has %d classes, configured for %d", outWidth, config.Classes)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()

	if config.Threads > 0 {
		if err := opts.SetIntraOpNumThreads(config.Threads); err != nil {
			return nil, fmt.Errorf("set thread count: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(config.ModelPath,
		[]string{in.Name}, []string{out.Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &ONNXModel{
		session:  session,
		inWidth:  inWidth,
		outWidth: outWidth,
	}, nil
}

func pickTensor(infos []ort.InputOutputInfo, name, kind string) (ort.InputOutputInfo, error) {
	if len(infos) == 0 {
		return ort.InputOutputInfo{}, fmt.Errorf("model declares no %s", kind)
	}
	if name == "" {
		return infos[0], nil
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return ort.InputOutputInfo{}, fmt.Errorf("model has no %s named %q", kind, name)
}

func lastDim(shape ort.Shape) int {
	if len(shape) == 0 {
		return 0
	}
	return int(shape[len(shape)-1])
}

// InputWidth returns the feature width the model accepts.
func (m *ONNXModel) InputWidth() int { return m.inWidth }

// OutputWidth returns the number of class scores.
func (m *ONNXModel) OutputWidth() int { return m.outWidth }

// Run scores one feature vector.
func (m *ONNXModel) Run(input []float32) ([]float32, error) {
	data := make([]float32, len(input))
	copy(data, input)

	tensor, err := ort.NewTensor(ort.NewShape(1, int64(len(data))), data)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer tensor.Destroy()

	outputs := make([]ort.Value, 1)
	if err := m.session.Run([]ort.Value{tensor}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output tensor is not float32")
	}

	// Copy before the tensor memory is destroyed.
	raw := out.GetData()
	scores := make([]float32, len(raw))
	copy(scores, raw)
	return scores, nil
}

// Close destroys the session and releases the environment.
func (m *ONNXModel) Close() error {
	m.once.Do(func() {
		if err := m.session.Destroy(); err != nil {
			m.err = err
		}
		if err := releaseEnvironment(); err != nil && m.err == nil {
			m.err = err
		}
	})
	return m.err
}
