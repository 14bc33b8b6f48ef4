package detect

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/agrovision/riceguard/internal/config"
)

// Model abstracts a loaded detection model artifact. Implementations are not
// required to be safe for concurrent Infer calls; the Engine serializes them.
type Model interface {
	// InputSize returns the fixed input geometry expected by the model.
	InputSize() (width, height int)
	// Labels returns the class label set, indexed by class id.
	Labels() []string
	// Infer runs a forward pass over a 1x3xHxW float32 tensor and returns
	// the raw output tensor with its shape.
	Infer(ctx context.Context, input []float32) ([]float32, []int64, error)
	Close() error
}

// LoaderFunc produces a Model from an artifact. Called at startup and again
// on every reload.
type LoaderFunc func() (Model, error)

var (
	ortOnce    sync.Once
	ortInitErr error
)

// initRuntime initializes the ONNX Runtime environment once per process.
func initRuntime(libraryPath string) error {
	ortOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ONNXLoader returns a LoaderFunc that loads the configured ONNX artifact.
func ONNXLoader(cfg config.DetectionConfig) LoaderFunc {
	return func() (Model, error) {
		return loadONNX(cfg)
	}
}

type onnxModel struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	width      int
	height     int
	labels     []string
}

func loadONNX(cfg config.DetectionConfig) (Model, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, cfg.ModelPath)
	}
	if err := initRuntime(cfg.RuntimeLibrary); err != nil {
		return nil, fmt.Errorf("%w: initialize runtime: %v", ErrModelUnavailable, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read model metadata: %v", ErrModelUnavailable, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("%w: model has no inputs or outputs", ErrModelUnavailable)
	}

	dims := inputs[0].Dimensions
	if len(dims) != 4 {
		return nil, fmt.Errorf("%w: expected NCHW input, got %d dims", ErrModelUnavailable, len(dims))
	}
	height, width := int(dims[2]), int(dims[3])
	if height <= 0 || width <= 0 {
		// Dynamic axes: fall back to the common YOLO export size.
		height, width = 640, 640
	}

	labels, err := resolveLabels(cfg)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %v", ErrModelUnavailable, err)
	}

	return &onnxModel{
		session:    session,
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
		width:      width,
		height:     height,
		labels:     labels,
	}, nil
}

// resolveLabels reads the label set from the labels file when configured,
// otherwise from the config list.
func resolveLabels(cfg config.DetectionConfig) ([]string, error) {
	if cfg.LabelsPath != "" {
		labels, err := loadLabelFile(cfg.LabelsPath)
		if err != nil {
			return nil, fmt.Errorf("%w: labels: %v", ErrModelUnavailable, err)
		}
		return labels, nil
	}
	if len(cfg.Labels) > 0 {
		return cfg.Labels, nil
	}
	return nil, fmt.Errorf("%w: no label set configured", ErrModelUnavailable)
}

// loadLabelFile reads one label per line.
func loadLabelFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			labels = append(labels, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, errors.New("label file is empty")
	}
	return labels, nil
}

func (m *onnxModel) InputSize() (int, int) {
	return m.width, m.height
}

func (m *onnxModel) Labels() []string {
	return m.labels
}

func (m *onnxModel) Infer(ctx context.Context, input []float32) ([]float32, []int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	shape := ort.NewShape(1, 3, int64(m.height), int64(m.width))
	tensor, err := ort.NewTensor(shape, input)
	if err != nil {
		return nil, nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer tensor.Destroy()

	outputs := make([]ort.Value, 1)
	if err := m.session.Run([]ort.Value{tensor}, outputs); err != nil {
		return nil, nil, fmt.Errorf("forward pass: %w", err)
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		outputs[0].Destroy()
		return nil, nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	defer out.Destroy()

	// Copy out of the runtime-owned buffer before the tensor is destroyed.
	src := out.GetData()
	data := make([]float32, len(src))
	copy(data, src)

	outShape := out.GetShape()
	dims := make([]int64, len(outShape))
	copy(dims, outShape)

	return data, dims, nil
}

func (m *onnxModel) Close() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}
