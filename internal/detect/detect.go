package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/agrovision/riceguard/internal/logger"
	"github.com/agrovision/riceguard/pkg/types"
)

var (
	// ErrModelUnavailable is returned when the model artifact cannot be loaded.
	ErrModelUnavailable = errors.New("detection model unavailable")
	// ErrInferenceError is returned for per-request runtime failures.
	ErrInferenceError = errors.New("inference failed")
)

// Options configures an Engine.
type Options struct {
	ConfidenceThreshold float64
	IoUThreshold        float64
	Logger              *logger.Logger
	// OnSwap is called after every successful model (re)load.
	OnSwap func()
}

// Engine wraps a loaded detection model and its postprocessing pipeline.
// The model is treated as a shared read-only resource; inference calls are
// serialized because the underlying session is not concurrent-safe.
type Engine struct {
	inferMu sync.Mutex
	modelMu sync.RWMutex
	model   Model

	load        LoaderFunc
	scoreFilter Postprocessor
	nmsFilter   Postprocessor
	log         *logger.Logger
	onSwap      func()
}

// NewEngine creates an Engine and attempts the initial model load. On load
// failure the engine is still returned: every Detect call fails with
// ErrModelUnavailable until a Reload succeeds, and the error is surfaced so
// the caller can treat it as a startup failure.
func NewEngine(load LoaderFunc, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	e := &Engine{
		load:        load,
		scoreFilter: NewScoreFilter(opts.ConfidenceThreshold),
		nmsFilter:   NewNMSFilter(opts.IoUThreshold),
		log:         opts.Logger,
		onSwap:      opts.OnSwap,
	}

	if err := e.Reload(); err != nil {
		return e, err
	}
	return e, nil
}

// Reload loads the model artifact and atomically swaps it in.
func (e *Engine) Reload() error {
	model, err := e.load()
	if err != nil {
		e.log.Error("Detect", "model load failed: %v", err)
		return err
	}

	e.modelMu.Lock()
	old := e.model
	e.model = model
	e.modelMu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			e.log.Warn("Detect", "closing previous model: %v", err)
		}
	}

	w, h := model.InputSize()
	e.log.Info("Detect", "model loaded: input %dx%d, %d classes", w, h, len(model.Labels()))
	if e.onSwap != nil {
		e.onSwap()
	}
	return nil
}

// Ready reports whether a model is currently loaded.
func (e *Engine) Ready() bool {
	return e.current() != nil
}

// InputSize implements ingest.Geometry. Returns zero before the first
// successful load.
func (e *Engine) InputSize() (int, int) {
	model := e.current()
	if model == nil {
		return 0, 0
	}
	return model.InputSize()
}

// Detect runs the model over a normalized image and returns the postprocessed
// detections in source pixel coordinates, ordered by descending confidence.
// Deterministic for a fixed artifact and fixed thresholds.
func (e *Engine) Detect(ctx context.Context, asset *types.ImageAsset) (types.DetectionSet, error) {
	model := e.current()
	if model == nil {
		return nil, ErrModelUnavailable
	}

	input := asset.Input
	if input == nil {
		input = asset.Image
	}
	w, h := input.Bounds().Dx(), input.Bounds().Dy()

	tensor := imageToTensor(input)

	e.inferMu.Lock()
	data, shape, err := model.Infer(ctx, tensor)
	e.inferMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceError, err)
	}

	raw, err := decodeOutput(data, shape, model.Labels())
	if err != nil {
		return nil, err
	}

	dets := e.scoreFilter(raw)
	dets = e.nmsFilter(dets)

	if asset.Input != nil {
		dets = unmapDetections(dets, asset.Transform, asset.Width, asset.Height)
	} else {
		dets = clampDetections(dets, w, h)
	}

	sortDetections(dets)
	return dets, nil
}

// Close releases the loaded model.
func (e *Engine) Close() error {
	e.modelMu.Lock()
	model := e.model
	e.model = nil
	e.modelMu.Unlock()

	if model == nil {
		return nil
	}
	return model.Close()
}

func (e *Engine) current() Model {
	e.modelMu.RLock()
	defer e.modelMu.RUnlock()
	return e.model
}

// imageToTensor converts an RGBA image into a 1x3xHxW float32 tensor scaled
// to [0,1].
func imageToTensor(img *image.RGBA) []float32 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	plane := w * h
	out := make([]float32, 3*plane)

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			idx := y*w + x
			out[idx] = float32(row[x*4]) / 255.0
			out[plane+idx] = float32(row[x*4+1]) / 255.0
			out[2*plane+idx] = float32(row[x*4+2]) / 255.0
		}
	}
	return out
}

// decodeOutput turns a raw YOLO output tensor into detections in model input
// coordinates. Supports the v8 layout [1, 4+nc, N] and the v5 layout
// [1, N, 5+nc].
func decodeOutput(data []float32, shape []int64, labels []string) ([]types.Detection, error) {
	if len(shape) != 3 || shape[0] != 1 {
		return nil, fmt.Errorf("%w: unexpected output shape %v", ErrInferenceError, shape)
	}
	if int64(len(data)) != shape[0]*shape[1]*shape[2] {
		return nil, fmt.Errorf("%w: output shape %v does not match %d tensor values", ErrInferenceError, shape, len(data))
	}
	nc := int64(len(labels))

	switch {
	case shape[1] == 4+nc:
		return decodeAttrsMajor(data, int(shape[2]), labels), nil
	case shape[2] == 5+nc:
		return decodeDetsMajor(data, int(shape[1]), labels), nil
	default:
		return nil, fmt.Errorf("%w: output shape %v does not match %d classes", ErrInferenceError, shape, nc)
	}
}

// decodeAttrsMajor handles [1, 4+nc, N]: rows are cx, cy, w, h followed by
// one score row per class.
func decodeAttrsMajor(data []float32, n int, labels []string) []types.Detection {
	dets := make([]types.Detection, 0, n)
	for i := 0; i < n; i++ {
		cx := float64(data[0*n+i])
		cy := float64(data[1*n+i])
		bw := float64(data[2*n+i])
		bh := float64(data[3*n+i])

		best, score := -1, 0.0
		for c := range labels {
			if s := float64(data[(4+c)*n+i]); s > score {
				best, score = c, s
			}
		}
		if best < 0 {
			continue
		}
		dets = append(dets, centerBox(cx, cy, bw, bh, score, labels[best]))
	}
	return dets
}

// decodeDetsMajor handles [1, N, 5+nc]: each row is cx, cy, w, h, objectness
// followed by class scores; confidence is objectness times class score.
func decodeDetsMajor(data []float32, n int, labels []string) []types.Detection {
	stride := 5 + len(labels)
	dets := make([]types.Detection, 0, n)
	for i := 0; i < n; i++ {
		row := data[i*stride : (i+1)*stride]
		obj := float64(row[4])

		best, score := -1, 0.0
		for c := range labels {
			if s := float64(row[5+c]); s > score {
				best, score = c, s
			}
		}
		if best < 0 {
			continue
		}
		dets = append(dets, centerBox(float64(row[0]), float64(row[1]), float64(row[2]), float64(row[3]), obj*score, labels[best]))
	}
	return dets
}

func centerBox(cx, cy, w, h, score float64, label string) types.Detection {
	return types.Detection{
		Label:      label,
		Confidence: score,
		Box: types.BoundingBox{
			X:      int(cx - w/2 + 0.5),
			Y:      int(cy - h/2 + 0.5),
			Width:  int(w + 0.5),
			Height: int(h + 0.5),
		},
	}
}

// unmapDetections maps boxes from letterboxed input coordinates back to the
// original source geometry, clamped to the source bounds.
func unmapDetections(dets []types.Detection, tf types.Letterbox, srcW, srcH int) []types.Detection {
	if tf.Scale == 0 {
		return clampDetections(dets, srcW, srcH)
	}
	out := make([]types.Detection, 0, len(dets))
	for _, d := range dets {
		x0 := (float64(d.Box.X) - float64(tf.PadX)) / tf.Scale
		y0 := (float64(d.Box.Y) - float64(tf.PadY)) / tf.Scale
		x1 := (float64(d.Box.X+d.Box.Width) - float64(tf.PadX)) / tf.Scale
		y1 := (float64(d.Box.Y+d.Box.Height) - float64(tf.PadY)) / tf.Scale

		d.Box = types.BoundingBox{
			X:      int(x0 + 0.5),
			Y:      int(y0 + 0.5),
			Width:  int(x1 - x0 + 0.5),
			Height: int(y1 - y0 + 0.5),
		}
		out = append(out, d)
	}
	return clampDetections(out, srcW, srcH)
}

// clampDetections clips boxes to the image bounds and drops degenerate ones.
func clampDetections(dets []types.Detection, w, h int) []types.Detection {
	out := make([]types.Detection, 0, len(dets))
	for _, d := range dets {
		x0 := max(d.Box.X, 0)
		y0 := max(d.Box.Y, 0)
		x1 := min(d.Box.X+d.Box.Width, w)
		y1 := min(d.Box.Y+d.Box.Height, h)
		if x1 <= x0 || y1 <= y0 {
			continue
		}
		d.Box = types.BoundingBox{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
		out = append(out, d)
	}
	return out
}
