package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"time"

	// Supported raster encodings.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"

	"github.com/agrovision/riceguard/pkg/types"
)

var (
	// ErrUnreadableSource is returned when the source is missing or not a decodable image.
	ErrUnreadableSource = errors.New("source is missing or not a decodable image")
	// ErrUnsupportedFormat is returned for recognizable but unsupported encodings.
	ErrUnsupportedFormat = errors.New("image format is not supported")
	// ErrEmptyFrame is returned when a captured buffer has zero dimensions.
	ErrEmptyFrame = errors.New("captured frame is empty")
)

// Geometry reports the fixed input size required by the detection engine.
// A zero size means the engine accepts native geometry.
type Geometry interface {
	InputSize() (width, height int)
}

// Ingestor decodes image sources and normalizes them for inference.
type Ingestor struct {
	geom Geometry
}

// New creates an Ingestor. geom may be nil when no resizing is required.
func New(geom Geometry) *Ingestor {
	return &Ingestor{geom: geom}
}

// Load decodes a source into a normalized ImageAsset. File sources fail with
// ErrUnreadableSource or ErrUnsupportedFormat; captured buffers additionally
// fail with ErrEmptyFrame when they carry no pixels.
func (in *Ingestor) Load(src types.Source) (*types.ImageAsset, error) {
	var (
		data     []byte
		captured time.Time
	)

	if src.FromFile() {
		b, err := os.ReadFile(src.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnreadableSource, src.Path)
		}
		data = b
	} else {
		if len(src.Buffer) == 0 {
			return nil, ErrEmptyFrame
		}
		data = src.Buffer
		captured = src.Captured
	}

	img, err := decode(data, src.FromFile())
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		if src.FromFile() {
			return nil, fmt.Errorf("%w: zero-sized image %s", ErrUnreadableSource, src.Path)
		}
		return nil, ErrEmptyFrame
	}

	asset := &types.ImageAsset{
		Image:      toRGBA(img),
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		SourcePath: src.Path,
		Captured:   captured,
	}

	if in.geom != nil {
		w, h := in.geom.InputSize()
		if w > 0 && h > 0 {
			asset.Input, asset.Transform = letterbox(asset.Image, w, h)
		}
	}
	return asset, nil
}

// decode decodes image bytes, distinguishing recognizable-but-unsupported
// container formats from plain garbage.
func decode(data []byte, fromFile bool) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}
	if format := sniffUnsupported(data); format != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if !fromFile && errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: truncated frame", ErrEmptyFrame)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnreadableSource, err)
}

// sniffUnsupported recognizes raster containers we deliberately do not decode.
func sniffUnsupported(data []byte) string {
	switch {
	case len(data) >= 2 && data[0] == 'B' && data[1] == 'M':
		return "bmp"
	case len(data) >= 4 && (bytes.HasPrefix(data, []byte("II*\x00")) || bytes.HasPrefix(data, []byte("MM\x00*"))):
		return "tiff"
	case len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "webp"
	default:
		return ""
	}
}

// toRGBA normalizes any decoded image to RGBA channel order.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == image.Pt(0, 0) {
		return rgba
	}
	bounds := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	xdraw.Draw(out, out.Bounds(), img, bounds.Min, xdraw.Src)
	return out
}

// letterbox fits src into a w x h canvas preserving aspect ratio, padding the
// remainder with neutral gray. The returned transform maps input coordinates
// back to source coordinates.
func letterbox(src *image.RGBA, w, h int) (*image.RGBA, types.Letterbox) {
	sw, sh := src.Bounds().Dx(), src.Bounds().Dy()

	scale := float64(w) / float64(sw)
	if s := float64(h) / float64(sh); s < scale {
		scale = s
	}
	dw := int(float64(sw)*scale + 0.5)
	dh := int(float64(sh)*scale + 0.5)
	padX := (w - dw) / 2
	padY := (h - dh) / 2

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	gray := image.NewUniform(color.RGBA{R: 114, G: 114, B: 114, A: 255})
	xdraw.Draw(out, out.Bounds(), gray, image.Point{}, xdraw.Src)

	dst := image.Rect(padX, padY, padX+dw, padY+dh)
	xdraw.ApproxBiLinear.Scale(out, dst, src, src.Bounds(), xdraw.Src, nil)

	return out, types.Letterbox{Scale: scale, PadX: padX, PadY: padY}
}
