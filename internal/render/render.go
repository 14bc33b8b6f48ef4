package render

import (
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"
	"sort"
	"strings"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/agrovision/riceguard/internal/logger"
	"github.com/agrovision/riceguard/pkg/types"
)

// boxPalette provides visually distinct overlay colors. A class label always
// maps to the same entry, so repeated runs produce identical overlays.
var boxPalette = []color.RGBA{
	{R: 220, G: 38, B: 38, A: 255},  // red
	{R: 22, G: 163, B: 74, A: 255},  // green
	{R: 37, G: 99, B: 235, A: 255},  // blue
	{R: 234, G: 179, B: 8, A: 255},  // yellow
	{R: 168, G: 85, B: 247, A: 255}, // purple
	{R: 249, G: 115, B: 22, A: 255}, // orange
	{R: 6, G: 182, B: 212, A: 255},  // cyan
	{R: 236, G: 72, B: 153, A: 255}, // pink
}

const boxThickness = 2

// Renderer draws detections onto a copy of the source image and produces the
// report artifact and summary.
type Renderer struct {
	artifacts *ArtifactWriter
	log       *logger.Logger
}

// New creates a Renderer writing artifacts under outputDir.
func New(outputDir string, jpegQuality int, log *logger.Logger) (*Renderer, error) {
	if log == nil {
		log = logger.Default()
	}
	writer, err := NewArtifactWriter(outputDir, jpegQuality)
	if err != nil {
		return nil, err
	}
	return &Renderer{artifacts: writer, log: log}, nil
}

// Render draws each detection with its label and confidence onto a copy of
// the source image, writes the artifact, and builds the textual summary.
// An empty detection set yields a valid "no detections" report.
func (r *Renderer) Render(asset *types.ImageAsset, dets types.DetectionSet) (*types.DetectionReport, error) {
	overlay := cloneRGBA(asset.Image)

	for _, d := range dets {
		col := classColor(d.Label)
		drawBox(overlay, d.Box.Rect(), col)
		drawLabel(overlay, d, col)
	}

	classes := summarize(dets)
	summary := summaryText(classes)

	path, err := r.artifacts.Write(overlay)
	if err != nil {
		return nil, err
	}

	r.log.Debug("Render", "artifact %s: %s", path, summary)
	return &types.DetectionReport{
		ArtifactPath: path,
		Detections:   dets,
		Classes:      classes,
		Summary:      summary,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// classColor maps a label to a stable palette entry.
func classColor(label string) color.RGBA {
	h := fnv.New32a()
	h.Write([]byte(label))
	return boxPalette[h.Sum32()%uint32(len(boxPalette))]
}

// cloneRGBA copies an image so the source is never mutated.
func cloneRGBA(src *image.RGBA) *image.RGBA {
	out := image.NewRGBA(src.Bounds())
	copy(out.Pix, src.Pix)
	return out
}

// drawBox strokes a rectangle outline.
func drawBox(img *image.RGBA, rect image.Rectangle, col color.RGBA) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	u := image.NewUniform(col)

	top := image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+boxThickness)
	bottom := image.Rect(rect.Min.X, rect.Max.Y-boxThickness, rect.Max.X, rect.Max.Y)
	left := image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+boxThickness, rect.Max.Y)
	right := image.Rect(rect.Max.X-boxThickness, rect.Min.Y, rect.Max.X, rect.Max.Y)
	for _, edge := range []image.Rectangle{top, bottom, left, right} {
		draw.Draw(img, edge.Intersect(img.Bounds()), u, image.Point{}, draw.Src)
	}
}

// drawLabel paints "label NN%" on a filled background above the box, or
// inside it when the box touches the top edge.
func drawLabel(img *image.RGBA, d types.Detection, col color.RGBA) {
	face := basicfont.Face7x13
	text := fmt.Sprintf("%s %.0f%%", d.Label, d.Confidence*100)

	width := font.MeasureString(face, text).Ceil() + 4
	height := face.Metrics().Height.Ceil() + 2

	x := d.Box.X
	y := d.Box.Y - height
	if y < 0 {
		y = d.Box.Y
	}
	bg := image.Rect(x, y, x+width, y+height).Intersect(img.Bounds())
	if bg.Empty() {
		return
	}
	draw.Draw(img, bg, image.NewUniform(col), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(x+2, y+face.Metrics().Ascent.Ceil()),
	}
	drawer.DrawString(text)
}

// summarize aggregates per-class counts and mean confidence, sorted by
// descending count then alphabetically for tie-break determinism.
func summarize(dets types.DetectionSet) []types.ClassSummary {
	type agg struct {
		count int
		sum   float64
	}
	byClass := make(map[string]*agg)
	for _, d := range dets {
		a := byClass[d.Label]
		if a == nil {
			a = &agg{}
			byClass[d.Label] = a
		}
		a.count++
		a.sum += d.Confidence
	}

	out := make([]types.ClassSummary, 0, len(byClass))
	for label, a := range byClass {
		out = append(out, types.ClassSummary{
			Label:          label,
			Count:          a.count,
			MeanConfidence: a.sum / float64(a.count),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// summaryText renders the class summaries as a single line.
func summaryText(classes []types.ClassSummary) string {
	if len(classes) == 0 {
		return "no detections"
	}
	parts := make([]string, 0, len(classes))
	for _, c := range classes {
		parts = append(parts, fmt.Sprintf("%s: %d (avg confidence %.1f%%)", c.Label, c.Count, c.MeanConfidence*100))
	}
	return strings.Join(parts, "; ")
}
