package render

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"strings"
	"testing"

	"github.com/agrovision/riceguard/internal/logger"
	"github.com/agrovision/riceguard/pkg/types"
)

func testAsset(w, h int) *types.ImageAsset {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	return &types.ImageAsset{Image: img, Width: w, Height: h}
}

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := New(t.TempDir(), 90, logger.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

func TestRenderEmptySetNeverFails(t *testing.T) {
	r := newTestRenderer(t)
	report, err := r.Render(testAsset(100, 100), nil)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if report.Summary != "no detections" {
		t.Fatalf("Summary = %q, want %q", report.Summary, "no detections")
	}
	if len(report.Classes) != 0 {
		t.Fatalf("Classes = %+v, want empty", report.Classes)
	}
	if _, err := os.Stat(report.ArtifactPath); err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
}

func TestRenderDoesNotMutateSource(t *testing.T) {
	r := newTestRenderer(t)
	asset := testAsset(100, 100)
	before := make([]byte, len(asset.Image.Pix))
	copy(before, asset.Image.Pix)

	dets := types.DetectionSet{
		{Label: "weed", Confidence: 0.9, Box: types.BoundingBox{X: 10, Y: 10, Width: 40, Height: 40}},
	}
	if _, err := r.Render(asset, dets); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !bytes.Equal(before, asset.Image.Pix) {
		t.Fatalf("Render() mutated the source image")
	}
}

func TestSummaryOrdering(t *testing.T) {
	dets := types.DetectionSet{
		{Label: "weed", Confidence: 0.8},
		{Label: "unhealthy-rice", Confidence: 0.6},
		{Label: "rice-plant", Confidence: 0.7},
		{Label: "rice-plant", Confidence: 0.9},
	}
	classes := summarize(dets)
	if len(classes) != 3 {
		t.Fatalf("summarize() returned %d classes, want 3", len(classes))
	}
	// rice-plant has the highest count; the singles tie-break alphabetically.
	if classes[0].Label != "rice-plant" || classes[1].Label != "unhealthy-rice" || classes[2].Label != "weed" {
		t.Fatalf("summary order = %s, %s, %s", classes[0].Label, classes[1].Label, classes[2].Label)
	}
	if classes[0].MeanConfidence != 0.8 {
		t.Fatalf("rice-plant mean confidence = %g, want 0.8", classes[0].MeanConfidence)
	}
}

func TestSummaryTextSingleWeed(t *testing.T) {
	dets := types.DetectionSet{
		{Label: "weed", Confidence: 0.9},
	}
	got := summaryText(summarize(dets))
	want := "weed: 1 (avg confidence 90.0%)"
	if got != want {
		t.Fatalf("summaryText = %q, want %q", got, want)
	}
}

func TestClassColorIsDeterministic(t *testing.T) {
	if classColor("weed") != classColor("weed") {
		t.Fatalf("classColor is not stable for the same label")
	}
}

func TestRenderDrawsBox(t *testing.T) {
	r := newTestRenderer(t)
	asset := testAsset(100, 100)
	dets := types.DetectionSet{
		{Label: "weed", Confidence: 0.9, Box: types.BoundingBox{X: 20, Y: 20, Width: 40, Height: 40}},
	}

	overlay := cloneRGBA(asset.Image)
	drawBox(overlay, dets[0].Box.Rect(), classColor("weed"))

	want := classColor("weed")
	got := overlay.RGBAAt(20, 20)
	if got != want {
		t.Fatalf("box corner pixel = %+v, want %+v", got, want)
	}
	// Interior stays untouched.
	if c := overlay.RGBAAt(40, 40); c != (color.RGBA{R: 200, G: 200, B: 200, A: 200}) {
		t.Fatalf("interior pixel changed: %+v", c)
	}

	report, err := r.Render(asset, dets)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(report.Summary, "weed: 1") {
		t.Fatalf("Summary = %q", report.Summary)
	}
}
