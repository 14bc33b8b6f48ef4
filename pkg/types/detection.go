package types

import (
	"image"
	"time"
)

// Source describes where an image came from: a file on disk, or a frame
// captured in memory (e.g. a camera snapshot handed over by the UI layer).
type Source struct {
	Path     string    // File path, when loading from disk
	Buffer   []byte    // Encoded image bytes, when captured in memory
	Captured time.Time // Capture timestamp for in-memory frames
}

// FromFile returns true when the source refers to a file on disk.
func (s Source) FromFile() bool {
	return s.Path != ""
}

// BoundingBox is an axis-aligned box in source image pixel coordinates.
type BoundingBox struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// Detection is one labeled, scored, localized prediction for a single object.
type Detection struct {
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"box"`
}

// DetectionSet is the ordered sequence of detections produced for one image.
// Ordering is by descending confidence and carries no semantic meaning.
type DetectionSet []Detection

// Letterbox records how a source image was fitted into the model's fixed
// input geometry, so output coordinates can be mapped back to the source.
type Letterbox struct {
	Scale float64 // Source-to-input scale factor
	PadX  int     // Horizontal padding on each side, in input pixels
	PadY  int     // Vertical padding on each side, in input pixels
}

// ImageAsset is a decoded, normalized image owned by a single request.
type ImageAsset struct {
	Image      *image.RGBA // Decoded source image, RGBA channel order
	Width      int         // Source width in pixels
	Height     int         // Source height in pixels
	SourcePath string      // Origin path, empty for captured frames
	Captured   time.Time   // Capture timestamp, zero for file sources

	// Input is the letterboxed copy sized for the model, nil when the
	// engine accepts the native geometry.
	Input     *image.RGBA
	Transform Letterbox
}

// ClassSummary aggregates detections of one class for reporting.
type ClassSummary struct {
	Label          string  `json:"label"`
	Count          int     `json:"count"`
	MeanConfidence float64 `json:"mean_confidence"`
}

// DetectionReport is the rendered artifact plus its textual summary.
type DetectionReport struct {
	ArtifactPath string        `json:"artifact_path"`
	Detections   DetectionSet  `json:"detections"`
	Classes      []ClassSummary `json:"classes"`
	Summary      string        `json:"summary"`
	CreatedAt    time.Time     `json:"created_at"`
}

// JobStatus is the lifecycle state of a notification job.
type JobStatus string

// Notification job states. Delivered, Failed and Suppressed are terminal.
const (
	JobPending    JobStatus = "pending"
	JobDelivering JobStatus = "delivering"
	JobDelivered  JobStatus = "delivered"
	JobFailed     JobStatus = "failed"
	JobSuppressed JobStatus = "suppressed"
)

// Terminal returns true when no further transition can occur.
func (s JobStatus) Terminal() bool {
	return s == JobDelivered || s == JobFailed || s == JobSuppressed
}

// NotificationJob tracks one outbound alert until it reaches a terminal state.
type NotificationJob struct {
	ID        string           `json:"id"`
	Recipient string           `json:"recipient"`
	FarmerName string          `json:"farmer_name"`
	Location  string           `json:"location"`
	Report    *DetectionReport `json:"report"`
	Attempts  int              `json:"attempts"`
	Status    JobStatus        `json:"status"`
	LastError string           `json:"last_error,omitempty"`
}
