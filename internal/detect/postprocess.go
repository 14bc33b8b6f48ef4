package detect

import (
	"sort"

	"github.com/agrovision/riceguard/pkg/types"
)

// Postprocessor filters or modifies an incoming slice of detections.
type Postprocessor func([]types.Detection) []types.Detection

// NewScoreFilter returns a function that discards detections below a
// confidence threshold.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []types.Detection) []types.Detection {
		out := make([]types.Detection, 0, len(in))
		for _, d := range in {
			if d.Confidence >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewNMSFilter returns a non-maximum-suppression pass: overlapping boxes of
// the same class above the IoU threshold collapse into the single
// highest-confidence box per cluster.
func NewNMSFilter(iouThreshold float64) Postprocessor {
	return func(in []types.Detection) []types.Detection {
		if len(in) < 2 {
			return in
		}

		cand := make([]types.Detection, len(in))
		copy(cand, in)
		sortDetections(cand)

		out := make([]types.Detection, 0, len(cand))
		suppressed := make([]bool, len(cand))
		for i := range cand {
			if suppressed[i] {
				continue
			}
			out = append(out, cand[i])
			for j := i + 1; j < len(cand); j++ {
				if suppressed[j] || cand[j].Label != cand[i].Label {
					continue
				}
				if boxIoU(cand[i].Box, cand[j].Box) > iouThreshold {
					suppressed[j] = true
				}
			}
		}
		return out
	}
}

// boxIoU computes intersection over union of two boxes.
func boxIoU(a, b types.BoundingBox) float64 {
	ix0 := max(a.X, b.X)
	iy0 := max(a.Y, b.Y)
	ix1 := min(a.X+a.Width, b.X+b.Width)
	iy1 := min(a.Y+a.Height, b.Y+b.Height)

	iw := ix1 - ix0
	ih := iy1 - iy0
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := float64(iw * ih)
	union := float64(a.Width*a.Height+b.Width*b.Height) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// sortDetections orders by descending confidence, with deterministic
// tie-breaks so repeated runs produce identical sets.
func sortDetections(dets []types.Detection) {
	sort.SliceStable(dets, func(i, j int) bool {
		if dets[i].Confidence != dets[j].Confidence {
			return dets[i].Confidence > dets[j].Confidence
		}
		if dets[i].Label != dets[j].Label {
			return dets[i].Label < dets[j].Label
		}
		if dets[i].Box.X != dets[j].Box.X {
			return dets[i].Box.X < dets[j].Box.X
		}
		return dets[i].Box.Y < dets[j].Box.Y
	})
}
