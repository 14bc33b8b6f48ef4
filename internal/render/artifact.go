package render

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ArtifactWriter persists annotated images as timestamped JPEG files under a
// base path.
type ArtifactWriter struct {
	mu       sync.Mutex
	basePath string
	quality  int
	seq      uint64
}

// NewArtifactWriter creates the output directory if needed.
func NewArtifactWriter(basePath string, quality int) (*ArtifactWriter, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &ArtifactWriter{basePath: basePath, quality: quality}, nil
}

// Write encodes img to a new artifact file and returns its path.
func (w *ArtifactWriter) Write(img image.Image) (string, error) {
	w.mu.Lock()
	w.seq++
	seq := w.seq
	w.mu.Unlock()

	// Sequence number keeps names unique within one timestamp second.
	name := fmt.Sprintf("detection_%s_%04d.jpg", time.Now().Format("20060102_150405"), seq)
	path := filepath.Join(w.basePath, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create artifact file: %w", err)
	}

	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: w.quality}); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("encode artifact: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("sync artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	return path, nil
}
