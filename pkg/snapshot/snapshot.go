// Package snapshot writes per-cycle JPEG stills for operators.
package snapshot

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"time"

	"github.com/surfai/zcamd/pkg/stream"
)

// Quality matches the operator expectation of near-lossless stills.
const Quality = 100

// Writer drops frames under <base>/zcam/ named <cameraID><HHMM>.JPG, so
// one file per camera per minute and reruns overwrite.
type Writer struct {
	base     string
	cameraID string
}

// NewWriter creates the output directory if needed.
func NewWriter(base, cameraID string) (*Writer, error) {
	dir := filepath.Join(base, "zcam")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir %s: %w", dir, err)
	}
	return &Writer{base: base, cameraID: cameraID}, nil
}

// Path returns where a frame taken at t lands.
func (w *Writer) Path(t time.Time) string {
	return filepath.Join(w.base, "zcam", w.cameraID+t.Format("1504")+".JPG")
}

// Write encodes the frame and writes it atomically (temp file + rename).
func (w *Writer) Write(f *stream.Frame, t time.Time) error {
	data, err := Encode(f, Quality)
	if err != nil {
		return err
	}
	path := w.Path(t)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("snapshot: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

// Encode converts a packed RGB24 frame to JPEG bytes.
func Encode(f *stream.Frame, quality int) ([]byte, error) {
	if f == nil || len(f.Pix) < 3*f.Width*f.Height {
		return nil, fmt.Errorf("snapshot: short frame")
	}
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, o := 0, 0; i < f.Width*f.Height; i++ {
		img.Pix[4*i] = f.Pix[o]
		img.Pix[4*i+1] = f.Pix[o+1]
		img.Pix[4*i+2] = f.Pix[o+2]
		img.Pix[4*i+3] = 0xFF
		o += 3
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("snapshot: encode: %w", err)
	}
	return buf.Bytes(), nil
}
