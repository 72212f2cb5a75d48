// Package overlay composites exposure telemetry onto a preview frame for
// operators: camera id, clock, current settings and a luma histogram
// strip along the bottom edge.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"gocv.io/x/gocv"

	"github.com/surfai/zcamd/pkg/stream"
)

const (
	histHeight = 64
	histMargin = 8
)

// Info is what gets drawn.
type Info struct {
	CameraID string
	Time     time.Time
	ISO      int
	Iris     string
	EV       float64
	Mean     float64
	Score    float64
	Hist     [256]float64
}

// Render returns a copy of the frame with the overlay drawn in. The
// input frame is not modified.
func Render(f *stream.Frame, info Info) (*stream.Frame, error) {
	if f == nil || len(f.Pix) < 3*f.Width*f.Height {
		return nil, fmt.Errorf("overlay: short frame")
	}

	pix := append([]byte(nil), f.Pix...)
	mat, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, pix)
	if err != nil {
		return nil, fmt.Errorf("overlay: mat: %w", err)
	}
	defer mat.Close()

	white := color.RGBA{255, 255, 255, 0}
	black := color.RGBA{0, 0, 0, 0}

	lines := []string{
		fmt.Sprintf("%s  %s", info.CameraID, info.Time.Format("15:04:05")),
		fmt.Sprintf("ISO %d  f/%s  EV %+.1f", info.ISO, info.Iris, info.EV),
		fmt.Sprintf("mean %.0f  score %.0f", info.Mean, info.Score),
	}
	for i, s := range lines {
		org := image.Pt(12, 28+28*i)
		// Shadow first so the text stays readable on bright water.
		gocv.PutText(&mat, s, org.Add(image.Pt(1, 1)), gocv.FontHersheySimplex, 0.7, black, 2)
		gocv.PutText(&mat, s, org, gocv.FontHersheySimplex, 0.7, white, 2)
	}

	drawHistogram(&mat, f.Width, f.Height, info.Hist)

	out, err := mat.DataPtrUint8()
	if err != nil {
		return nil, fmt.Errorf("overlay: data: %w", err)
	}
	copy(pix, out)
	return &stream.Frame{Pix: pix, Width: f.Width, Height: f.Height}, nil
}

// drawHistogram paints the normalized luma histogram as a strip of
// vertical bars along the bottom of the frame.
func drawHistogram(mat *gocv.Mat, w, h int, hist [256]float64) {
	if h <= histHeight+2*histMargin || w <= 2*histMargin {
		return
	}
	heights := barHeights(hist, histHeight)

	x0 := histMargin
	y1 := h - histMargin
	plotW := w - 2*histMargin

	gocv.Rectangle(mat,
		image.Rect(x0, y1-histHeight, x0+plotW, y1),
		color.RGBA{0, 0, 0, 0}, -1)

	for i, bh := range heights {
		if bh == 0 {
			continue
		}
		x := x0 + i*plotW/256
		gocv.Line(mat,
			image.Pt(x, y1),
			image.Pt(x, y1-bh),
			color.RGBA{200, 200, 200, 0}, 1)
	}
}

// barHeights scales the histogram so its tallest bin fills the strip.
func barHeights(hist [256]float64, maxH int) [256]int {
	var out [256]int
	peak := 0.0
	for _, v := range hist {
		if v > peak {
			peak = v
		}
	}
	if peak == 0 {
		return out
	}
	for i, v := range hist {
		out[i] = int(v / peak * float64(maxH))
	}
	return out
}
