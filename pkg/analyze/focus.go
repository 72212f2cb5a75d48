package analyze

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// FocusCalibration holds the per-lens normalization constants for the
// three focus measures. The stock-lens values are below; sites with other
// glass override them in config.
type FocusCalibration struct {
	Laplacian float64
	Sobel     float64
	HighFreq  float64
}

// DefaultFocusCalibration matches the fleet's stock lens.
var DefaultFocusCalibration = FocusCalibration{Laplacian: 500, Sobel: 50, HighFreq: 20}

// FocusMetrics is the sharpness measurement of one frame. Score is 0..100.
type FocusMetrics struct {
	Sharpness   float64 // variance of the Laplacian
	EdgeDensity float64 // mean Sobel gradient magnitude
	HighFreq    float64 // mean abs deviation from a 3x3 mean filter
	Score       float64
}

// ComputeFocus measures sharpness over the luma plane of a packed RGB24
// buffer. Focus is measured, never actuated; the numbers feed logs and
// the dashboard.
func ComputeFocus(pix []byte, w, h int, cal FocusCalibration) (FocusMetrics, error) {
	var fm FocusMetrics
	if len(pix) < 3*w*h || w == 0 || h == 0 {
		return fm, fmt.Errorf("focus: short buffer (%d for %dx%d)", len(pix), w, h)
	}

	rgb, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, pix)
	if err != nil {
		return fm, fmt.Errorf("focus: mat: %w", err)
	}
	defer rgb.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(rgb, &gray, gocv.ColorRGBToGray)

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)
	lapVals, err := lap.DataPtrFloat64()
	if err != nil {
		return fm, fmt.Errorf("focus: laplacian data: %w", err)
	}
	fm.Sharpness = variance(lapVals)

	gx := gocv.NewMat()
	defer gx.Close()
	gy := gocv.NewMat()
	defer gy.Close()
	gocv.Sobel(gray, &gx, gocv.MatTypeCV64F, 1, 0, 3, 1, 0, gocv.BorderDefault)
	gocv.Sobel(gray, &gy, gocv.MatTypeCV64F, 0, 1, 3, 1, 0, gocv.BorderDefault)
	xs, err := gx.DataPtrFloat64()
	if err != nil {
		return fm, fmt.Errorf("focus: sobel data: %w", err)
	}
	ys, err := gy.DataPtrFloat64()
	if err != nil {
		return fm, fmt.Errorf("focus: sobel data: %w", err)
	}
	var magSum float64
	for i := range xs {
		magSum += math.Hypot(xs[i], ys[i])
	}
	if len(xs) > 0 {
		fm.EdgeDensity = magSum / float64(len(xs))
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.Blur(gray, &blurred, image.Pt(3, 3))
	g, err := gray.DataPtrUint8()
	if err != nil {
		return fm, fmt.Errorf("focus: gray data: %w", err)
	}
	b, err := blurred.DataPtrUint8()
	if err != nil {
		return fm, fmt.Errorf("focus: blur data: %w", err)
	}
	var devSum float64
	for i := range g {
		d := int(g[i]) - int(b[i])
		if d < 0 {
			d = -d
		}
		devSum += float64(d)
	}
	if len(g) > 0 {
		fm.HighFreq = devSum / float64(len(g))
	}

	fm.Score = combineFocusScore(fm.Sharpness, fm.EdgeDensity, fm.HighFreq, cal)
	return fm, nil
}

// combineFocusScore folds the three measures into one 0..100 number.
// Each term is normalized by its calibration constant and saturates at 1
// before weighting, so a single very sharp measure cannot dominate.
func combineFocusScore(lap, sobel, hf float64, cal FocusCalibration) float64 {
	n := func(v, scale float64) float64 {
		if scale <= 0 {
			return 0
		}
		return math.Min(v/scale, 1)
	}
	score := 0.5*n(lap, cal.Laplacian) + 0.3*n(sobel, cal.Sobel) + 0.2*n(hf, cal.HighFreq)
	return score * 100
}

func variance(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	return sq / float64(len(vals))
}
