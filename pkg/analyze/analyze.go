// Package analyze turns a decoded RGB frame into the photometric
// statistics the exposure policy consumes.
package analyze

import (
	"image"
	"math"
)

// DefaultTarget is the mean-luma target used when scoring a frame.
const DefaultTarget = 128.0

// Metrics is one frame's photometry. All percentage fields are 0..100.
// An empty or short pixel buffer yields a zero Metrics.
type Metrics struct {
	MeanBrightness    float64
	Contrast          float64 // stddev of luma
	HighlightsClipped float64 // % of pixels with luma >= 250
	ShadowsClipped    float64 // % of pixels with luma <= 5
	DynamicRange      float64 // max-min luma over pixels > 5

	Histogram [256]float64 // normalized, sums to 1

	// Tonal shares, summing to 100.
	Shadows    float64 // luma 0..84
	Midtones   float64 // luma 85..169
	Highlights float64 // luma 170..255

	ExposureScore float64 // 0..100, advisory

	Focus FocusMetrics
}

// Analyze measures a packed RGB24 buffer of w*h pixels. target feeds the
// exposure score only; the raw metrics are target-independent.
func Analyze(pix []byte, w, h int, target float64) Metrics {
	return AnalyzeRegion(pix, w, h, image.Rect(0, 0, w, h), target)
}

// AnalyzeRegion measures a sub-rectangle of the frame. The rectangle is
// clipped to the frame bounds; an empty intersection yields zero metrics.
func AnalyzeRegion(pix []byte, w, h int, r image.Rectangle, target float64) Metrics {
	var m Metrics
	r = r.Intersect(image.Rect(0, 0, w, h))
	if r.Empty() || len(pix) < 3*w*h {
		return m
	}

	var (
		sum, sumSq           float64
		hi, lo               int
		minLit, maxLit       = 255, 0
		litSeen              bool
		counts               [256]int
		nShadow, nMid, nHigh int
	)

	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := pix[3*y*w:]
		for x := r.Min.X; x < r.Max.X; x++ {
			o := 3 * x
			luma := lumaOf(row[o], row[o+1], row[o+2])

			fl := float64(luma)
			sum += fl
			sumSq += fl * fl
			counts[luma]++

			switch {
			case luma >= 250:
				hi++
			case luma <= 5:
				lo++
			}
			switch {
			case luma <= 84:
				nShadow++
			case luma <= 169:
				nMid++
			default:
				nHigh++
			}
			if luma > 5 {
				litSeen = true
				if luma < minLit {
					minLit = luma
				}
				if luma > maxLit {
					maxLit = luma
				}
			}
		}
	}

	n := float64(r.Dx() * r.Dy())
	m.MeanBrightness = sum / n
	variance := sumSq/n - m.MeanBrightness*m.MeanBrightness
	if variance > 0 {
		m.Contrast = math.Sqrt(variance)
	}
	m.HighlightsClipped = 100 * float64(hi) / n
	m.ShadowsClipped = 100 * float64(lo) / n
	if litSeen {
		m.DynamicRange = float64(maxLit - minLit)
	}
	for i, c := range counts {
		m.Histogram[i] = float64(c) / n
	}
	m.Shadows = 100 * float64(nShadow) / n
	m.Midtones = 100 * float64(nMid) / n
	m.Highlights = 100 * float64(nHigh) / n
	m.ExposureScore = Score(m, target)
	return m
}

// lumaOf is the BT.601 luma of one pixel, rounded to the nearest integer.
func lumaOf(r, g, b byte) int {
	y := int(0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b) + 0.5)
	if y > 255 {
		y = 255
	}
	return y
}

// Score is the deterministic exposure quality: 100 minus penalties for
// target deviation, clipping, flat or harsh contrast, and compressed
// dynamic range. Advisory only; the policy acts on the raw metrics.
func Score(m Metrics, target float64) float64 {
	s := 100.0

	s -= math.Min(math.Abs(m.MeanBrightness-target)*2, 50)
	s -= m.HighlightsClipped * 2
	s -= m.ShadowsClipped * 2

	if m.Contrast < 30 {
		s -= 30 - m.Contrast
	} else if m.Contrast > 80 {
		s -= (m.Contrast - 80) * 0.5
	}
	if m.DynamicRange < 200 {
		s -= (200 - m.DynamicRange) * 0.2
	}

	return math.Max(0, math.Min(100, s))
}

// Label is the coarse scene tag used in logs.
func Label(mean, target, tol float64) string {
	switch {
	case mean < target-tol:
		return "DARK"
	case mean > target+tol:
		return "BRIGHT"
	default:
		return "GOOD"
	}
}
