// Package exposure decides how to move the camera's exposure axes toward
// the brightness target. Decide is a pure function of the camera state
// and the frame metrics; it never touches the network.
//
// Axis priority, fixed to avoid oscillation: ISO is the first axis when
// the scene is dark and the last when bright; iris engages only once ISO
// is exhausted; shutter angle only in extreme light; EV bias is a
// fine-tuner driven by the clipping ratios.
package exposure

import (
	"fmt"
	"strconv"

	"github.com/surfai/zcamd/pkg/analyze"
	"github.com/surfai/zcamd/pkg/zcam"
)

// Native sensor gain rungs: lowest-noise operating points of the sensor.
const (
	NativeISOLow  = 500
	NativeISOHigh = 2500
)

// EV fine-tuner behavior, in tenth-stops.
const (
	evStep     = 5  // one fine-tune move
	evMaxDelta = 15 // hard per-cycle clamp

	highlightClipPct = 3 // % clipped highlights triggering protection
	shadowClipPct    = 8 // % clipped shadows triggering recovery
)

// Tuning is the policy's configuration. Zero values take defaults.
type Tuning struct {
	TargetBrightness    float64
	BrightnessTolerance float64
	ConfidenceThreshold float64
	ISOMin              int
	IrisMin             string
	IrisMax             string
}

func (t Tuning) withDefaults() Tuning {
	if t.TargetBrightness == 0 {
		t.TargetBrightness = 128
	}
	if t.BrightnessTolerance == 0 {
		t.BrightnessTolerance = 15
	}
	if t.ConfidenceThreshold == 0 {
		t.ConfidenceThreshold = 0.6
	}
	if t.ISOMin == 0 {
		t.ISOMin = 400
	}
	if t.IrisMin == "" {
		t.IrisMin = "2.8"
	}
	if t.IrisMax == "" {
		t.IrisMax = "16"
	}
	return t
}

// Decision is one cycle's proposal. Proposed carries the full target
// state; axes equal to the current state are not moves. The controller
// applies the decision only when Confidence clears the threshold.
type Decision struct {
	Proposed   zcam.State
	Reasons    []string
	Confidence float64
	NoOp       bool
}

// Decide proposes the next exposure state for one measured frame.
func Decide(cur zcam.State, m analyze.Metrics, t Tuning) Decision {
	t = t.withDefaults()

	p := cur
	conf := 0.5
	var reasons []string
	say := func(format string, args ...any) {
		if len(reasons) < 3 {
			reasons = append(reasons, fmt.Sprintf(format, args...))
		}
	}

	err := m.MeanBrightness - t.TargetBrightness
	tol := t.BrightnessTolerance

	switch {
	case err < -tol:
		conf += darkMoves(cur, &p, m, t, err, say)
	case err > tol:
		conf += brightMoves(cur, &p, m, t, say)
	default:
		conf += snapToNative(cur, &p, say)
	}

	conf += evFineTune(cur, &p, m, err, tol, say)

	// Extreme contrast undermines the luma statistics.
	if m.Contrast < 15 || m.Contrast > 80 {
		conf *= 0.8
	}

	inBand := err >= -tol && err <= tol &&
		m.HighlightsClipped <= highlightClipPct && m.ShadowsClipped <= shadowClipPct
	if inBand && conf < 0.8 {
		conf = 0.8
	}
	if conf > 1 {
		conf = 1
	}

	return Decision{
		Proposed:   p,
		Reasons:    reasons,
		Confidence: conf,
		NoOp: p.ISO == cur.ISO && p.Iris == cur.Iris &&
			p.ShutterAngle == cur.ShutterAngle && p.EVTenths == cur.EVTenths,
	}
}

type sayFunc func(format string, args ...any)

// darkMoves raises exposure: ISO first, iris and shutter only once ISO
// sits at its highest allowed rung.
func darkMoves(cur zcam.State, p *zcam.State, m analyze.Metrics, t Tuning, err float64, say sayFunc) float64 {
	var conf float64

	switch {
	case isoAtMax(cur):
		// ISO exhausted; open the lens.
		if tok, ok := irisOpenOne(cur, t.IrisMin); ok {
			p.Iris = tok
			conf += 0.2
			say("ISO exhausted, opening iris to f/%s", tok)
		}
		if m.MeanBrightness < 80 && cur.ShutterAngle != 270 && cur.HasShutter(270) {
			p.ShutterAngle = 270
			conf += 0.1
			say("very dim, shutter to 270")
		}
	case cur.ISO >= NativeISOHigh:
		// Past the high native rung, gain costs noise; push further
		// only when badly underexposed.
		if err < -30 {
			if next, ok := isoStepUp(cur); ok {
				p.ISO = next
				conf += 0.2
				say("still dark past native rung, ISO to %d", next)
			}
		}
	case cur.HasISO(NativeISOHigh):
		p.ISO = NativeISOHigh
		conf += 0.3
		say("dark scene, jump to native ISO %d", NativeISOHigh)
	default:
		if next, ok := isoStepUp(cur); ok {
			p.ISO = next
			conf += 0.2
			say("dark scene, ISO to %d", next)
		}
	}
	return conf
}

// brightMoves lowers exposure: ISO down to the native low rung then the
// configured floor, then iris and shutter.
func brightMoves(cur zcam.State, p *zcam.State, m analyze.Metrics, t Tuning, say sayFunc) float64 {
	var conf float64

	switch {
	case cur.ISO > NativeISOLow && cur.HasISO(NativeISOLow):
		p.ISO = NativeISOLow
		conf += 0.3
		say("bright scene, drop to native ISO %d", NativeISOLow)
	case cur.ISO > t.ISOMin && cur.HasISO(t.ISOMin):
		p.ISO = t.ISOMin
		conf += 0.2
		say("bright scene, ISO to floor %d", t.ISOMin)
	case isoCanStepDown(cur, t.ISOMin):
		if next, ok := isoStepDown(cur, t.ISOMin); ok {
			p.ISO = next
			conf += 0.2
			say("bright scene, ISO to %d", next)
		}
	default:
		// ISO at its floor; stop the lens down.
		if tok, ok := irisCloseOne(cur, t.IrisMax, m.MeanBrightness >= 190); ok {
			p.Iris = tok
			conf += 0.2
			say("ISO at floor, closing iris to f/%s", tok)
		}
		if m.MeanBrightness >= 180 {
			if angle, ok := shutterReduce(cur); ok {
				p.ShutterAngle = angle
				conf += 0.1
				say("extreme bright, shutter to %d", angle)
			}
		}
	}
	return conf
}

// snapToNative is the only move allowed inside the tolerance band: park
// ISO on the nearest native rung for noise.
func snapToNative(cur zcam.State, p *zcam.State, say sayFunc) float64 {
	if cur.ISO == NativeISOLow || cur.ISO == NativeISOHigh {
		return 0
	}
	native := NativeISOLow
	if cur.ISO >= (NativeISOLow+NativeISOHigh)/2 {
		native = NativeISOHigh
	}
	if !cur.HasISO(native) {
		return 0
	}
	p.ISO = native
	say("in tolerance, snap to native ISO %d", native)
	return 0.1
}

// evFineTune protects highlights and recovers shadows in small steps.
// Direction is gated on the brightness error so EV never fights the
// coarse axes.
func evFineTune(cur zcam.State, p *zcam.State, m analyze.Metrics, err, tol float64, say sayFunc) float64 {
	var target int
	var reason string
	switch {
	case m.HighlightsClipped > highlightClipPct && err >= -tol:
		target = cur.EVTenths - evStep
		reason = fmt.Sprintf("highlight clipping %.1f%%, EV down", m.HighlightsClipped)
	case m.ShadowsClipped > shadowClipPct && m.MeanBrightness < 100 && err <= tol:
		target = cur.EVTenths + evStep
		reason = fmt.Sprintf("shadow clipping %.1f%%, EV up", m.ShadowsClipped)
	default:
		return 0
	}

	lo, hi := cur.EVMin, cur.EVMax
	if lo == 0 && hi == 0 {
		lo, hi = zcam.DefaultEVMin, zcam.DefaultEVMax
	}
	target = clampInt(target, cur.EVTenths-evMaxDelta, cur.EVTenths+evMaxDelta)
	target = clampInt(target, lo, hi)
	if target == cur.EVTenths {
		return 0
	}
	p.EVTenths = target
	say("%s to %.1f", reason, float64(target)/10)
	return 0.1
}

func isoAtMax(s zcam.State) bool {
	if len(s.ISOOptions) == 0 {
		return true
	}
	for _, o := range s.ISOOptions {
		if o > s.ISO {
			return false
		}
	}
	return true
}

// isoStepUp returns the smallest allowed rung above the current ISO.
func isoStepUp(s zcam.State) (int, bool) {
	best, ok := 0, false
	for _, o := range s.ISOOptions {
		if o > s.ISO && (!ok || o < best) {
			best, ok = o, true
		}
	}
	return best, ok
}

// isoStepDown returns the largest allowed rung below the current ISO,
// never going under floor.
func isoStepDown(s zcam.State, floor int) (int, bool) {
	best, ok := 0, false
	for _, o := range s.ISOOptions {
		if o < s.ISO && o >= floor && (!ok || o > best) {
			best, ok = o, true
		}
	}
	return best, ok
}

func isoCanStepDown(s zcam.State, floor int) bool {
	_, ok := isoStepDown(s, floor)
	return ok
}

// irisValue parses an f-number token. Unparseable tokens sort last so
// they are never chosen.
func irisValue(tok string) float64 {
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 1e9
	}
	return v
}

// irisOpenOne steps one rung toward a smaller f-number, never past the
// configured floor minTok.
func irisOpenOne(s zcam.State, minTok string) (string, bool) {
	cur := irisValue(s.Iris)
	floor := irisValue(minTok)
	if floor >= 1e9 {
		floor = 0 // unparseable config bound: allow everything
	}
	best, bestV, ok := "", 0.0, false
	for _, o := range s.IrisOptions {
		v := irisValue(o)
		if v >= cur || v >= 1e9 || v < floor {
			continue
		}
		if !ok || v > bestV {
			best, bestV, ok = o, v, true
		}
	}
	return best, ok
}

// irisCloseOne steps toward a larger f-number, bounded by maxTok. In
// extreme light it jumps straight to the largest permitted stop.
func irisCloseOne(s zcam.State, maxTok string, extreme bool) (string, bool) {
	cur := irisValue(s.Iris)
	limit := irisValue(maxTok)
	if limit >= 1e9 {
		limit = 1e8 // unparseable config bound: allow everything
	}

	best, bestV, ok := "", 0.0, false
	for _, o := range s.IrisOptions {
		v := irisValue(o)
		if v <= cur || v >= 1e9 || v > limit {
			continue
		}
		if !ok {
			best, bestV, ok = o, v, true
			continue
		}
		if extreme && v > bestV {
			best, bestV = o, v
		}
		if !extreme && v < bestV {
			best, bestV = o, v
		}
	}
	return best, ok
}

// shutterReduce picks 120 then 90 for very bright scenes.
func shutterReduce(s zcam.State) (int, bool) {
	for _, angle := range []int{120, 90} {
		if s.ShutterAngle > angle && s.HasShutter(angle) {
			return angle, true
		}
	}
	return 0, false
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
