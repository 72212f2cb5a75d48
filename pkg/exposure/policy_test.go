package exposure

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfai/zcamd/pkg/analyze"
	"github.com/surfai/zcamd/pkg/zcam"
)

func testState() zcam.State {
	return zcam.State{
		ISO:              500,
		Iris:             "8",
		ShutterAngle:     180,
		EVTenths:         0,
		ISOOptions:       []int{400, 500, 800, 1600, 2500, 6400},
		IrisOptions:      []string{"2.8", "4", "5.6", "8", "11", "16", "18", "22"},
		ShutterOptions:   []int{0, 90, 120, 180, 270},
		EVMin:            -96,
		EVMax:            96,
		ShutterSupported: true,
	}
}

func reasonsJoined(d Decision) string {
	return strings.ToLower(strings.Join(d.Reasons, "; "))
}

func TestDarkSceneJumpsToHighNativeISO(t *testing.T) {
	st := testState() // iso 500, iris 8, shutter 180, ev 0
	m := analyze.Metrics{MeanBrightness: 70, Contrast: 30, ShadowsClipped: 12}

	d := Decide(st, m, Tuning{})
	assert.Equal(t, 2500, d.Proposed.ISO)
	assert.Equal(t, "8", d.Proposed.Iris)
	assert.Contains(t, reasonsJoined(d), "native iso 2500")
	assert.GreaterOrEqual(t, d.Confidence, 0.8)
	assert.False(t, d.NoOp)
}

func TestBrightSceneDropsISOAndProtectsHighlights(t *testing.T) {
	st := testState()
	st.ISO = 2500
	st.Iris = "11"
	m := analyze.Metrics{MeanBrightness: 210, Contrast: 40, HighlightsClipped: 8}

	d := Decide(st, m, Tuning{})
	assert.Equal(t, 500, d.Proposed.ISO)
	assert.Equal(t, -5, d.Proposed.EVTenths)
	assert.InDelta(t, -0.5, d.Proposed.EV(), 1e-9)
	assert.Contains(t, reasonsJoined(d), "highlight")
	assert.Equal(t, "11", d.Proposed.Iris)
	assert.Equal(t, 180, d.Proposed.ShutterAngle)
}

func TestExtremeBrightClosesIrisAndShutter(t *testing.T) {
	st := testState()
	st.ISO = 400
	st.Iris = "11"
	m := analyze.Metrics{MeanBrightness: 205, Contrast: 40, HighlightsClipped: 10}

	d := Decide(st, m, Tuning{IrisMax: "22"})
	assert.Equal(t, 400, d.Proposed.ISO)
	assert.Equal(t, "22", d.Proposed.Iris)
	assert.Contains(t, []int{90, 120}, d.Proposed.ShutterAngle)
	assert.GreaterOrEqual(t, d.Confidence, 0.6)
}

func TestInToleranceSnapsToNativeRung(t *testing.T) {
	st := testState()
	st.ISO = 800
	m := analyze.Metrics{MeanBrightness: 130, Contrast: 40}

	d := Decide(st, m, Tuning{})
	assert.Equal(t, 500, d.Proposed.ISO)
	assert.GreaterOrEqual(t, d.Confidence, 0.8)
	assert.Equal(t, st.Iris, d.Proposed.Iris)
	assert.Equal(t, st.ShutterAngle, d.Proposed.ShutterAngle)
	assert.Equal(t, st.EVTenths, d.Proposed.EVTenths)
}

func TestNoOpOnNativeRungInTolerance(t *testing.T) {
	st := testState() // already iso 500
	m := analyze.Metrics{MeanBrightness: 128, Contrast: 40}

	d := Decide(st, m, Tuning{})
	assert.True(t, d.NoOp)
	assert.GreaterOrEqual(t, d.Confidence, 0.8)
	assert.Equal(t, st.ISO, d.Proposed.ISO)
}

func TestIdempotence(t *testing.T) {
	st := testState()
	st.ISO = 2500
	m := analyze.Metrics{MeanBrightness: 195, Contrast: 55, HighlightsClipped: 4}

	d1 := Decide(st, m, Tuning{})
	d2 := Decide(st, m, Tuning{})
	assert.Equal(t, d1, d2)
}

func TestMembership(t *testing.T) {
	states := []zcam.State{testState()}
	s2 := testState()
	s2.ISO = 6400
	s2.Iris = "2.8"
	states = append(states, s2)
	s3 := testState()
	s3.ISO = 400
	s3.Iris = "22"
	states = append(states, s3)

	metrics := []analyze.Metrics{
		{MeanBrightness: 40, Contrast: 20, ShadowsClipped: 20},
		{MeanBrightness: 130, Contrast: 50},
		{MeanBrightness: 230, Contrast: 60, HighlightsClipped: 15},
	}

	for _, st := range states {
		for _, m := range metrics {
			d := Decide(st, m, Tuning{IrisMax: "22"})
			assert.True(t, d.Proposed.HasISO(d.Proposed.ISO), "iso %d not allowed", d.Proposed.ISO)
			assert.True(t, d.Proposed.HasIris(d.Proposed.Iris), "iris %s not allowed", d.Proposed.Iris)
			assert.True(t, d.Proposed.HasShutter(d.Proposed.ShutterAngle))
			assert.GreaterOrEqual(t, d.Proposed.EVTenths, st.EVMin)
			assert.LessOrEqual(t, d.Proposed.EVTenths, st.EVMax)
			assert.LessOrEqual(t, len(d.Reasons), 3)
		}
	}
}

func TestMonotoneResponseDark(t *testing.T) {
	st := testState()
	st.ISO = 6400 // at max: forces iris/shutter path
	st.Iris = "8"
	m := analyze.Metrics{MeanBrightness: 50, Contrast: 40, ShadowsClipped: 10}

	d := Decide(st, m, Tuning{})
	assert.GreaterOrEqual(t, d.Proposed.ISO, st.ISO)
	assert.LessOrEqual(t, irisValue(d.Proposed.Iris), irisValue(st.Iris))
	assert.GreaterOrEqual(t, d.Proposed.ShutterAngle, st.ShutterAngle)
	assert.GreaterOrEqual(t, d.Proposed.EVTenths, st.EVTenths)
}

func TestMonotoneResponseBright(t *testing.T) {
	st := testState()
	st.ISO = 400
	st.Iris = "11"
	m := analyze.Metrics{MeanBrightness: 220, Contrast: 40, HighlightsClipped: 6}

	d := Decide(st, m, Tuning{})
	assert.LessOrEqual(t, d.Proposed.ISO, st.ISO)
	assert.GreaterOrEqual(t, irisValue(d.Proposed.Iris), irisValue(st.Iris))
	assert.LessOrEqual(t, d.Proposed.ShutterAngle, st.ShutterAngle)
	assert.LessOrEqual(t, d.Proposed.EVTenths, st.EVTenths)
}

func TestDarkBeyondNativeStepsOnlyWhenVeryDark(t *testing.T) {
	st := testState()
	st.ISO = 2500
	mildlyDark := analyze.Metrics{MeanBrightness: 105, Contrast: 40} // err -23
	d := Decide(st, mildlyDark, Tuning{})
	assert.Equal(t, 2500, d.Proposed.ISO)

	veryDark := analyze.Metrics{MeanBrightness: 60, Contrast: 40} // err -68
	d = Decide(st, veryDark, Tuning{})
	assert.Equal(t, 6400, d.Proposed.ISO)
}

func TestDarkIrisStopsAtConfiguredFloor(t *testing.T) {
	st := testState()
	st.ISO = 6400 // at max: iris is the next axis
	st.Iris = "5.6"
	m := analyze.Metrics{MeanBrightness: 50, Contrast: 40}

	d := Decide(st, m, Tuning{IrisMin: "4"})
	assert.Equal(t, "4", d.Proposed.Iris)

	st.Iris = "4" // already at the floor: must not open to 2.8
	d = Decide(st, m, Tuning{IrisMin: "4"})
	assert.Equal(t, "4", d.Proposed.Iris)
}

func TestDimShutterGoesLongOnlyWhenISOExhausted(t *testing.T) {
	st := testState() // iso 500: plenty of headroom
	m := analyze.Metrics{MeanBrightness: 60, Contrast: 40}
	d := Decide(st, m, Tuning{})
	assert.Equal(t, 180, d.Proposed.ShutterAngle)

	st.ISO = 6400
	d = Decide(st, m, Tuning{})
	assert.Equal(t, 270, d.Proposed.ShutterAngle)
}

func TestEVClampedToDeviceRange(t *testing.T) {
	st := testState()
	st.ISO = 2500
	st.EVTenths = -95
	m := analyze.Metrics{MeanBrightness: 200, Contrast: 40, HighlightsClipped: 9}

	d := Decide(st, m, Tuning{})
	assert.Equal(t, -96, d.Proposed.EVTenths)
}

func TestEmptyOptionsProduceNoAxisMoves(t *testing.T) {
	st := zcam.State{ISO: 500, Iris: "8", ShutterAngle: 180, EVMin: -96, EVMax: 96}
	m := analyze.Metrics{MeanBrightness: 40, Contrast: 40}

	d := Decide(st, m, Tuning{})
	assert.Equal(t, st.ISO, d.Proposed.ISO)
	assert.Equal(t, st.Iris, d.Proposed.Iris)
	assert.Equal(t, st.ShutterAngle, d.Proposed.ShutterAngle)
}

func TestExtremeContrastScalesConfidence(t *testing.T) {
	st := testState()
	st.ISO = 2500
	flat := analyze.Metrics{MeanBrightness: 70, Contrast: 10}
	normal := analyze.Metrics{MeanBrightness: 70, Contrast: 40}

	dFlat := Decide(st, flat, Tuning{})
	dNormal := Decide(st, normal, Tuning{})
	require.Greater(t, dNormal.Confidence, dFlat.Confidence)
	assert.InDelta(t, dNormal.Confidence*0.8, dFlat.Confidence, 1e-9)
}

func TestConfidenceCappedAtOne(t *testing.T) {
	st := testState()
	st.ISO = 400
	st.Iris = "8"
	m := analyze.Metrics{MeanBrightness: 230, Contrast: 40, HighlightsClipped: 20}

	d := Decide(st, m, Tuning{IrisMax: "22"})
	assert.LessOrEqual(t, d.Confidence, 1.0)
}
