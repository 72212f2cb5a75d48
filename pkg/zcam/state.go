package zcam

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// EV bias limits in tenth-stops, used when the camera does not report a
// range of its own.
const (
	DefaultEVMin = -96
	DefaultEVMax = 96
)

// State is the controller's view of one camera's exposure settings plus
// the allowed-value enumerations the device reported for each axis. The
// enumerations are authoritative: writes never pick values outside them.
type State struct {
	ISO          int
	Iris         string
	ShutterAngle int // degrees, 0 means Auto
	EVTenths     int // wire unit: tenth-stops

	ISOOptions     []int
	IrisOptions    []string
	ShutterOptions []int
	EVMin          int
	EVMax          int

	// ShutterSupported flips to false after the device rejects a
	// shutter_angle write; the applier then skips that axis.
	ShutterSupported bool

	// Read-only context for logging.
	Recording    bool
	WhiteBalance string
	ManualWB     string // mwb kelvin, meaningful when wb is Manual
}

// EV returns the bias in stops.
func (s State) EV() float64 { return float64(s.EVTenths) / 10 }

// HasISO reports whether v is in the allowed ISO set.
func (s State) HasISO(v int) bool {
	for _, o := range s.ISOOptions {
		if o == v {
			return true
		}
	}
	return false
}

// HasIris reports whether tok is in the allowed iris set.
func (s State) HasIris(tok string) bool {
	for _, o := range s.IrisOptions {
		if o == tok {
			return true
		}
	}
	return false
}

// HasShutter reports whether angle is in the allowed shutter set.
func (s State) HasShutter(angle int) bool {
	for _, o := range s.ShutterOptions {
		if o == angle {
			return true
		}
	}
	return false
}

// ReadState pulls a full settings snapshot from the camera. Recording and
// white balance are best-effort; a failure there does not fail the read.
func (c *Client) ReadState(ctx context.Context) (State, error) {
	st := State{ShutterSupported: true, EVMin: DefaultEVMin, EVMax: DefaultEVMax}

	iso, err := c.Get(ctx, "iso")
	if err != nil {
		return st, err
	}
	if st.ISO, err = iso.Int(); err != nil {
		return st, fmt.Errorf("iso value %q: %w", iso.Value, err)
	}
	for _, o := range iso.Opts {
		if v, err := strconv.Atoi(strings.TrimSpace(o)); err == nil {
			st.ISOOptions = append(st.ISOOptions, v)
		}
	}

	iris, err := c.Get(ctx, "iris")
	if err != nil {
		return st, err
	}
	st.Iris = iris.Value
	st.IrisOptions = iris.Opts

	ev, err := c.Get(ctx, "ev")
	if err != nil {
		return st, err
	}
	if st.EVTenths, err = ev.Int(); err != nil {
		return st, fmt.Errorf("ev value %q: %w", ev.Value, err)
	}
	if ev.Min != 0 || ev.Max != 0 {
		st.EVMin, st.EVMax = ev.Min, ev.Max
	}

	shutter, err := c.Get(ctx, "shutter_angle")
	if err != nil {
		// Some firmwares have no shutter_angle key at all.
		st.ShutterSupported = false
	} else {
		st.ShutterAngle = ParseShutter(shutter.Value)
		for _, o := range shutter.Opts {
			st.ShutterOptions = append(st.ShutterOptions, ParseShutter(o))
		}
	}

	if rec, err := c.RecordingStatus(ctx); err == nil {
		st.Recording = rec
	}
	if wb, err := c.Get(ctx, "wb"); err == nil {
		st.WhiteBalance = wb.Value
	}
	if mwb, err := c.Get(ctx, "mwb"); err == nil {
		st.ManualWB = mwb.Value
	}

	return st, nil
}

// ParseShutter maps a shutter_angle token to degrees. "Auto" is 0.
func ParseShutter(v string) int {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, "auto") {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// FormatShutter is the inverse of ParseShutter.
func FormatShutter(angle int) string {
	if angle == 0 {
		return "Auto"
	}
	return strconv.Itoa(angle)
}
