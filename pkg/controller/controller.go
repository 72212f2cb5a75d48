// Package controller runs the per-camera exposure loop: gate on the
// operating schedule, acquire a frame, measure it, decide, apply, wait.
// One Controller owns one camera; controllers share nothing.
package controller

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/surfai/zcamd/internal/log"
	"github.com/surfai/zcamd/pkg/analyze"
	"github.com/surfai/zcamd/pkg/exposure"
	"github.com/surfai/zcamd/pkg/stream"
	"github.com/surfai/zcamd/pkg/zcam"
)

const (
	defaultInterval = 15 * time.Second
	settleDelay     = 3 * time.Second
	offHoursSleep   = 30 * time.Minute
	maxOpenBackoff  = 2 * time.Minute
)

// Camera is the control-surface slice the loop needs; *zcam.Client
// satisfies it.
type Camera interface {
	ReadState(ctx context.Context) (zcam.State, error)
	Get(ctx context.Context, key string) (zcam.Param, error)
	Set(ctx context.Context, key, value string) error
}

// Transport is an open video feed; *stream.Stream satisfies it.
type Transport interface {
	AcquireFrame() (*stream.Frame, error)
	Close() error
}

// CycleRecord summarizes one loop cycle for logging, the journal and the
// dashboard. Exactly one record is produced per attempted cycle.
type CycleRecord struct {
	ID         string
	Camera     string
	Time       time.Time
	Scene      string // DARK / GOOD / BRIGHT
	Metrics    analyze.Metrics
	State      zcam.State
	Reasons    []string
	Confidence float64
	Applied    []string // axes written this cycle
	Skipped    string   // why the decision was not applied
	Err        string   // failure mode, empty on success
}

// Options configures one camera loop. OpenStream is required; Publish
// and Snapshot are optional side channels.
type Options struct {
	CameraID string

	Tuning   exposure.Tuning
	Focus    analyze.FocusCalibration
	Interval time.Duration

	// Operating window, closed-open hours [Start, End).
	StartHour, EndHour int

	OpenStream func() (Transport, error)
	Publish    func(CycleRecord)
	Snapshot   func(*stream.Frame, time.Time)

	// MeasureFocus defaults to analyze.ComputeFocus.
	MeasureFocus func(pix []byte, w, h int, cal analyze.FocusCalibration) (analyze.FocusMetrics, error)

	// Injectable clock for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration)
}

// Controller is one camera's loop state.
type Controller struct {
	cam  Camera
	opts Options

	transport  Transport
	state      zcam.State
	stateValid bool
	openFails  int
}

// New builds a controller. Defaults are filled for anything unset.
func New(cam Camera, opts Options) *Controller {
	if opts.Interval == 0 {
		opts.Interval = defaultInterval
	}
	if opts.StartHour == 0 && opts.EndHour == 0 {
		opts.StartHour, opts.EndHour = 6, 22
	}
	if opts.Focus == (analyze.FocusCalibration{}) {
		opts.Focus = analyze.DefaultFocusCalibration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.MeasureFocus == nil {
		opts.MeasureFocus = analyze.ComputeFocus
	}
	return &Controller{cam: cam, opts: opts}
}

// Run executes the loop until ctx is canceled. The transport is released
// on every exit path.
func (c *Controller) Run(ctx context.Context) error {
	defer c.closeTransport()

	for ctx.Err() == nil {
		wait := c.step(ctx)
		c.opts.Sleep(ctx, wait)
	}
	return ctx.Err()
}

// step performs one cycle (or one schedule check) and returns how long
// to sleep before the next.
func (c *Controller) step(ctx context.Context) time.Duration {
	now := c.opts.Now()
	if !c.inHours(now) {
		// No transport or control I/O outside the window.
		c.closeTransport()
		return offHoursSleep
	}

	rec := CycleRecord{
		ID:     uuid.NewString(),
		Camera: c.opts.CameraID,
		Time:   now,
	}

	wait := c.cycle(ctx, &rec)
	c.emit(rec)
	return wait
}

func (c *Controller) cycle(ctx context.Context, rec *CycleRecord) time.Duration {
	t := c.opts.Tuning

	if c.transport == nil {
		tr, err := c.opts.OpenStream()
		if err != nil {
			c.openFails++
			rec.Err = "transport open failed: " + err.Error()
			return backoff(c.opts.Interval, c.openFails)
		}
		c.transport = tr
		c.openFails = 0
	}

	if !c.stateValid {
		st, err := c.cam.ReadState(ctx)
		if err != nil {
			rec.Err = "state read failed: " + err.Error()
			return c.opts.Interval
		}
		c.state = st
		c.stateValid = true
	}
	rec.State = c.state

	frame, err := c.transport.AcquireFrame()
	if err != nil {
		rec.Err = err.Error()
		if errors.Is(err, stream.ErrStreamLost) || errors.Is(err, stream.ErrFrameStarved) {
			// Reopen from scratch next cycle.
			c.closeTransport()
		}
		return c.opts.Interval
	}

	m := analyze.Analyze(frame.Pix, frame.Width, frame.Height, targetOf(t))
	if fm, err := c.opts.MeasureFocus(frame.Pix, frame.Width, frame.Height, c.opts.Focus); err == nil {
		m.Focus = fm
	}
	rec.Metrics = m
	rec.Scene = analyze.Label(m.MeanBrightness, targetOf(t), tolOf(t))

	if c.opts.Snapshot != nil {
		c.opts.Snapshot(frame, rec.Time)
	}

	d := exposure.Decide(c.state, m, t)
	rec.Reasons = d.Reasons
	rec.Confidence = d.Confidence

	threshold := t.ConfidenceThreshold
	if threshold == 0 {
		threshold = 0.6
	}
	switch {
	case d.NoOp:
		rec.Skipped = "no-op"
		return c.opts.Interval
	case d.Confidence < threshold:
		rec.Skipped = "low confidence"
		return c.opts.Interval
	}

	applied := c.apply(ctx, d.Proposed, rec)
	rec.State = c.state
	if applied {
		// Give the sensor time to settle before the next measurement.
		c.opts.Sleep(ctx, settleDelay)
	}
	return c.opts.Interval
}

// apply writes every axis whose proposed value differs, at most one set
// per axis. A failed write invalidates that axis by re-reading it.
func (c *Controller) apply(ctx context.Context, p zcam.State, rec *CycleRecord) bool {
	any := false

	if p.ISO != c.state.ISO {
		if ok, _ := c.setAxis(ctx, "iso", strconv.Itoa(p.ISO), rec); ok {
			c.state.ISO = p.ISO
			any = true
		}
	}
	if p.Iris != c.state.Iris {
		if ok, _ := c.setAxis(ctx, "iris", p.Iris, rec); ok {
			c.state.Iris = p.Iris
			any = true
		}
	}
	if p.ShutterAngle != c.state.ShutterAngle && c.state.ShutterSupported {
		ok, rejected := c.setAxis(ctx, "shutter_angle", zcam.FormatShutter(p.ShutterAngle), rec)
		switch {
		case ok:
			c.state.ShutterAngle = p.ShutterAngle
			any = true
		case rejected:
			// Device refuses the axis outright; stop trying.
			c.state.ShutterSupported = false
			log.Warn("shutter_angle rejected, axis disabled", "camera", c.opts.CameraID)
		}
	}
	if p.EVTenths != c.state.EVTenths {
		if ok, _ := c.setAxis(ctx, "ev", strconv.Itoa(p.EVTenths), rec); ok {
			c.state.EVTenths = p.EVTenths
			any = true
		}
	}
	return any
}

// setAxis issues one control write; on failure it resynchronizes the key
// from the camera and records the failure on the cycle.
func (c *Controller) setAxis(ctx context.Context, key, value string, rec *CycleRecord) (ok, rejected bool) {
	if err := c.cam.Set(ctx, key, value); err != nil {
		rec.Err = appendErr(rec.Err, key+": "+err.Error())
		c.resync(ctx, key)
		return false, errors.Is(err, zcam.ErrRejected)
	}
	rec.Applied = append(rec.Applied, key)
	return true, false
}

// resync re-reads one key after a failed write so local state tracks the
// device again.
func (c *Controller) resync(ctx context.Context, key string) {
	p, err := c.cam.Get(ctx, key)
	if err != nil {
		// Full refresh next cycle.
		c.stateValid = false
		return
	}
	switch key {
	case "iso":
		if v, err := p.Int(); err == nil {
			c.state.ISO = v
		}
	case "iris":
		c.state.Iris = p.Value
	case "shutter_angle":
		c.state.ShutterAngle = zcam.ParseShutter(p.Value)
	case "ev":
		if v, err := p.Int(); err == nil {
			c.state.EVTenths = v
		}
	}
}

func (c *Controller) emit(rec CycleRecord) {
	if rec.Err != "" {
		log.Warn("cycle failed",
			"camera", rec.Camera, "cycle", rec.ID, "err", rec.Err)
	} else {
		log.Info("cycle",
			"camera", rec.Camera, "cycle", rec.ID, "scene", rec.Scene,
			"mean", rec.Metrics.MeanBrightness, "contrast", rec.Metrics.Contrast,
			"score", rec.Metrics.ExposureScore,
			"iso", rec.State.ISO, "iris", rec.State.Iris, "ev", rec.State.EV(),
			"confidence", rec.Confidence, "applied", rec.Applied,
			"skipped", rec.Skipped, "reasons", rec.Reasons)
	}
	if c.opts.Publish != nil {
		c.opts.Publish(rec)
	}
}

func (c *Controller) closeTransport() {
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
}

func (c *Controller) inHours(t time.Time) bool {
	h := t.Hour()
	return h >= c.opts.StartHour && h < c.opts.EndHour
}

func backoff(interval time.Duration, fails int) time.Duration {
	d := interval
	for i := 1; i < fails; i++ {
		d *= 2
		if d >= maxOpenBackoff {
			return maxOpenBackoff
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func targetOf(t exposure.Tuning) float64 {
	if t.TargetBrightness == 0 {
		return 128
	}
	return t.TargetBrightness
}

func tolOf(t exposure.Tuning) float64 {
	if t.BrightnessTolerance == 0 {
		return 15
	}
	return t.BrightnessTolerance
}

func appendErr(prev, next string) string {
	if prev == "" {
		return next
	}
	return prev + "; " + next
}
