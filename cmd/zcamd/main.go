// zcamd keeps a site's ZCAM cameras correctly exposed through a shooting
// day. One controller goroutine per camera; a queue poller and a status
// dashboard run alongside.
//
// Usage:
//
//	zcamd <site>                 run every camera in config/<site>.json
//	zcamd <site> <camera_index>  run a single camera
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/surfai/zcamd/internal/config"
	"github.com/surfai/zcamd/internal/log"
	"github.com/surfai/zcamd/pkg/analyze"
	"github.com/surfai/zcamd/pkg/controller"
	"github.com/surfai/zcamd/pkg/cyclelog"
	"github.com/surfai/zcamd/pkg/exposure"
	"github.com/surfai/zcamd/pkg/overlay"
	"github.com/surfai/zcamd/pkg/snapshot"
	"github.com/surfai/zcamd/pkg/stream"
	"github.com/surfai/zcamd/pkg/telemetry"
	"github.com/surfai/zcamd/pkg/web"
	"github.com/surfai/zcamd/pkg/zcam"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "zcamd:", err)
		os.Exit(1)
	}
}

func run() error {
	godotenv.Load()

	if len(os.Args) < 2 || len(os.Args) > 3 {
		return fmt.Errorf("usage: zcamd <site> [camera_index]")
	}
	site := os.Args[1]

	configDir := os.Getenv("ZCAMD_CONFIG_DIR")
	if configDir == "" {
		configDir = "config"
	}
	cfg, err := config.Load(filepath.Join(configDir, site+".json"), site)
	if err != nil {
		return err
	}

	// Single-camera mode takes the index from argv; otherwise run all.
	indices := make([]int, 0, len(cfg.IPAddr))
	logName := "zcam.log"
	if len(os.Args) == 3 {
		idx, err := strconv.Atoi(os.Args[2])
		if err != nil {
			return fmt.Errorf("camera index %q: %w", os.Args[2], err)
		}
		if _, _, err := cfg.Camera(idx); err != nil {
			return err
		}
		indices = append(indices, idx)
		logName = "zcam" + os.Args[2] + ".log"
	} else {
		for i := range cfg.IPAddr {
			indices = append(indices, i)
		}
	}

	logDir := filepath.Join(cfg.Files, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	if err := log.InitFile(os.Getenv("LOG_LEVEL"), filepath.Join(logDir, logName)); err != nil {
		return err
	}
	log.Info("starting", "site", site, "cameras", len(indices))

	journal, err := cyclelog.Open(filepath.Join(cfg.Files, "zcam-cycles.db"))
	if err != nil {
		return err
	}
	defer journal.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dash := web.New(journal)
	go func() {
		if err := dash.Listen(cfg.WebAddr); err != nil {
			log.Error("dashboard stopped", "err", err)
		}
	}()
	defer dash.Shutdown()

	var reporter *telemetry.Reporter
	if cfg.Server != "" {
		reporter = telemetry.NewReporter(cfg.Server)
	}

	var wg sync.WaitGroup
	for _, idx := range indices {
		ip, id, _ := cfg.Camera(idx)
		wg.Add(1)
		go func(ip, id string) {
			defer wg.Done()
			runCamera(ctx, cfg, ip, id, journal, dash, reporter)
		}(ip, id)

		if cfg.Server != "" && cfg.Service != "" {
			poller := telemetry.NewPoller(cfg.Server, cfg.Service+strconv.Itoa(idx), site)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := poller.Run(ctx); err == nil {
					// Server-side shutdown takes the whole process down.
					stop()
				}
			}()
		}
	}

	wg.Wait()
	log.Info("stopped", "site", site)
	return nil
}

// runCamera wires one camera's controller to its side channels and runs
// it until the context ends.
func runCamera(ctx context.Context, cfg *config.Site, ip, id string,
	journal *cyclelog.DB, dash *web.Server, reporter *telemetry.Reporter) {

	cam := zcam.NewClient(ip)

	var snapWriter *snapshot.Writer
	if cfg.Snapshots {
		w, err := snapshot.NewWriter(cfg.Files, id)
		if err != nil {
			log.Warn("snapshots disabled", "camera", id, "err", err)
		} else {
			snapWriter = w
		}
	}

	// The latest frame feeds the overlaid preview once the cycle's
	// record arrives. Only this camera's goroutine touches it.
	var lastFrame *stream.Frame

	ctl := controller.New(cam, controller.Options{
		CameraID: id,
		Tuning: exposure.Tuning{
			TargetBrightness:    cfg.TargetBrightness,
			BrightnessTolerance: cfg.BrightnessTolerance,
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			ISOMin:              cfg.ISOMin,
			IrisMin:             cfg.IrisMin,
			IrisMax:             cfg.IrisMax,
		},
		Focus: analyze.FocusCalibration{
			Laplacian: cfg.Focus.Laplacian,
			Sobel:     cfg.Focus.Sobel,
			HighFreq:  cfg.Focus.HighFreq,
		},
		Interval:   time.Duration(cfg.IntervalSeconds) * time.Second,
		StartHour:  cfg.StartHour,
		EndHour:    cfg.EndHour,
		OpenStream: func() (controller.Transport, error) { return stream.Open(ip) },
		Snapshot: func(f *stream.Frame, at time.Time) {
			lastFrame = f
			if snapWriter != nil {
				if err := snapWriter.Write(f, at); err != nil {
					log.Warn("snapshot failed", "camera", id, "err", err)
				}
			}
		},
		Publish: func(rec controller.CycleRecord) {
			publishCycle(ctx, rec, lastFrame, journal, dash, reporter)
		},
	})

	if err := ctl.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("camera loop exited", "camera", id, "err", err)
	}
}

// publishCycle fans one cycle record out to the journal, the dashboard
// and the site server. Every sink is best-effort.
func publishCycle(ctx context.Context, rec controller.CycleRecord, frame *stream.Frame,
	journal *cyclelog.DB, dash *web.Server, reporter *telemetry.Reporter) {

	if journal != nil {
		err := journal.Append(cyclelog.Entry{
			ID:         rec.ID,
			Camera:     rec.Camera,
			Time:       rec.Time,
			Scene:      rec.Scene,
			Mean:       rec.Metrics.MeanBrightness,
			Contrast:   rec.Metrics.Contrast,
			Highlights: rec.Metrics.HighlightsClipped,
			Shadows:    rec.Metrics.ShadowsClipped,
			Score:      rec.Metrics.ExposureScore,
			FocusScore: rec.Metrics.Focus.Score,
			ISO:        rec.State.ISO,
			Iris:       rec.State.Iris,
			Shutter:    rec.State.ShutterAngle,
			EVTenths:   rec.State.EVTenths,
			Reasons:    cyclelog.JoinReasons(rec.Reasons),
			Confidence: rec.Confidence,
			Applied:    cyclelog.JoinApplied(rec.Applied),
			Skipped:    rec.Skipped,
			Err:        rec.Err,
		})
		if err != nil {
			log.Warn("journal append failed", "camera", rec.Camera, "err", err)
		}
	}

	if dash != nil {
		dash.Publish(rec)
		if frame != nil && rec.Err == "" {
			if preview, err := overlay.Render(frame, overlay.Info{
				CameraID: rec.Camera,
				Time:     rec.Time,
				ISO:      rec.State.ISO,
				Iris:     rec.State.Iris,
				EV:       rec.State.EV(),
				Mean:     rec.Metrics.MeanBrightness,
				Score:    rec.Metrics.ExposureScore,
				Hist:     rec.Metrics.Histogram,
			}); err == nil {
				if jpeg, err := snapshot.Encode(preview, 85); err == nil {
					dash.SetPreview(rec.Camera, jpeg)
				}
			}
		}
	}

	if reporter != nil && rec.Err == "" {
		err := reporter.PostCamInfo(ctx, telemetry.CamInfo{
			Camera:     rec.Camera,
			ISO:        rec.State.ISO,
			Iris:       rec.State.Iris,
			Brightness: rec.Metrics.MeanBrightness,
			Contrast:   rec.Metrics.Contrast,
			Exposure:   rec.Metrics.ExposureScore,
		})
		if err != nil {
			log.Warn("caminfo post failed", "camera", rec.Camera, "err", err)
		}
	}
}
