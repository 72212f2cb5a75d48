// Package config loads zcamd site configuration files.
//
// A site file (config/<site>.json) describes every camera at one location
// plus the controller tuning. Unset tuning fields fall back to the
// defaults the cameras were calibrated against.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Defaults applied by Load when the site file leaves a field unset.
const (
	DefaultTargetBrightness    = 128.0
	DefaultBrightnessTolerance = 15.0
	DefaultIntervalSeconds     = 15
	DefaultStartHour           = 6
	DefaultEndHour             = 22
	DefaultConfidenceThreshold = 0.6
	DefaultISOMin              = 400
	DefaultIrisMin             = "2.8"
	DefaultIrisMax             = "16"
	DefaultWebAddr             = ":8780"
)

// FocusCalibration holds the lens/sensor specific normalization constants
// for the focus metrics. The defaults match the fleet's stock lens.
type FocusCalibration struct {
	Laplacian float64 `json:"laplacian"`
	Sobel     float64 `json:"sobel"`
	HighFreq  float64 `json:"high_freq"`
}

// Site is one location's configuration: camera addresses, output paths and
// controller tuning.
type Site struct {
	// Camera addresses and identifiers, parallel arrays indexed by
	// camera index.
	IPAddr  []string `json:"ipaddr"`
	Cameras []string `json:"camera"`

	// Files is the base directory for logs, snapshots and the cycle
	// journal.
	Files string `json:"files"`

	// Server is the remote job/telemetry server; Service is the base
	// name this host's queue pollers register under.
	Server  string `json:"server"`
	Service string `json:"service"`

	// Controller tuning. Zero values are replaced with defaults.
	TargetBrightness    float64 `json:"target_brightness"`
	BrightnessTolerance float64 `json:"brightness_tolerance"`
	IntervalSeconds     int     `json:"interval_seconds"`
	StartHour           int     `json:"start_hour"`
	EndHour             int     `json:"end_hour"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	ISOMin              int     `json:"iso_min"`
	IrisMin             string  `json:"iris_min"`
	IrisMax             string  `json:"iris_max"`

	Focus FocusCalibration `json:"focus"`

	// WebAddr is the dashboard listen address.
	WebAddr string `json:"web_addr"`

	// Snapshots enables the per-cycle JPEG snapshot writer.
	Snapshots bool `json:"snapshots"`

	// Host is filled by the loader with the site name; it is not part
	// of the file itself.
	Host string `json:"-"`
}

// Load reads and validates a site configuration file.
func Load(path, site string) (*Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var s Site
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	s.Host = site
	s.applyDefaults()

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &s, nil
}

func (s *Site) applyDefaults() {
	if s.TargetBrightness == 0 {
		s.TargetBrightness = DefaultTargetBrightness
	}
	if s.BrightnessTolerance == 0 {
		s.BrightnessTolerance = DefaultBrightnessTolerance
	}
	if s.IntervalSeconds == 0 {
		s.IntervalSeconds = DefaultIntervalSeconds
	}
	if s.StartHour == 0 && s.EndHour == 0 {
		s.StartHour = DefaultStartHour
		s.EndHour = DefaultEndHour
	}
	if s.ConfidenceThreshold == 0 {
		s.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if s.ISOMin == 0 {
		s.ISOMin = DefaultISOMin
	}
	if s.IrisMin == "" {
		s.IrisMin = DefaultIrisMin
	}
	if s.IrisMax == "" {
		s.IrisMax = DefaultIrisMax
	}
	if s.WebAddr == "" {
		s.WebAddr = DefaultWebAddr
	}
	if s.Focus == (FocusCalibration{}) {
		s.Focus = FocusCalibration{Laplacian: 500, Sobel: 50, HighFreq: 20}
	}
}

// Validate reports the first problem that would make the site unusable.
func (s *Site) Validate() error {
	if len(s.IPAddr) == 0 {
		return fmt.Errorf("no camera addresses (ipaddr)")
	}
	if len(s.Cameras) != len(s.IPAddr) {
		return fmt.Errorf("camera names (%d) do not match addresses (%d)",
			len(s.Cameras), len(s.IPAddr))
	}
	if s.Files == "" {
		return fmt.Errorf("files output directory not set")
	}
	if s.StartHour < 0 || s.StartHour > 23 || s.EndHour < 1 || s.EndHour > 24 {
		return fmt.Errorf("invalid operating hours %d-%d", s.StartHour, s.EndHour)
	}
	if s.StartHour >= s.EndHour {
		return fmt.Errorf("start hour %d not before end hour %d", s.StartHour, s.EndHour)
	}
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold %v outside [0,1]", s.ConfidenceThreshold)
	}
	return nil
}

// Camera returns the address and identifier for one camera index.
func (s *Site) Camera(idx int) (ip, id string, err error) {
	if idx < 0 || idx >= len(s.IPAddr) {
		return "", "", fmt.Errorf("camera index %d out of range (site has %d)", idx, len(s.IPAddr))
	}
	return s.IPAddr[idx], s.Cameras[idx], nil
}
