package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSite(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "northpoint.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeSite(t, `{
		"ipaddr": ["10.1.1.21", "10.1.1.22"],
		"camera": ["north", "south"],
		"files": "/data/surf/",
		"server": "http://jobs.example.com",
		"service": "zcam"
	}`)

	s, err := Load(path, "northpoint")
	require.NoError(t, err)

	assert.Equal(t, "northpoint", s.Host)
	assert.Equal(t, 128.0, s.TargetBrightness)
	assert.Equal(t, 15.0, s.BrightnessTolerance)
	assert.Equal(t, 15, s.IntervalSeconds)
	assert.Equal(t, 6, s.StartHour)
	assert.Equal(t, 22, s.EndHour)
	assert.Equal(t, 0.6, s.ConfidenceThreshold)
	assert.Equal(t, 400, s.ISOMin)
	assert.Equal(t, "16", s.IrisMax)
	assert.Equal(t, 500.0, s.Focus.Laplacian)

	ip, id, err := s.Camera(1)
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.22", ip)
	assert.Equal(t, "south", id)
}

func TestLoadKeepsExplicitTuning(t *testing.T) {
	path := writeSite(t, `{
		"ipaddr": ["10.1.1.21"],
		"camera": ["north"],
		"files": "/data/surf/",
		"target_brightness": 120,
		"brightness_tolerance": 10,
		"interval_seconds": 30,
		"start_hour": 5,
		"end_hour": 21,
		"iso_min": 500,
		"iris_max": "22"
	}`)

	s, err := Load(path, "northpoint")
	require.NoError(t, err)
	assert.Equal(t, 120.0, s.TargetBrightness)
	assert.Equal(t, 10.0, s.BrightnessTolerance)
	assert.Equal(t, 30, s.IntervalSeconds)
	assert.Equal(t, 5, s.StartHour)
	assert.Equal(t, 21, s.EndHour)
	assert.Equal(t, 500, s.ISOMin)
	assert.Equal(t, "22", s.IrisMax)
}

func TestLoadRejectsBadSites(t *testing.T) {
	cases := map[string]string{
		"no cameras":       `{"files": "/data/"}`,
		"name mismatch":    `{"ipaddr": ["a", "b"], "camera": ["one"], "files": "/data/"}`,
		"no files dir":     `{"ipaddr": ["a"], "camera": ["one"]}`,
		"inverted hours":   `{"ipaddr": ["a"], "camera": ["one"], "files": "/d/", "start_hour": 22, "end_hour": 6}`,
		"bad confidence":   `{"ipaddr": ["a"], "camera": ["one"], "files": "/d/", "confidence_threshold": 1.5}`,
		"not even json":    `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeSite(t, body), "northpoint")
			assert.Error(t, err)
		})
	}
}

func TestCameraIndexOutOfRange(t *testing.T) {
	s := &Site{IPAddr: []string{"a"}, Cameras: []string{"one"}}
	_, _, err := s.Camera(3)
	assert.Error(t, err)
}
