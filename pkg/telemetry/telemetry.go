// Package telemetry reports camera status to the site server and services
// its job queue.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/surfai/zcamd/internal/httpc"
)

// CamInfo is the per-cycle status posted to the server.
type CamInfo struct {
	Camera     string  `json:"camera"`
	ISO        int     `json:"iso"`
	Iris       string  `json:"iris"`
	Brightness float64 `json:"brightness"`
	Contrast   float64 `json:"contrast"`
	Exposure   float64 `json:"exposure"`
}

// Reporter posts CamInfo records to <server>/api/caminfo.
type Reporter struct {
	server string
	http   *http.Client
}

// NewReporter targets the given server base URL ("http://host[:port]").
func NewReporter(server string) *Reporter {
	return &Reporter{server: server, http: httpc.Client}
}

// PostCamInfo sends one record. Failures are non-fatal to the caller; a
// missed report just leaves a gap on the server side.
func (r *Reporter) PostCamInfo(ctx context.Context, info CamInfo) error {
	body, err := json.Marshal(info)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.server+"/api/caminfo", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("caminfo post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("caminfo post: status %d", resp.StatusCode)
	}
	return nil
}
