// Package zcam is a typed client for the camera's HTTP control surface.
//
// Every parameter lives behind two endpoints: GET /ctrl/get?k=<key> reads
// the value plus its allowed options, GET /ctrl/set?<key>=<value> writes
// it. Responses are a small JSON envelope; code 0 means success, but some
// firmwares answer with a bare "ok" body instead, so both are accepted.
package zcam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/surfai/zcamd/internal/httpc"
)

var (
	// ErrRejected means the camera answered but refused the operation
	// (non-zero code in the envelope).
	ErrRejected = errors.New("zcam: control rejected")

	// ErrHTTP means the control request itself failed (transport error
	// or non-200 status).
	ErrHTTP = errors.New("zcam: control http failed")
)

// errBadEnvelope marks a 200 response whose body did not decode as the
// control envelope. Set treats a plain "ok" body as success.
var errBadEnvelope = errors.New("zcam: bad envelope")

// Param is one control parameter as reported by /ctrl/get.
type Param struct {
	Value string
	Opts  []string
	Min   int
	Max   int
}

// Int returns the value as an integer.
func (p Param) Int() (int, error) {
	return strconv.Atoi(strings.TrimSpace(p.Value))
}

// envelope is the camera's wire format. value and opts entries arrive as
// either JSON strings or numbers depending on the key and firmware.
type envelope struct {
	Code  int          `json:"code"`
	Desc  string       `json:"desc"`
	Value flexString   `json:"value"`
	Opts  []flexString `json:"opts"`
	Min   int          `json:"min"`
	Max   int          `json:"max"`
}

type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// Client talks to one camera.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the camera at ip (host or host:port).
func NewClient(ip string) *Client {
	return &Client{base: "http://" + ip, http: httpc.Client}
}

// Get reads one parameter and its allowed options.
func (c *Client) Get(ctx context.Context, key string) (Param, error) {
	env, _, err := c.call(ctx, c.base+"/ctrl/get?k="+url.QueryEscape(key))
	if err != nil {
		return Param{}, fmt.Errorf("get %s: %w", key, err)
	}
	p := Param{Value: string(env.Value), Min: env.Min, Max: env.Max}
	for _, o := range env.Opts {
		p.Opts = append(p.Opts, string(o))
	}
	return p, nil
}

// Set writes one parameter. The camera echoes the usual envelope; a few
// firmwares reply with a plain "ok" body instead, which also counts.
func (c *Client) Set(ctx context.Context, key, value string) error {
	u := c.base + "/ctrl/set?" + url.QueryEscape(key) + "=" + url.QueryEscape(value)
	_, body, err := c.call(ctx, u)
	if err != nil {
		if errors.Is(err, errBadEnvelope) && strings.EqualFold(strings.TrimSpace(body), "ok") {
			return nil
		}
		return fmt.Errorf("set %s=%s: %w", key, value, err)
	}
	return nil
}

// RecordingStatus reports whether the camera is currently recording.
func (c *Client) RecordingStatus(ctx context.Context) (bool, error) {
	p, err := c.Get(ctx, "rec")
	if err != nil {
		return false, err
	}
	v := strings.ToLower(strings.TrimSpace(p.Value))
	return v == "on" || v == "recording" || v == "1", nil
}

// call performs one control GET and decodes the envelope. Returns the raw
// body alongside so Set can apply the "ok" fallback.
func (c *Client) call(ctx context.Context, u string) (envelope, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return envelope{}, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, "", fmt.Errorf("%w: %v", ErrHTTP, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return envelope{}, "", fmt.Errorf("%w: read body: %v", ErrHTTP, err)
	}
	if resp.StatusCode != http.StatusOK {
		return envelope{}, string(body), fmt.Errorf("%w: status %d", ErrHTTP, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		// Not an envelope at all. Let the caller inspect the body.
		return envelope{}, string(body), errBadEnvelope
	}
	if env.Code != 0 {
		return envelope{}, string(body), fmt.Errorf("%w: code %d %s", ErrRejected, env.Code, env.Desc)
	}
	return env, string(body), nil
}
