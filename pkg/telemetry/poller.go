package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/surfai/zcamd/internal/log"
)

// Job statuses reported back to the queue.
const (
	StatusWorking = "working"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

const (
	pollTimeout = 90 * time.Second // long poll: server holds until work exists
	pollRetry   = 30 * time.Second
)

// Request is one queued job for this host.
type Request struct {
	ID     string            `json:"id"`
	API    string            `json:"api"`
	Params map[string]string `json:"params"`
}

// Poller long-polls the site server's request queue and dispatches jobs.
// Two APIs are handled internally: "keepalive" is a no-op and "shutdown"
// ends the Run loop.
type Poller struct {
	server   string
	service  string
	host     string
	instance string
	http     *http.Client

	// Handle services any job other than keepalive/shutdown. A nil
	// Handle reports every such job as failed.
	Handle func(ctx context.Context, req Request) error
}

// NewPoller registers under the given service name for this host.
func NewPoller(server, service, host string) *Poller {
	return &Poller{
		server:   server,
		service:  service,
		host:     host,
		instance: uuid.NewString(),
		http:     &http.Client{Timeout: pollTimeout},
	}
}

// Run polls until shutdown is requested by the server or ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		req, err := p.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warn("queue poll failed", "service", p.service, "err", err)
			sleep(ctx, pollRetry)
			continue
		}
		if req == nil {
			// Empty poll. The server normally holds the request open,
			// so pace the loop for servers that answer immediately.
			sleep(ctx, time.Second)
			continue
		}

		switch req.API {
		case "keepalive":
			continue
		case "shutdown":
			log.Info("shutdown requested by server", "service", p.service)
			p.postStatus(ctx, req.ID, StatusDone, "")
			return nil
		}

		p.postStatus(ctx, req.ID, StatusWorking, "")
		if p.Handle == nil {
			p.postStatus(ctx, req.ID, StatusFailed, "no handler for "+req.API)
			continue
		}
		if err := p.Handle(ctx, *req); err != nil {
			p.postStatus(ctx, req.ID, StatusFailed, err.Error())
		} else {
			p.postStatus(ctx, req.ID, StatusDone, "")
		}
	}
	return ctx.Err()
}

// poll issues one long-poll GET. A 204 or empty body means no work.
func (p *Poller) poll(ctx context.Context) (*Request, error) {
	u := fmt.Sprintf("%s/apis/requests?service=%s&host=%s",
		p.server, url.QueryEscape(p.service), url.QueryEscape(p.host))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("queue returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var r Request
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("queue body: %w", err)
	}
	return &r, nil
}

func (p *Poller) postStatus(ctx context.Context, id, status, detail string) {
	payload, _ := json.Marshal(map[string]string{
		"id":       id,
		"service":  p.service,
		"host":     p.host,
		"instance": p.instance,
		"status":   status,
		"detail":   detail,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.server+"/apis/requests/status", bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		log.Warn("status post failed", "id", id, "status", status, "err", err)
		return
	}
	resp.Body.Close()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
