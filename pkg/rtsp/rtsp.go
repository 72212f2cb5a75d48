// Package rtsp implements a minimal RTSP/1.0 client speaking TCP
// interleaving only. The target camera mis-advertises its substreams and
// drops packets on UDP, so the session is pinned to interleaved RTP over
// the control connection and the caller classifies substreams itself from
// the raw packets.
package rtsp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

const (
	readBufSize      = 1 << 20
	handshakeTimeout = 10 * time.Second
	packetTimeout    = 3 * time.Second
)

// ErrBadResponse means the server answered with a non-2xx RTSP status.
var ErrBadResponse = errors.New("rtsp: bad response")

// Track is one media substream from the DESCRIBE answer.
type Track struct {
	Media   string // "video", "audio", ...
	Control string // resolved control URL
	Channel int    // interleaved channel assigned at SETUP
}

// Conn is one RTSP session over a single TCP connection.
type Conn struct {
	conn    net.Conn
	br      *bufio.Reader
	base    string
	cseq    int
	session string
	tracks  []Track
}

// Dial connects to an rtsp:// URL. The default port is 554.
func Dial(rawURL string) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("rtsp: parse url: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "554")
	}
	nc, err := net.DialTimeout("tcp", host, handshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("rtsp: dial %s: %w", host, err)
	}
	return &Conn{
		conn: nc,
		br:   bufio.NewReaderSize(nc, readBufSize),
		base: strings.TrimRight(rawURL, "/"),
	}, nil
}

// Describe requests the SDP and returns one Track per media section.
// Channels are not assigned until SetupAll.
func (c *Conn) Describe() ([]Track, error) {
	resp, err := c.roundTrip("DESCRIBE", c.base, map[string]string{
		"Accept": "application/sdp",
	})
	if err != nil {
		return nil, err
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(resp.body); err != nil {
		return nil, fmt.Errorf("rtsp: parse sdp: %w", err)
	}

	base := c.base
	if cb := resp.headers["Content-Base"]; cb != "" {
		base = strings.TrimRight(cb, "/")
	}

	c.tracks = c.tracks[:0]
	for _, m := range desc.MediaDescriptions {
		control := ""
		if v, ok := m.Attribute("control"); ok {
			control = v
		}
		c.tracks = append(c.tracks, Track{
			Media:   m.MediaName.Media,
			Control: resolveControl(base, control),
			Channel: -1,
		})
	}
	if len(c.tracks) == 0 {
		return nil, fmt.Errorf("rtsp: sdp has no media sections")
	}
	return c.tracks, nil
}

// SetupAll issues SETUP for every track with TCP interleaving. Track i is
// assigned channels 2i (RTP) and 2i+1 (RTCP).
func (c *Conn) SetupAll() error {
	for i := range c.tracks {
		ch := 2 * i
		hdrs := map[string]string{
			"Transport": fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d", ch, ch+1),
		}
		if c.session != "" {
			hdrs["Session"] = c.session
		}
		resp, err := c.roundTrip("SETUP", c.tracks[i].Control, hdrs)
		if err != nil {
			return fmt.Errorf("setup track %d: %w", i, err)
		}
		if s := resp.headers["Session"]; s != "" {
			// "Session: 12345;timeout=60"
			c.session = strings.TrimSpace(strings.SplitN(s, ";", 2)[0])
		}
		c.tracks[i].Channel = ch
	}
	return nil
}

// Play starts delivery on all set-up tracks.
func (c *Conn) Play() error {
	_, err := c.roundTrip("PLAY", c.base, map[string]string{
		"Session": c.session,
		"Range":   "npt=0.000-",
	})
	return err
}

// Tracks returns the tracks from the last Describe, with channels filled
// in after SetupAll.
func (c *Conn) Tracks() []Track { return c.tracks }

// ReadPacket returns the next interleaved RTP/RTCP payload and its
// channel. In-band RTSP messages (server keepalives, late replies) are
// parsed and discarded. Each read carries a short deadline so a stalled
// camera surfaces as an error instead of a hang.
func (c *Conn) ReadPacket() (channel int, payload []byte, err error) {
	for {
		c.conn.SetReadDeadline(time.Now().Add(packetTimeout))
		b, err := c.br.ReadByte()
		if err != nil {
			return 0, nil, fmt.Errorf("rtsp: read: %w", err)
		}
		if b == '$' {
			return readInterleavedBody(c.br, c.conn)
		}
		// Not a data frame: consume one RTSP message.
		if err := c.br.UnreadByte(); err != nil {
			return 0, nil, err
		}
		if _, err := readMessage(c.br); err != nil {
			return 0, nil, fmt.Errorf("rtsp: inband message: %w", err)
		}
	}
}

// Close tears the session down. TEARDOWN is best effort; the TCP close is
// what actually stops the camera.
func (c *Conn) Close() error {
	if c.session != "" {
		c.conn.SetDeadline(time.Now().Add(packetTimeout))
		c.writeRequest("TEARDOWN", c.base, map[string]string{"Session": c.session})
	}
	return c.conn.Close()
}

type response struct {
	status  int
	headers map[string]string
	body    []byte
}

func (c *Conn) roundTrip(method, target string, hdrs map[string]string) (*response, error) {
	c.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := c.writeRequest(method, target, hdrs); err != nil {
		return nil, err
	}
	for {
		// Interleaved data may already be flowing once PLAY has been
		// issued; skip frames until the reply arrives.
		b, err := c.br.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("rtsp: %s: %w", method, err)
		}
		if b == '$' {
			if _, _, err := readInterleavedBody(c.br, c.conn); err != nil {
				return nil, err
			}
			continue
		}
		if err := c.br.UnreadByte(); err != nil {
			return nil, err
		}
		resp, err := readMessage(c.br)
		if err != nil {
			return nil, fmt.Errorf("rtsp: %s: %w", method, err)
		}
		if resp.status < 200 || resp.status >= 300 {
			return nil, fmt.Errorf("%w: %s returned %d", ErrBadResponse, method, resp.status)
		}
		return resp, nil
	}
}

func (c *Conn) writeRequest(method, target string, hdrs map[string]string) error {
	c.cseq++
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s RTSP/1.0\r\n", method, target)
	fmt.Fprintf(&sb, "CSeq: %d\r\n", c.cseq)
	sb.WriteString("User-Agent: zcamd\r\n")
	for k, v := range hdrs {
		fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
	}
	sb.WriteString("\r\n")
	_, err := io.WriteString(c.conn, sb.String())
	if err != nil {
		return fmt.Errorf("rtsp: write %s: %w", method, err)
	}
	return nil
}

// readMessage parses one RTSP response (or in-band request, which is
// discarded by callers) including any Content-Length body.
func readMessage(br *bufio.Reader) (*response, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, err
	}
	resp := &response{headers: map[string]string{}}
	if strings.HasPrefix(line, "RTSP/") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("malformed status line %q", line)
		}
		if resp.status, err = strconv.Atoi(fields[1]); err != nil {
			return nil, fmt.Errorf("malformed status %q", fields[1])
		}
	} else {
		// Server-initiated request (e.g. OPTIONS keepalive). Treated
		// as a 200 so callers drop it and move on.
		resp.status = 200
	}

	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		resp.headers[textprotoKey(k)] = strings.TrimSpace(v)
	}

	if cl := resp.headers["Content-Length"]; cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad content-length %q", cl)
		}
		resp.body = make([]byte, n)
		if _, err := io.ReadFull(br, resp.body); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func readInterleavedBody(br *bufio.Reader, conn net.Conn) (int, []byte, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("rtsp: frame header: %w", err)
	}
	length := int(hdr[1])<<8 | int(hdr[2])
	payload := make([]byte, length)
	if conn != nil {
		conn.SetReadDeadline(time.Now().Add(packetTimeout))
	}
	if _, err := io.ReadFull(br, payload); err != nil {
		return 0, nil, fmt.Errorf("rtsp: frame body: %w", err)
	}
	return int(hdr[0]), payload, nil
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// textprotoKey canonicalizes a header name the way net/textproto does,
// without pulling the MIME reader into the hot path.
func textprotoKey(k string) string {
	k = strings.TrimSpace(k)
	parts := strings.Split(k, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, "-")
}

// resolveControl joins a media control attribute with the session base.
func resolveControl(base, control string) string {
	switch {
	case control == "" || control == "*":
		return base
	case strings.HasPrefix(control, "rtsp://"):
		return control
	default:
		return base + "/" + strings.TrimLeft(control, "/")
	}
}
