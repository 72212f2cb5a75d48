package rtsp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 10.1.1.21\r\n" +
	"s=ZCAM\r\n" +
	"t=0 0\r\n" +
	"m=video 0 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=control:track0\r\n" +
	"m=audio 0 RTP/AVP 97\r\n" +
	"a=control:track1\r\n"

func TestReadMessageParsesResponse(t *testing.T) {
	raw := "RTSP/1.0 200 OK\r\n" +
		"CSeq: 2\r\n" +
		"content-base: rtsp://10.1.1.21/live_stream/\r\n" +
		"Content-Length: 5\r\n" +
		"\r\n" +
		"hello"
	resp, err := readMessage(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.status)
	assert.Equal(t, "rtsp://10.1.1.21/live_stream/", resp.headers["Content-Base"])
	assert.Equal(t, []byte("hello"), resp.body)
}

func TestReadMessageTreatsServerRequestAsNoise(t *testing.T) {
	raw := "OPTIONS * RTSP/1.0\r\nCSeq: 9\r\n\r\n"
	resp, err := readMessage(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.status)
}

func TestReadInterleavedBody(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 300)
	var buf bytes.Buffer
	buf.WriteByte(2)    // channel
	buf.WriteByte(0x01) // length hi
	buf.WriteByte(0x2C) // length lo (300)
	buf.Write(payload)

	ch, got, err := readInterleavedBody(bufio.NewReader(&buf), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, ch)
	assert.Equal(t, payload, got)
}

func TestResolveControl(t *testing.T) {
	base := "rtsp://10.1.1.21/live_stream"
	assert.Equal(t, base, resolveControl(base, "*"))
	assert.Equal(t, base+"/track0", resolveControl(base, "track0"))
	assert.Equal(t, "rtsp://x/y", resolveControl(base, "rtsp://x/y"))
}

// fakeServer answers the handshake over one side of a pipe, then streams
// interleaved frames.
func fakeServer(t *testing.T, conn net.Conn, frames [][]byte) {
	t.Helper()
	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		method := strings.Fields(line)[0]
		cseq := ""
		for {
			h, err := br.ReadString('\n')
			if err != nil {
				return
			}
			h = strings.TrimRight(h, "\r\n")
			if h == "" {
				break
			}
			if strings.HasPrefix(h, "CSeq:") {
				cseq = strings.TrimSpace(strings.TrimPrefix(h, "CSeq:"))
			}
		}

		switch method {
		case "DESCRIBE":
			fmt.Fprintf(conn, "RTSP/1.0 200 OK\r\nCSeq: %s\r\nContent-Length: %d\r\n\r\n%s",
				cseq, len(testSDP), testSDP)
		case "SETUP":
			fmt.Fprintf(conn, "RTSP/1.0 200 OK\r\nCSeq: %s\r\nSession: 77;timeout=60\r\n\r\n", cseq)
		case "PLAY":
			fmt.Fprintf(conn, "RTSP/1.0 200 OK\r\nCSeq: %s\r\nSession: 77\r\n\r\n", cseq)
			for i, f := range frames {
				hdr := []byte{'$', byte(2 * (i % 2)), byte(len(f) >> 8), byte(len(f))}
				conn.Write(append(hdr, f...))
			}
		case "TEARDOWN":
			fmt.Fprintf(conn, "RTSP/1.0 200 OK\r\nCSeq: %s\r\n\r\n", cseq)
			return
		}
	}
}

func pipeConn(t *testing.T, frames [][]byte) *Conn {
	t.Helper()
	client, server := net.Pipe()
	go fakeServer(t, server, frames)
	t.Cleanup(func() { client.Close(); server.Close() })
	return &Conn{
		conn: client,
		br:   bufio.NewReaderSize(client, readBufSize),
		base: "rtsp://10.1.1.21/live_stream",
	}
}

func TestSessionHandshakeAndPackets(t *testing.T) {
	frames := [][]byte{
		{0x00, 0x00, 0x00, 0x01, 0x67, 0x42}, // channel 0
		{0x11, 0x22, 0x33},                   // channel 2
	}
	c := pipeConn(t, frames)

	tracks, err := c.Describe()
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, "video", tracks[0].Media)
	assert.Equal(t, "rtsp://10.1.1.21/live_stream/track0", tracks[0].Control)

	require.NoError(t, c.SetupAll())
	assert.Equal(t, "77", c.session)
	assert.Equal(t, 0, c.Tracks()[0].Channel)
	assert.Equal(t, 2, c.Tracks()[1].Channel)

	require.NoError(t, c.Play())

	ch, p, err := c.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, 0, ch)
	assert.Equal(t, frames[0], p)

	ch, p, err = c.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, 2, ch)
	assert.Equal(t, frames[1], p)
}

func TestReadPacketSkipsInbandMessages(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("RTSP/1.0 200 OK\r\nCSeq: 5\r\n\r\n")
	buf.Write([]byte{'$', 0, 0, 2, 0xCA, 0xFE})

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	go func() {
		server.Write(buf.Bytes())
	}()

	c := &Conn{conn: client, br: bufio.NewReader(client)}
	ch, p, err := c.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, 0, ch)
	assert.Equal(t, []byte{0xCA, 0xFE}, p)
}

func TestBadStatusIsError(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	go func() {
		br := bufio.NewReader(server)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if strings.TrimRight(line, "\r\n") == "" {
				break
			}
		}
		io.WriteString(server, "RTSP/1.0 454 Session Not Found\r\nCSeq: 1\r\n\r\n")
	}()

	c := &Conn{conn: client, br: bufio.NewReader(client), base: "rtsp://cam/live_stream"}
	_, err := c.Describe()
	assert.ErrorIs(t, err, ErrBadResponse)
}
