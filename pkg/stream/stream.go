// Package stream turns the camera's RTSP feed into single decoded RGB
// frames on demand.
//
// The camera's SDP is unreliable: substream attributes are sometimes
// wrong or missing. Discovery therefore ignores the advertised metadata
// and sniffs the packets themselves for H.264 NAL start codes to find
// the video substream.
package stream

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/surfai/zcamd/internal/log"
	"github.com/surfai/zcamd/pkg/rtsp"
)

var (
	// ErrNoVideoStream means discovery found no substream carrying
	// H.264 and no substream was large enough for the fallback.
	ErrNoVideoStream = errors.New("stream: no video substream found")

	// ErrStreamLost means a read failed mid-stream; the transport must
	// be reopened.
	ErrStreamLost = errors.New("stream: stream lost")

	// ErrFrameStarved means the packet cap was reached without a
	// decodable frame.
	ErrFrameStarved = errors.New("stream: frame starved")

	// ErrDecode means the decoder rejected the accumulated bitstream.
	ErrDecode = errors.New("stream: decode failed")
)

const (
	// Discovery samples this many packets looking for NAL start codes.
	discoveryPackets = 30

	// A packet must be at least this large for the start-code test;
	// small packets are SPS/PPS/audio and prove nothing.
	discoveryMinPacket = 1000

	// Fallback: the busiest substream qualifies as video only past
	// this many bytes over the sampling window.
	discoveryFallbackBytes = 50 << 10

	// AcquireFrame consumes at most this many video packets per call.
	acquirePacketCap = 200
)

// packetSource is the slice of rtsp.Conn the stream needs. Tests swap in
// a canned source.
type packetSource interface {
	ReadPacket() (channel int, payload []byte, err error)
	Close() error
}

// Frame is one decoded picture as packed 24-bit RGB.
type Frame struct {
	Pix    []byte // 3*Width*Height, RGB order
	Width  int
	Height int
}

// Stream is an open camera feed positioned on its video substream.
type Stream struct {
	src     packetSource
	videoCh int
	depack  *codecs.H264Packet
	accum   bytes.Buffer

	decode func(annexB []byte) (*Frame, error)
}

// Open dials rtsp://<ip>/live_stream, performs the handshake with TCP
// interleaving and locates the video substream by sniffing packets.
func Open(ip string) (*Stream, error) {
	conn, err := rtsp.Dial("rtsp://" + ip + "/live_stream")
	if err != nil {
		return nil, err
	}
	if _, err := conn.Describe(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.SetupAll(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Play(); err != nil {
		conn.Close()
		return nil, err
	}
	s, err := newStream(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func newStream(src packetSource) (*Stream, error) {
	s := &Stream{src: src}
	dec := NewDecoder()
	s.decode = dec.DecodeFrame

	ch, err := discover(src)
	if err != nil {
		return nil, err
	}
	s.videoCh = ch
	s.depack = &codecs.H264Packet{}
	return s, nil
}

// discover samples packets and classifies the video substream. Each RTP
// payload is depacketized per channel; a unit of at least 1000 bytes that
// opens with an Annex-B start code marks its channel as video. If nothing
// matches, the busiest channel wins provided it moved more than 50 KiB.
func discover(src packetSource) (int, error) {
	depacks := map[int]*codecs.H264Packet{}
	byteCount := map[int]int{}

	for i := 0; i < discoveryPackets; i++ {
		ch, payload, err := src.ReadPacket()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStreamLost, err)
		}
		if ch%2 == 1 { // RTCP
			continue
		}
		byteCount[ch] += len(payload)

		var pkt rtp.Packet
		if err := pkt.Unmarshal(payload); err != nil {
			continue
		}
		dp, ok := depacks[ch]
		if !ok {
			dp = &codecs.H264Packet{}
			depacks[ch] = dp
		}
		unit, err := dp.Unmarshal(pkt.Payload)
		if err != nil || len(unit) < discoveryMinPacket {
			continue
		}
		if hasStartCode(unit) {
			return ch, nil
		}
	}

	// No NAL signature seen. Fall back to the busiest substream.
	best, bestBytes := -1, 0
	for ch, n := range byteCount {
		if n > bestBytes {
			best, bestBytes = ch, n
		}
	}
	if best >= 0 && bestBytes > discoveryFallbackBytes {
		log.Warn("no NAL start code found, using busiest substream",
			"channel", best, "bytes", bestBytes)
		return best, nil
	}
	return 0, ErrNoVideoStream
}

// hasStartCode tests for the 3- or 4-byte Annex-B prefix.
func hasStartCode(b []byte) bool {
	if len(b) >= 4 && b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 1 {
		return true
	}
	return len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1
}

// AcquireFrame pulls packets from the video substream until one access
// unit decodes, or the packet cap is hit. Decode attempts happen at RTP
// marker boundaries (end of access unit).
func (s *Stream) AcquireFrame() (*Frame, error) {
	for read := 0; read < acquirePacketCap; {
		ch, payload, err := s.src.ReadPacket()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStreamLost, err)
		}
		if ch != s.videoCh {
			continue
		}
		read++

		var pkt rtp.Packet
		if err := pkt.Unmarshal(payload); err != nil {
			continue
		}
		unit, err := s.depack.Unmarshal(pkt.Payload)
		if err == nil {
			s.accum.Write(unit)
		}
		if !pkt.Marker || s.accum.Len() == 0 {
			continue
		}

		frame, err := s.decode(s.accum.Bytes())
		if err != nil {
			// Mid-GOP join or truncated unit; keep reading from the
			// next access unit.
			s.accum.Reset()
			continue
		}
		s.accum.Reset()
		return frame, nil
	}
	s.accum.Reset()
	return nil, ErrFrameStarved
}

// Close releases the transport.
func (s *Stream) Close() error {
	return s.src.Close()
}
