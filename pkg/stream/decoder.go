package stream

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os/exec"
	"time"
)

// decodeTimeout bounds one ffmpeg invocation. A healthy decode finishes
// in well under a second even on the fleet's small boxes.
const decodeTimeout = 2 * time.Second

// Decoder turns an H.264 Annex-B access unit into a decoded RGB frame by
// piping it through a one-shot ffmpeg process. No temp files; stdin in,
// one MJPEG frame out. Width, height and pixel format come from the
// bitstream itself, never from container metadata.
type Decoder struct {
	ffmpeg string
}

// NewDecoder returns a decoder using ffmpeg from PATH.
func NewDecoder() *Decoder {
	return &Decoder{ffmpeg: "ffmpeg"}
}

// DecodeFrame decodes the first picture in annexB and returns it as
// packed 24-bit RGB at native resolution.
func (d *Decoder) DecodeFrame(annexB []byte) (*Frame, error) {
	if len(annexB) < 100 {
		return nil, fmt.Errorf("%w: access unit too small (%d bytes)", ErrDecode, len(annexB))
	}

	cmd := exec.Command(d.ffmpeg,
		"-hide_banner",
		"-loglevel", "error",
		"-f", "h264", // raw Annex-B input
		"-i", "pipe:0",
		"-vframes", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "2",
		"-sws_flags", "bilinear",
		"pipe:1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrDecode, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrDecode, err)
	}

	go func() {
		stdin.Write(annexB)
		stdin.Close()
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("%w: ffmpeg: %v (%s)", ErrDecode, err, firstLine(stderr.Bytes()))
		}
	case <-time.After(decodeTimeout):
		cmd.Process.Kill()
		<-done
		return nil, fmt.Errorf("%w: ffmpeg timed out", ErrDecode)
	}

	img, err := jpeg.Decode(bytes.NewReader(stdout.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("%w: jpeg: %v", ErrDecode, err)
	}
	return fromImage(img), nil
}

// fromImage converts any decoded image to a packed RGB24 frame.
func fromImage(img image.Image) *Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	f := &Frame{Pix: make([]byte, 3*w*h), Width: w, Height: h}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			f.Pix[i] = byte(r >> 8)
			f.Pix[i+1] = byte(g >> 8)
			f.Pix[i+2] = byte(bl >> 8)
			i += 3
		}
	}
	return f
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
