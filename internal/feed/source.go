package feed

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"telestrator/internal/frame"
	"telestrator/internal/ndi"
)

// Source yields raw video frames from a capture collaborator.
type Source interface {
	// GetFrame blocks for up to the source receive timeout. It returns
	// (nil, nil) when no video frame arrived in time, and a SourceError on
	// explicit error signals from the capture stream. Non-video frames are
	// skipped. The returned frame is immutable and safe to share.
	GetFrame() (*frame.Buffer, error)
	Close() error
}

// SourceError is an explicit capture failure. It is fatal to the feed worker.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string { return fmt.Sprintf("capture source: %v", e.Err) }
func (e *SourceError) Unwrap() error { return e.Err }

const defaultRecvTimeout = time.Second

// SourceConfig describes an NDI source to connect to.
type SourceConfig struct {
	Name        string
	URL         string
	RecvTimeout time.Duration
}

// Build connects a receiver for the configured source.
func (c SourceConfig) Build() (Source, error) {
	recv, err := ndi.NewReceiver(c.URL, "Telestrator")
	if err != nil {
		return nil, fmt.Errorf("connect to %q: %w", c.Name, err)
	}
	timeout := c.RecvTimeout
	if timeout <= 0 {
		timeout = defaultRecvTimeout
	}
	return &ndiSource{recv: recv, recvTimeout: timeout}, nil
}

// FindSource discovers sources and picks the first one whose name contains
// the given substring (case-insensitive).
func FindSource(name string) (SourceConfig, error) {
	if !ndi.Initialize() {
		return SourceConfig{}, fmt.Errorf("NDI runtime unavailable")
	}
	srcs := ndi.ListSources(2000)
	low := strings.ToLower(name)
	for _, s := range srcs {
		if strings.Contains(strings.ToLower(s.Name), low) {
			return SourceConfig{Name: s.Name, URL: s.URL, RecvTimeout: defaultRecvTimeout}, nil
		}
	}
	return SourceConfig{}, fmt.Errorf("no NDI source matching %q among %d found", name, len(srcs))
}

// BuildInteractiveSource enumerates available sources on stdout and reads the
// selected index from the given reader (normally stdin).
func BuildInteractiveSource(in io.Reader, out io.Writer) (SourceConfig, error) {
	if !ndi.Initialize() {
		return SourceConfig{}, fmt.Errorf("NDI runtime unavailable")
	}
	srcs := ndi.ListSources(2000)
	if len(srcs) == 0 {
		return SourceConfig{}, fmt.Errorf("no NDI sources were found within the timeout")
	}

	fmt.Fprintln(out, "Available sources:")
	for i, s := range srcs {
		fmt.Fprintf(out, "%d) %s\n", i, s.Name)
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil {
		return SourceConfig{}, fmt.Errorf("read selection: %w", err)
	}
	idx, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || idx < 0 || idx >= len(srcs) {
		return SourceConfig{}, fmt.Errorf("invalid source index %q", strings.TrimSpace(line))
	}

	s := srcs[idx]
	return SourceConfig{Name: s.Name, URL: s.URL, RecvTimeout: defaultRecvTimeout}, nil
}

// ndiSource pulls frames from one NDI receiver.
type ndiSource struct {
	recv        *ndi.Receiver
	recvTimeout time.Duration
}

func (s *ndiSource) GetFrame() (*frame.Buffer, error) {
	deadline := time.Now().Add(s.recvTimeout)
	for time.Now().Before(deadline) {
		vf, kind, err := s.recv.CaptureVideo(100)
		switch kind {
		case ndi.FrameVideo:
		case ndi.FrameError:
			return nil, &SourceError{Err: err}
		default:
			continue
		}

		format, err := pixelFormatForFourCC(vf.FourCC)
		if err != nil {
			return nil, &SourceError{Err: err}
		}

		// The receiver's buffer is reused on the next capture; the frame
		// payload has to be our own copy.
		data := make([]byte, len(vf.Data))
		copy(data, vf.Data)

		return &frame.Buffer{
			Format:     format,
			Width:      vf.W,
			Height:     vf.H,
			LineStride: vf.Stride,
			// NDI timecodes are in 100 ns units.
			TimestampMicros: vf.Timecode / 10,
			Framerate:       frame.Framerate{Num: vf.FrameRateN, Den: vf.FrameRateD},
			Data:            data,
		}, nil
	}
	return nil, nil
}

func (s *ndiSource) Close() error {
	s.recv.Close()
	return nil
}

// pixelFormatForFourCC maps NDI FourCC codes onto supported pixel formats.
// BGRA/RGBA variants are rejected: the receiver is configured for UYVY with
// RGBA fallback, and the encode pipeline only accepts 4:2:2/4:2:0 input.
func pixelFormatForFourCC(fourCC uint32) (frame.PixelFormat, error) {
	switch fourCC {
	case ndi.FourCCUYVY:
		return frame.FormatUYVY, nil
	case ndi.FourCCI420:
		return frame.FormatI420, nil
	case ndi.FourCCBGRA, ndi.FourCCBGRX, ndi.FourCCRGBA, ndi.FourCCRGBX:
		return 0, fmt.Errorf("unsupported RGB capture format %08x", fourCC)
	default:
		log.Warn().Uint32("fourcc", fourCC).Msg("unknown capture FourCC")
		return 0, fmt.Errorf("unsupported capture format %08x", fourCC)
	}
}
