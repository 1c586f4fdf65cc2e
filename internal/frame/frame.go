package frame

import (
	"fmt"
)

// PixelFormat identifies the memory layout of a video frame payload.
type PixelFormat int

const (
	// FormatI420 is planar 4:2:0: full-resolution Y plane followed by
	// quarter-resolution U then V planes.
	FormatI420 PixelFormat = iota
	// FormatUYVY is packed 4:2:2: two luma samples share one U/V pair.
	FormatUYVY
)

func (f PixelFormat) String() string {
	switch f {
	case FormatI420:
		return "i420"
	case FormatUYVY:
		return "uyvy"
	default:
		return fmt.Sprintf("pixelformat(%d)", int(f))
	}
}

// Framerate is a frame rate expressed as a fraction.
type Framerate struct {
	Num uint32
	Den uint32
}

// Ratio collapses the fraction into a single value.
func (r Framerate) Ratio() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Resolution is an ordered (width, height) pair in pixels. It is the equality
// key used to detect encoder reconfiguration.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Buffer is a single raw video frame. The payload is shared between the
// producer and any number of consumers and must never be mutated once the
// frame has been handed out.
type Buffer struct {
	Format          PixelFormat
	Width           int
	Height          int
	LineStride      int
	TimestampMicros int64
	Framerate       Framerate
	Data            []byte
}

// Resolution returns the frame dimensions.
func (b *Buffer) Resolution() Resolution {
	return Resolution{Width: b.Width, Height: b.Height}
}

// ConversionError reports a failure inside the color conversion routine.
type ConversionError struct {
	Status int
	Reason string
}

func (e *ConversionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("color conversion failed: %s (status %d)", e.Reason, e.Status)
	}
	return fmt.Sprintf("color conversion failed: status %d", e.Status)
}

// ToI420 converts the frame to planar I420. An I420 frame is returned as a
// shallow clone sharing the same payload. UYVY frames are downsampled
// 4:2:2 to 4:2:0 with co-sited luma; the output strides are
// (width, width/2, width/2) and the timestamp and framerate carry over.
func (b *Buffer) ToI420() (*Buffer, error) {
	switch b.Format {
	case FormatI420:
		clone := *b
		return &clone, nil
	case FormatUYVY:
		return b.uyvyToI420()
	default:
		return nil, &ConversionError{Reason: fmt.Sprintf("unsupported pixel format %s", b.Format)}
	}
}

func (b *Buffer) uyvyToI420() (*Buffer, error) {
	w, h := b.Width, b.Height
	if b.LineStride < 2*w {
		return nil, &ConversionError{Reason: fmt.Sprintf("uyvy stride %d shorter than 2*width %d", b.LineStride, 2*w)}
	}
	if len(b.Data) < b.LineStride*h {
		return nil, &ConversionError{Reason: fmt.Sprintf("uyvy payload %dB shorter than stride*height %dB", len(b.Data), b.LineStride*h)}
	}

	yuv := make([]byte, I420Size(w, h))
	if err := uyvyToI420(b.Data, b.LineStride, w, h, yuv); err != nil {
		return nil, err
	}

	return &Buffer{
		Format:          FormatI420,
		Width:           w,
		Height:          h,
		LineStride:      w,
		TimestampMicros: b.TimestampMicros,
		Framerate:       b.Framerate,
		Data:            yuv,
	}, nil
}

// I420Size returns the payload length of an I420 frame: the Y plane plus two
// quarter-resolution chroma planes.
func I420Size(w, h int) int {
	return w*h + 2*(w*h/4)
}

// YUVSlices returns non-overlapping views of the Y, U and V planes of an
// I420 payload. The views cover the entire payload.
func (b *Buffer) YUVSlices() (y, u, v []byte, err error) {
	if b.Format != FormatI420 {
		return nil, nil, nil, fmt.Errorf("yuv slices require i420, have %s", b.Format)
	}
	dim := b.Width * b.Height
	quarter := dim / 4
	if len(b.Data) < dim+2*quarter {
		return nil, nil, nil, fmt.Errorf("i420 payload %dB shorter than %dB", len(b.Data), dim+2*quarter)
	}
	y = b.Data[:dim:dim]
	u = b.Data[dim : dim+quarter : dim+quarter]
	v = b.Data[dim+quarter : dim+2*quarter : dim+2*quarter]
	return y, u, v, nil
}
