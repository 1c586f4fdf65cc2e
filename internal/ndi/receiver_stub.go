//go:build !ndi || !cgo

package ndi

import "errors"

// Stub used when the NDI SDK is not linked in. Capture is unavailable but
// the rest of the binary still builds.

const (
	FourCCUYVY = 0x59565955
	FourCCI420 = 0x30323449
	FourCCBGRA = 0x41524742
	FourCCBGRX = 0x58524742
	FourCCRGBA = 0x41424752
	FourCCRGBX = 0x58424752
)

type FrameKind int

const (
	FrameNone FrameKind = iota
	FrameVideo
	FrameAudio
	FrameMetadata
	FrameStatusChange
	FrameError
)

var errUnavailable = errors.New("NDI support not compiled in")

type SourceInfo struct{ Name, URL string }

type VideoFrame struct {
	W, H       int
	Stride     int
	FourCC     uint32
	Timecode   int64
	FrameRateN uint32
	FrameRateD uint32
	Data       []byte
}

type Receiver struct{}

func Initialize() bool { return false }

func ListSources(timeoutMs int) []SourceInfo { return nil }

func NewReceiver(url, recvName string) (*Receiver, error) { return nil, errUnavailable }

func (r *Receiver) CaptureVideo(timeoutMs int) (*VideoFrame, FrameKind, error) {
	return nil, FrameNone, errUnavailable
}

func (r *Receiver) Close() {}
