//go:build ndi && cgo

package ndi

/*
// Update include path to your NDI SDK Include directory, e.g.
// #cgo CFLAGS: -I/usr/local/include/ndi
// #cgo LDFLAGS: -L/usr/local/lib -lndi

#include <stdlib.h>
#include <Processing.NDI.Lib.h>

// Allocate a receiver preferring UYVY with an RGBA fallback, highest
// bandwidth, progressive frames only.
static NDIlib_recv_instance_t go_ndi_recv_create(NDIlib_source_t src, const char *name) {
    NDIlib_recv_create_v3_t cfg = {0};
    cfg.source_to_connect_to = src;
    cfg.color_format = NDIlib_recv_color_format_UYVY_RGBA;
    cfg.bandwidth = NDIlib_recv_bandwidth_highest;
    cfg.allow_video_fields = false;
    cfg.p_ndi_recv_name = name;
    return NDIlib_recv_create_v3(&cfg);
}
*/
import "C"

import (
	"errors"
	"unsafe"
)

// FourCC codes the receiver can deliver.
const (
	FourCCUYVY = 0x59565955 // 'UYVY'
	FourCCI420 = 0x30323449 // 'I420'
	FourCCBGRA = 0x41524742 // 'BGRA'
	FourCCBGRX = 0x58524742 // 'BGRX'
	FourCCRGBA = 0x41424752 // 'RGBA'
	FourCCRGBX = 0x58424752 // 'RGBX'
)

// FrameKind tags the result of a capture call.
type FrameKind int

const (
	FrameNone FrameKind = iota
	FrameVideo
	FrameAudio
	FrameMetadata
	FrameStatusChange
	FrameError
)

// Initialize loads the NDI runtime. Idempotent.
func Initialize() bool { return bool(C.NDIlib_initialize()) }

// SourceInfo names a discovered source.
type SourceInfo struct{ Name, URL string }

// ListSources performs a one-shot discovery and returns copies of the
// name+url strings.
func ListSources(timeoutMs int) []SourceInfo {
	fi := C.NDIlib_find_create_v2(nil)
	if fi == nil {
		return nil
	}
	defer C.NDIlib_find_destroy(fi)
	C.NDIlib_find_wait_for_sources(fi, C.uint(timeoutMs))
	var no C.uint
	arr := C.NDIlib_find_get_current_sources(fi, &no)
	if arr == nil || no == 0 {
		return nil
	}
	out := make([]SourceInfo, 0, int(no))
	s := (*[1 << 28]C.NDIlib_source_t)(unsafe.Pointer(arr))[:no:no]
	for i := 0; i < int(no); i++ {
		var name, url string
		if s[i].p_ndi_name != nil {
			name = C.GoString(s[i].p_ndi_name)
		}
		if s[i].p_url_address != nil {
			url = C.GoString(s[i].p_url_address)
		}
		out = append(out, SourceInfo{Name: name, URL: url})
	}
	return out
}

// Receiver wraps one NDI receive instance. It owns a single reusable
// capture-side buffer: the VideoFrame returned by CaptureVideo aliases that
// buffer and is only valid until the next CaptureVideo call.
type Receiver struct {
	inst C.NDIlib_recv_instance_t
	buf  []byte
}

// NewReceiver connects to a source by URL.
func NewReceiver(url, recvName string) (*Receiver, error) {
	curl := C.CString(url)
	defer C.free(unsafe.Pointer(curl))
	cname := C.CString(recvName)
	defer C.free(unsafe.Pointer(cname))

	var src C.NDIlib_source_t
	src.p_ndi_name = nil
	src.p_url_address = curl
	inst := C.go_ndi_recv_create(src, cname)
	if inst == nil {
		return nil, errors.New("NDIlib_recv_create_v3 failed")
	}
	return &Receiver{inst: inst}, nil
}

// VideoFrame is one captured video frame. Data aliases the receiver's
// reusable buffer; consume or clone before the next CaptureVideo call.
type VideoFrame struct {
	W, H       int
	Stride     int
	FourCC     uint32
	Timecode   int64 // 100 ns units, per the NDI timecode clock
	FrameRateN uint32
	FrameRateD uint32
	Data       []byte
}

// CaptureVideo blocks up to timeoutMs for the next frame and reports what
// arrived. The returned VideoFrame is non-nil only for FrameVideo.
func (r *Receiver) CaptureVideo(timeoutMs int) (*VideoFrame, FrameKind, error) {
	var vf C.NDIlib_video_frame_v2_t
	ftype := C.NDIlib_recv_capture_v2(r.inst, &vf, nil, nil, C.uint(timeoutMs))
	switch ftype {
	case C.NDIlib_frame_type_video:
		stride := int(vf.line_stride_in_bytes)
		h := int(vf.yres)
		size := stride * h
		if cap(r.buf) < size {
			r.buf = make([]byte, size)
		}
		r.buf = r.buf[:size]
		copy(r.buf, unsafe.Slice((*byte)(unsafe.Pointer(vf.p_data)), size))
		out := &VideoFrame{
			W:          int(vf.xres),
			H:          h,
			Stride:     stride,
			FourCC:     uint32(vf.FourCC),
			Timecode:   int64(vf.timecode),
			FrameRateN: uint32(vf.frame_rate_N),
			FrameRateD: uint32(vf.frame_rate_D),
			Data:       r.buf,
		}
		C.NDIlib_recv_free_video_v2(r.inst, &vf)
		return out, FrameVideo, nil
	case C.NDIlib_frame_type_audio:
		return nil, FrameAudio, nil
	case C.NDIlib_frame_type_metadata:
		return nil, FrameMetadata, nil
	case C.NDIlib_frame_type_status_change:
		return nil, FrameStatusChange, nil
	case C.NDIlib_frame_type_error:
		return nil, FrameError, errors.New("NDI error frame received")
	default:
		return nil, FrameNone, nil
	}
}

// Close destroys the receive instance.
func (r *Receiver) Close() {
	if r.inst != nil {
		C.NDIlib_recv_destroy(r.inst)
		r.inst = nil
	}
}
