//go:build ipp && cgo

package frame

/*
#cgo CFLAGS: -I${SRCDIR}/../../third_party/ipp/include
// Point IPPROOT at your oneAPI IPP installation, e.g.
// #cgo CFLAGS: -I/opt/intel/oneapi/ipp/latest/include
// #cgo LDFLAGS: -L/opt/intel/oneapi/ipp/latest/lib/intel64 -lippi -lipps -lippcore
#cgo LDFLAGS: -lippi -lipps -lippcore

#include <ippi.h>
*/
import "C"

import "unsafe"

// uyvyToI420 converts packed UYVY 4:2:2 to planar I420 using IPP
// (CbYCr422 to YCbCr420 plane split).
func uyvyToI420(src []byte, stride, w, h int, dst []byte) error {
	dim := w * h
	y := unsafe.Pointer(&dst[0])
	u := unsafe.Pointer(&dst[dim])
	v := unsafe.Pointer(&dst[dim+dim/4])

	dstSlices := [3]*C.Ipp8u{(*C.Ipp8u)(y), (*C.Ipp8u)(u), (*C.Ipp8u)(v)}
	dstSteps := [3]C.int{C.int(w), C.int(w / 2), C.int(w / 2)}

	rv := C.ippiCbYCr422ToYCbCr420_8u_C2P3R(
		(*C.Ipp8u)(unsafe.Pointer(&src[0])), C.int(stride),
		&dstSlices[0], &dstSteps[0],
		C.IppiSize{width: C.int(w), height: C.int(h)},
	)
	if rv != C.ippStsNoErr {
		return &ConversionError{Status: int(rv), Reason: "ippiCbYCr422ToYCbCr420_8u_C2P3R"}
	}
	return nil
}

// ConversionImpl reports the active color conversion backend.
func ConversionImpl() string { return "ipp" }
