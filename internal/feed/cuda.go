//go:build nvenc && cgo

package feed

/*
#cgo CFLAGS: -I/usr/local/cuda/include
#cgo LDFLAGS: -lcuda

#include <cuda.h>

// cuCtxCreate/cuCtxDestroy are versioned macros; route them through real
// functions so cgo has symbols to bind.
static CUresult go_cu_ctx_create(CUcontext *ctx, unsigned int flags, CUdevice dev) {
    return cuCtxCreate(ctx, flags, dev);
}

static CUresult go_cu_ctx_destroy(CUcontext ctx) {
    return cuCtxDestroy(ctx);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

// cudaError carries a driver status plus its symbolic name.
type cudaError struct {
	Code  int
	Label string
	Call  string
}

func (e *cudaError) Error() string {
	return fmt.Sprintf("cuda: %s returned %s (%d)", e.Call, e.Label, e.Code)
}

func cudaCheck(call string, rv C.CUresult) error {
	if rv == C.CUDA_SUCCESS {
		return nil
	}
	var label *C.char
	C.cuGetErrorName(rv, &label)
	name := "unknown"
	if label != nil {
		name = C.GoString(label)
	}
	return &cudaError{Code: int(rv), Label: name, Call: call}
}

// CUDA initialization is process-wide and idempotent; the result (success or
// failure) is memoized.
var cudaInitOnce = sync.OnceValue(func() error {
	return cudaCheck("cuInit", C.cuInit(0))
})

func cudaInit() error { return cudaInitOnce() }

type cudaDevice struct {
	raw C.CUdevice
}

func cudaDeviceCount() (int, error) {
	if err := cudaInit(); err != nil {
		return 0, err
	}
	var count C.int
	if err := cudaCheck("cuDeviceGetCount", C.cuDeviceGetCount(&count)); err != nil {
		return 0, err
	}
	return int(count), nil
}

func newCUDADevice(idx int) (*cudaDevice, error) {
	if err := cudaInit(); err != nil {
		return nil, err
	}
	var raw C.CUdevice
	if err := cudaCheck("cuDeviceGet", C.cuDeviceGet(&raw, C.int(idx))); err != nil {
		return nil, err
	}
	return &cudaDevice{raw: raw}, nil
}

func (d *cudaDevice) name() (string, error) {
	buf := make([]C.char, 256)
	if err := cudaCheck("cuDeviceGetName", C.cuDeviceGetName(&buf[0], C.int(len(buf)), d.raw)); err != nil {
		return "", err
	}
	return C.GoString(&buf[0]), nil
}

func (d *cudaDevice) computeCapability() (major, minor int, err error) {
	var maj, min C.int
	if err := cudaCheck("cuDeviceGetAttribute",
		C.cuDeviceGetAttribute(&maj, C.CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR, d.raw)); err != nil {
		return 0, 0, err
	}
	if err := cudaCheck("cuDeviceGetAttribute",
		C.cuDeviceGetAttribute(&min, C.CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MINOR, d.raw)); err != nil {
		return 0, 0, err
	}
	return int(maj), int(min), nil
}

// cudaContext owns one driver context. The NVENC session holds a reference
// and the context must outlive it; destroy() runs only after the session is
// gone.
type cudaContext struct {
	raw C.CUcontext
}

func newCUDAContext(dev *cudaDevice) (*cudaContext, error) {
	var raw C.CUcontext
	if err := cudaCheck("cuCtxCreate",
		C.go_cu_ctx_create(&raw, C.CU_CTX_SCHED_BLOCKING_SYNC, dev.raw)); err != nil {
		return nil, err
	}
	return &cudaContext{raw: raw}, nil
}

func (c *cudaContext) ptr() unsafe.Pointer { return unsafe.Pointer(c.raw) }

func (c *cudaContext) destroy() error {
	if c.raw == nil {
		return nil
	}
	err := cudaCheck("cuCtxDestroy", C.go_cu_ctx_destroy(c.raw))
	c.raw = nil
	return err
}
