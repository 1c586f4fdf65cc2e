//go:build nvenc && cgo

package feed

/*
#cgo CFLAGS: -I/usr/local/cuda/include
#cgo LDFLAGS: -lnvidia-encode

#include <stdlib.h>
#include <string.h>
#include <nvEncodeAPI.h>

// NVENC dispatches through a function table; each entry point used below
// gets a shim so Go never calls a C function pointer directly.

static NVENCSTATUS go_nv_make_api(NV_ENCODE_API_FUNCTION_LIST *api) {
    memset(api, 0, sizeof(*api));
    api->version = NV_ENCODE_API_FUNCTION_LIST_VER;
    return NvEncodeAPICreateInstance(api);
}

static NVENCSTATUS go_nv_open_session(NV_ENCODE_API_FUNCTION_LIST *api, void *cudaCtx, void **enc) {
    NV_ENC_OPEN_ENCODE_SESSION_EX_PARAMS params;
    memset(&params, 0, sizeof(params));
    params.version = NV_ENC_OPEN_ENCODE_SESSION_EX_PARAMS_VER;
    params.apiVersion = NVENCAPI_VERSION;
    params.deviceType = NV_ENC_DEVICE_TYPE_CUDA;
    params.device = cudaCtx;
    return api->nvEncOpenEncodeSessionEx(&params, enc);
}

static NVENCSTATUS go_nv_supports_h264(NV_ENCODE_API_FUNCTION_LIST *api, void *enc, int *supported) {
    uint32_t count = 0, got = 0;
    NVENCSTATUS st = api->nvEncGetEncodeGUIDCount(enc, &count);
    if (st != NV_ENC_SUCCESS) return st;
    GUID *guids = (GUID *)malloc(sizeof(GUID) * count);
    if (guids == NULL) return NV_ENC_ERR_OUT_OF_MEMORY;
    st = api->nvEncGetEncodeGUIDs(enc, guids, count, &got);
    if (st != NV_ENC_SUCCESS) { free(guids); return st; }
    GUID h264 = NV_ENC_CODEC_H264_GUID;
    *supported = 0;
    for (uint32_t i = 0; i < got; i++) {
        if (memcmp(&guids[i], &h264, sizeof(GUID)) == 0) { *supported = 1; break; }
    }
    free(guids);
    return NV_ENC_SUCCESS;
}

// go_nv_initialize fills *cfg from the P4 low-latency preset, applies the
// session's rate control and GOP settings, and initializes the encoder.
// *init and *cfg stay cached on the Go side for later reconfiguration.
static NVENCSTATUS go_nv_initialize(NV_ENCODE_API_FUNCTION_LIST *api, void *enc,
                                    uint32_t width, uint32_t height,
                                    uint32_t fpsNum, uint32_t fpsDen,
                                    uint32_t bitrateBps,
                                    NV_ENC_CONFIG *cfg, NV_ENC_INITIALIZE_PARAMS *init) {
    memset(init, 0, sizeof(*init));
    init->version = NV_ENC_INITIALIZE_PARAMS_VER;
    init->encodeGUID = NV_ENC_CODEC_H264_GUID;
    init->presetGUID = NV_ENC_PRESET_P4_GUID;
    init->tuningInfo = NV_ENC_TUNING_INFO_LOW_LATENCY;
    init->encodeWidth = width;
    init->encodeHeight = height;
    init->darWidth = width;
    init->darHeight = height;
    init->frameRateNum = fpsNum;
    init->frameRateDen = fpsDen;
    init->enablePTD = 1;
    init->enableEncodeAsync = 0;

    NV_ENC_PRESET_CONFIG preset;
    memset(&preset, 0, sizeof(preset));
    preset.version = NV_ENC_PRESET_CONFIG_VER;
    preset.presetCfg.version = NV_ENC_CONFIG_VER;
    NVENCSTATUS st = api->nvEncGetEncodePresetConfigEx(enc, init->encodeGUID,
                                                       init->presetGUID, init->tuningInfo, &preset);
    if (st != NV_ENC_SUCCESS) return st;

    memcpy(cfg, &preset.presetCfg, sizeof(NV_ENC_CONFIG));
    cfg->version = NV_ENC_CONFIG_VER;
    cfg->frameFieldMode = NV_ENC_PARAMS_FRAME_FIELD_MODE_FRAME;
    cfg->gopLength = 10;
    cfg->frameIntervalP = 1;
    cfg->rcParams.rateControlMode = NV_ENC_PARAMS_RC_CBR;
    cfg->rcParams.averageBitRate = bitrateBps;
    cfg->encodeCodecConfig.h264Config.idrPeriod = cfg->gopLength;
    init->encodeConfig = cfg;

    return api->nvEncInitializeEncoder(enc, init);
}

static NVENCSTATUS go_nv_reconfigure(NV_ENCODE_API_FUNCTION_LIST *api, void *enc,
                                     uint32_t width, uint32_t height,
                                     uint32_t fpsNum, uint32_t fpsDen,
                                     uint32_t bitrateBps, int forceIDR,
                                     NV_ENC_CONFIG *cfg, NV_ENC_INITIALIZE_PARAMS *init) {
    init->encodeWidth = width;
    init->encodeHeight = height;
    init->darWidth = width;
    init->darHeight = height;
    init->frameRateNum = fpsNum;
    init->frameRateDen = fpsDen;
    cfg->rcParams.averageBitRate = bitrateBps;
    init->encodeConfig = cfg;

    NV_ENC_RECONFIGURE_PARAMS re;
    memset(&re, 0, sizeof(re));
    re.version = NV_ENC_RECONFIGURE_PARAMS_VER;
    re.reInitEncodeParams = *init;
    re.resetEncoder = 1;
    re.forceIDR = forceIDR ? 1 : 0;
    return api->nvEncReconfigureEncoder(enc, &re);
}

static NVENCSTATUS go_nv_create_input(NV_ENCODE_API_FUNCTION_LIST *api, void *enc,
                                      uint32_t w, uint32_t h, NV_ENC_INPUT_PTR *buf) {
    NV_ENC_CREATE_INPUT_BUFFER p;
    memset(&p, 0, sizeof(p));
    p.version = NV_ENC_CREATE_INPUT_BUFFER_VER;
    p.width = w;
    p.height = h;
    p.bufferFmt = NV_ENC_BUFFER_FORMAT_IYUV;
    NVENCSTATUS st = api->nvEncCreateInputBuffer(enc, &p);
    if (st == NV_ENC_SUCCESS) *buf = p.inputBuffer;
    return st;
}

static NVENCSTATUS go_nv_destroy_input(NV_ENCODE_API_FUNCTION_LIST *api, void *enc, NV_ENC_INPUT_PTR buf) {
    return api->nvEncDestroyInputBuffer(enc, buf);
}

static NVENCSTATUS go_nv_create_bitstream(NV_ENCODE_API_FUNCTION_LIST *api, void *enc, NV_ENC_OUTPUT_PTR *buf) {
    NV_ENC_CREATE_BITSTREAM_BUFFER p;
    memset(&p, 0, sizeof(p));
    p.version = NV_ENC_CREATE_BITSTREAM_BUFFER_VER;
    NVENCSTATUS st = api->nvEncCreateBitstreamBuffer(enc, &p);
    if (st == NV_ENC_SUCCESS) *buf = p.bitstreamBuffer;
    return st;
}

static NVENCSTATUS go_nv_destroy_bitstream(NV_ENCODE_API_FUNCTION_LIST *api, void *enc, NV_ENC_OUTPUT_PTR buf) {
    return api->nvEncDestroyBitstreamBuffer(enc, buf);
}

static NVENCSTATUS go_nv_lock_input(NV_ENCODE_API_FUNCTION_LIST *api, void *enc,
                                    NV_ENC_INPUT_PTR buf, void **data, uint32_t *pitch) {
    NV_ENC_LOCK_INPUT_BUFFER p;
    memset(&p, 0, sizeof(p));
    p.version = NV_ENC_LOCK_INPUT_BUFFER_VER;
    p.inputBuffer = buf;
    NVENCSTATUS st = api->nvEncLockInputBuffer(enc, &p);
    if (st == NV_ENC_SUCCESS) {
        *data = p.bufferDataPtr;
        *pitch = p.pitch;
    }
    return st;
}

static NVENCSTATUS go_nv_unlock_input(NV_ENCODE_API_FUNCTION_LIST *api, void *enc, NV_ENC_INPUT_PTR buf) {
    return api->nvEncUnlockInputBuffer(enc, buf);
}

static NVENCSTATUS go_nv_encode_picture(NV_ENCODE_API_FUNCTION_LIST *api, void *enc,
                                        NV_ENC_INPUT_PTR in, NV_ENC_OUTPUT_PTR out,
                                        uint32_t w, uint32_t h, uint32_t pitch,
                                        uint64_t pts, int forceIDR) {
    NV_ENC_PIC_PARAMS p;
    memset(&p, 0, sizeof(p));
    p.version = NV_ENC_PIC_PARAMS_VER;
    p.inputBuffer = in;
    p.outputBitstream = out;
    p.bufferFmt = NV_ENC_BUFFER_FORMAT_IYUV;
    p.pictureStruct = NV_ENC_PIC_STRUCT_FRAME;
    p.inputWidth = w;
    p.inputHeight = h;
    p.inputPitch = pitch;
    p.inputTimeStamp = pts;
    if (forceIDR) {
        p.encodePicFlags = NV_ENC_PIC_FLAG_FORCEIDR | NV_ENC_PIC_FLAG_OUTPUT_SPSPPS;
    }
    return api->nvEncEncodePicture(enc, &p);
}

static NVENCSTATUS go_nv_lock_bitstream(NV_ENCODE_API_FUNCTION_LIST *api, void *enc,
                                        NV_ENC_OUTPUT_PTR out, void **data, uint32_t *size) {
    NV_ENC_LOCK_BITSTREAM p;
    memset(&p, 0, sizeof(p));
    p.version = NV_ENC_LOCK_BITSTREAM_VER;
    p.outputBitstream = out;
    NVENCSTATUS st = api->nvEncLockBitstream(enc, &p);
    if (st == NV_ENC_SUCCESS) {
        *data = p.bitstreamBufferPtr;
        *size = p.bitstreamSizeInBytes;
    }
    return st;
}

static NVENCSTATUS go_nv_unlock_bitstream(NV_ENCODE_API_FUNCTION_LIST *api, void *enc, NV_ENC_OUTPUT_PTR out) {
    return api->nvEncUnlockBitstream(enc, out);
}

static NVENCSTATUS go_nv_destroy_encoder(NV_ENCODE_API_FUNCTION_LIST *api, void *enc) {
    return api->nvEncDestroyEncoder(enc);
}
*/
import "C"

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/rs/zerolog/log"

	"telestrator/internal/frame"
)

func nvCheck(call string, st C.NVENCSTATUS) error {
	if st == C.NV_ENC_SUCCESS {
		return nil
	}
	return &EncoderError{Backend: "nvenc", Call: call, Status: int(st)}
}

// nvencBackend drives one NVENC session on a dedicated CUDA context. The
// context, session, input buffer and bitstream buffer are torn down in
// reverse acquisition order; the context always outlives the session.
type nvencBackend struct {
	cfg EncoderConfig
	ctx *cudaContext
	api C.NV_ENCODE_API_FUNCTION_LIST

	session      unsafe.Pointer
	inputBuf     C.NV_ENC_INPUT_PTR
	bitstreamBuf C.NV_ENC_OUTPUT_PTR

	initParams C.NV_ENC_INITIALIZE_PARAMS
	encCfg     C.NV_ENC_CONFIG

	res  frame.Resolution
	rate RateParameters
}

func newNVENCBackend(cfg EncoderConfig) (backend, error) {
	count, err := cudaDeviceCount()
	if err != nil {
		return nil, fmt.Errorf("nvenc: %w: %w", ErrBackendUnavailable, err)
	}
	if cfg.CUDADevice >= count {
		return nil, fmt.Errorf("nvenc: CUDA device %d does not exist (%d available): %w",
			cfg.CUDADevice, count, ErrBackendUnavailable)
	}

	dev, err := newCUDADevice(cfg.CUDADevice)
	if err != nil {
		return nil, err
	}
	if name, err := dev.name(); err == nil {
		log.Info().Str("gpu", name).Msg("selected CUDA device")
	}

	major, minor, err := dev.computeCapability()
	if err != nil {
		return nil, err
	}
	if (major<<4)+minor < 0x30 {
		return nil, fmt.Errorf("nvenc: GPU compute capability %d.%d below 3.0: %w",
			major, minor, ErrBackendUnavailable)
	}

	ctx, err := newCUDAContext(dev)
	if err != nil {
		return nil, err
	}

	b := &nvencBackend{cfg: cfg, ctx: ctx}
	if err := nvCheck("NvEncodeAPICreateInstance", C.go_nv_make_api(&b.api)); err != nil {
		b.teardown()
		return nil, err
	}
	if err := nvCheck("nvEncOpenEncodeSessionEx",
		C.go_nv_open_session(&b.api, b.ctx.ptr(), &b.session)); err != nil {
		b.teardown()
		return nil, err
	}

	var supported C.int
	if err := nvCheck("nvEncGetEncodeGUIDs",
		C.go_nv_supports_h264(&b.api, b.session, &supported)); err != nil {
		b.teardown()
		return nil, err
	}
	if supported == 0 {
		b.teardown()
		return nil, fmt.Errorf("nvenc: H264 not supported by this encoder: %w", ErrBackendUnavailable)
	}

	return b, nil
}

func (b *nvencBackend) name() string { return "nvenc" }

func fpsFraction(maxFPS float64) (num, den uint32) {
	return uint32(math.Round(maxFPS * 1000)), 1000
}

func (b *nvencBackend) initialize(res frame.Resolution, rate RateParameters) error {
	num, den := fpsFraction(rate.MaxFPS)
	if err := nvCheck("nvEncInitializeEncoder",
		C.go_nv_initialize(&b.api, b.session,
			C.uint32_t(res.Width), C.uint32_t(res.Height),
			C.uint32_t(num), C.uint32_t(den),
			C.uint32_t(rate.TargetBitrateKbps*1000),
			&b.encCfg, &b.initParams)); err != nil {
		return err
	}

	if err := nvCheck("nvEncCreateInputBuffer",
		C.go_nv_create_input(&b.api, b.session,
			C.uint32_t(res.Width), C.uint32_t(res.Height), &b.inputBuf)); err != nil {
		return err
	}
	if err := nvCheck("nvEncCreateBitstreamBuffer",
		C.go_nv_create_bitstream(&b.api, b.session, &b.bitstreamBuf)); err != nil {
		return err
	}

	b.res = res
	b.rate = rate
	return nil
}

func (b *nvencBackend) reconfigure(res frame.Resolution, rate RateParameters, forceIDR bool) error {
	num, den := fpsFraction(rate.MaxFPS)
	force := C.int(0)
	if forceIDR {
		force = 1
	}
	if err := nvCheck("nvEncReconfigureEncoder",
		C.go_nv_reconfigure(&b.api, b.session,
			C.uint32_t(res.Width), C.uint32_t(res.Height),
			C.uint32_t(num), C.uint32_t(den),
			C.uint32_t(rate.TargetBitrateKbps*1000), force,
			&b.encCfg, &b.initParams)); err != nil {
		return err
	}

	// The input buffer is sized to the session resolution; swap it out when
	// the resolution moves.
	if res != b.res {
		if b.inputBuf != nil {
			if err := nvCheck("nvEncDestroyInputBuffer",
				C.go_nv_destroy_input(&b.api, b.session, b.inputBuf)); err != nil {
				return err
			}
			b.inputBuf = nil
		}
		if err := nvCheck("nvEncCreateInputBuffer",
			C.go_nv_create_input(&b.api, b.session,
				C.uint32_t(res.Width), C.uint32_t(res.Height), &b.inputBuf)); err != nil {
			return err
		}
	}

	b.res = res
	b.rate = rate
	return nil
}

func (b *nvencBackend) setRate(rate RateParameters) error {
	return b.reconfigure(b.res, rate, false)
}

// copyIntoInput locks the session input buffer, copies the I420 planes
// honoring the buffer pitch, and unlocks on every path.
func (b *nvencBackend) copyIntoInput(f *frame.Buffer) (uint32, error) {
	y, u, v, err := f.YUVSlices()
	if err != nil {
		return 0, err
	}

	var (
		data  unsafe.Pointer
		pitch C.uint32_t
	)
	if err := nvCheck("nvEncLockInputBuffer",
		C.go_nv_lock_input(&b.api, b.session, b.inputBuf, &data, &pitch)); err != nil {
		return 0, err
	}
	defer func() {
		if err := nvCheck("nvEncUnlockInputBuffer",
			C.go_nv_unlock_input(&b.api, b.session, b.inputBuf)); err != nil {
			log.Warn().Err(err).Msg("input buffer unlock")
		}
	}()

	w, h := f.Width, f.Height
	p := int(pitch)
	dst := unsafe.Slice((*byte)(data), p*h+(p/2)*(h/2)*2)

	// Luma: h rows of width bytes at the destination pitch.
	for row := 0; row < h; row++ {
		copy(dst[row*p:], y[row*w:row*w+w])
	}
	// Chroma: 2*(h/2) subsampled rows at pitch/2, U then V consecutively.
	cp := p / 2
	halfW := w / 2
	base := p * h
	for row := 0; row < h/2; row++ {
		copy(dst[base+row*cp:], u[row*halfW:row*halfW+halfW])
	}
	base += cp * (h / 2)
	for row := 0; row < h/2; row++ {
		copy(dst[base+row*cp:], v[row*halfW:row*halfW+halfW])
	}

	return uint32(pitch), nil
}

func (b *nvencBackend) encodePicture(f *frame.Buffer, forceKeyframe bool) ([]byte, error) {
	pitch, err := b.copyIntoInput(f)
	if err != nil {
		return nil, err
	}

	force := C.int(0)
	if forceKeyframe {
		force = 1
	}
	if err := nvCheck("nvEncEncodePicture",
		C.go_nv_encode_picture(&b.api, b.session, b.inputBuf, b.bitstreamBuf,
			C.uint32_t(f.Width), C.uint32_t(f.Height), C.uint32_t(pitch),
			C.uint64_t(f.TimestampMicros), force)); err != nil {
		return nil, err
	}

	var (
		data unsafe.Pointer
		size C.uint32_t
	)
	if err := nvCheck("nvEncLockBitstream",
		C.go_nv_lock_bitstream(&b.api, b.session, b.bitstreamBuf, &data, &size)); err != nil {
		return nil, err
	}
	defer func() {
		if err := nvCheck("nvEncUnlockBitstream",
			C.go_nv_unlock_bitstream(&b.api, b.session, b.bitstreamBuf)); err != nil {
			log.Warn().Err(err).Msg("bitstream unlock")
		}
	}()

	return C.GoBytes(data, C.int(size)), nil
}

// teardown releases everything acquired so far, in reverse order. Failures
// are logged and swallowed: destruction must not fail.
func (b *nvencBackend) teardown() {
	if b.bitstreamBuf != nil {
		if err := nvCheck("nvEncDestroyBitstreamBuffer",
			C.go_nv_destroy_bitstream(&b.api, b.session, b.bitstreamBuf)); err != nil {
			log.Warn().Err(err).Msg("bitstream buffer teardown")
		}
		b.bitstreamBuf = nil
	}
	if b.inputBuf != nil {
		if err := nvCheck("nvEncDestroyInputBuffer",
			C.go_nv_destroy_input(&b.api, b.session, b.inputBuf)); err != nil {
			log.Warn().Err(err).Msg("input buffer teardown")
		}
		b.inputBuf = nil
	}
	if b.session != nil {
		if err := nvCheck("nvEncDestroyEncoder",
			C.go_nv_destroy_encoder(&b.api, b.session)); err != nil {
			log.Warn().Err(err).Msg("encode session teardown")
		}
		b.session = nil
	}
	if b.ctx != nil {
		if err := b.ctx.destroy(); err != nil {
			log.Warn().Err(err).Msg("CUDA context teardown")
		}
		b.ctx = nil
	}
}

func (b *nvencBackend) close() error {
	b.teardown()
	return nil
}
