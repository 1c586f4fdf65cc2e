//go:build openh264 && cgo

package feed

/*
#cgo CFLAGS: -I/usr/include -I/usr/local/include
#cgo LDFLAGS: -lopenh264

#include <stdlib.h>
#include <string.h>
#include <wels/codec_api.h>

// ISVCEncoder is a C vtable interface; Go cannot call its function pointers
// directly, so each method used gets a thin shim.

static int go_wels_create(ISVCEncoder **pp) { return WelsCreateSVCEncoder(pp); }

static void go_wels_destroy(ISVCEncoder *p) { WelsDestroySVCEncoder(p); }

static int go_enc_default_params(ISVCEncoder *p, SEncParamExt *param) {
    return (*p)->GetDefaultParams(p, param);
}

static int go_enc_initialize_ext(ISVCEncoder *p, const SEncParamExt *param) {
    return (*p)->InitializeExt(p, param);
}

static int go_enc_uninitialize(ISVCEncoder *p) { return (*p)->Uninitialize(p); }

static int go_enc_set_option(ISVCEncoder *p, ENCODER_OPTION opt, void *val) {
    return (*p)->SetOption(p, opt, val);
}

static int go_enc_force_intra(ISVCEncoder *p) { return (*p)->ForceIntraFrame(p, true); }

static int go_enc_encode(ISVCEncoder *p, const SSourcePicture *pic, SFrameBSInfo *info) {
    return (*p)->EncodeFrame(p, pic, info);
}
*/
import "C"

import (
	"unsafe"

	"github.com/rs/zerolog/log"

	"telestrator/internal/frame"
)

// openH264Backend drives the in-process OpenH264 encoder, configured for
// real-time screen content.
type openH264Backend struct {
	enc *C.ISVCEncoder
	cfg EncoderConfig
	res frame.Resolution
}

func newOpenH264Backend(cfg EncoderConfig) (backend, error) {
	var enc *C.ISVCEncoder
	if rv := C.go_wels_create(&enc); rv != 0 || enc == nil {
		return nil, &EncoderError{Backend: "openh264", Call: "WelsCreateSVCEncoder", Status: int(rv)}
	}
	return &openH264Backend{enc: enc, cfg: cfg}, nil
}

func (b *openH264Backend) name() string { return "openh264" }

func (b *openH264Backend) makeParams(res frame.Resolution, rate RateParameters) (C.SEncParamExt, error) {
	var params C.SEncParamExt
	if rv := C.go_enc_default_params(b.enc, &params); rv != 0 {
		return params, &EncoderError{Backend: "openh264", Call: "GetDefaultParams", Status: int(rv)}
	}

	params.iPicWidth = C.int(res.Width)
	params.iPicHeight = C.int(res.Height)
	params.iTargetBitrate = C.int(rate.TargetBitrateKbps * 1000)
	params.iMaxBitrate = C.UNSPECIFIED_BIT_RATE
	params.fMaxFrameRate = C.float(rate.MaxFPS)

	params.iUsageType = C.SCREEN_CONTENT_REAL_TIME
	params.iRCMode = C.RC_BITRATE_MODE
	params.bEnableFrameSkip = true
	params.uiIntraPeriod = C.uint(b.cfg.KeyframeInterval)
	params.uiMaxNalSize = 0
	params.iMultipleThreadIdc = 3

	// Not supported by SCREEN_CONTENT_REAL_TIME.
	params.bEnableAdaptiveQuant = false
	params.bEnableBackgroundDetection = false

	params.sSpatialLayers[0].iVideoWidth = params.iPicWidth
	params.sSpatialLayers[0].iVideoHeight = params.iPicHeight
	params.sSpatialLayers[0].fFrameRate = params.fMaxFrameRate
	params.sSpatialLayers[0].iSpatialBitrate = params.iTargetBitrate
	params.sSpatialLayers[0].sSliceArgument.uiSliceMode = C.SM_FIXEDSLCNUM_SLICE
	params.sSpatialLayers[0].sSliceArgument.uiSliceNum = 1

	params.iTemporalLayerNum = 1

	return params, nil
}

func (b *openH264Backend) initialize(res frame.Resolution, rate RateParameters) error {
	params, err := b.makeParams(res, rate)
	if err != nil {
		return err
	}
	if rv := C.go_enc_initialize_ext(b.enc, &params); rv != 0 {
		return &EncoderError{Backend: "openh264", Call: "InitializeExt", Status: int(rv)}
	}

	dataFormat := C.int(C.videoFormatI420)
	if rv := C.go_enc_set_option(b.enc, C.ENCODER_OPTION_DATAFORMAT, unsafe.Pointer(&dataFormat)); rv != 0 {
		return &EncoderError{Backend: "openh264", Call: "SetOption(DATAFORMAT)", Status: int(rv)}
	}

	b.res = res
	return nil
}

func (b *openH264Backend) reconfigure(res frame.Resolution, rate RateParameters, forceIDR bool) error {
	params, err := b.makeParams(res, rate)
	if err != nil {
		return err
	}
	// Apply in place; the session survives the parameter swap.
	if rv := C.go_enc_set_option(b.enc, C.ENCODER_OPTION_SVC_ENCODE_PARAM_EXT, unsafe.Pointer(&params)); rv != 0 {
		return &EncoderError{Backend: "openh264", Call: "SetOption(SVC_ENCODE_PARAM_EXT)", Status: int(rv)}
	}
	b.res = res
	if forceIDR {
		if rv := C.go_enc_force_intra(b.enc); rv != 0 {
			return &EncoderError{Backend: "openh264", Call: "ForceIntraFrame", Status: int(rv)}
		}
	}
	return nil
}

func (b *openH264Backend) setRate(rate RateParameters) error {
	fps := C.float(rate.MaxFPS)
	if rv := C.go_enc_set_option(b.enc, C.ENCODER_OPTION_FRAME_RATE, unsafe.Pointer(&fps)); rv != 0 {
		return &EncoderError{Backend: "openh264", Call: "SetOption(FRAME_RATE)", Status: int(rv)}
	}

	bitrate := C.SBitrateInfo{
		iLayer:   C.SPATIAL_LAYER_ALL,
		iBitrate: C.int(rate.TargetBitrateKbps * 1000),
	}
	if rv := C.go_enc_set_option(b.enc, C.ENCODER_OPTION_BITRATE, unsafe.Pointer(&bitrate)); rv != 0 {
		return &EncoderError{Backend: "openh264", Call: "SetOption(BITRATE)", Status: int(rv)}
	}
	return nil
}

func (b *openH264Backend) encodePicture(f *frame.Buffer, forceKeyframe bool) ([]byte, error) {
	y, u, v, err := f.YUVSlices()
	if err != nil {
		return nil, err
	}

	if forceKeyframe {
		if rv := C.go_enc_force_intra(b.enc); rv != 0 {
			return nil, &EncoderError{Backend: "openh264", Call: "ForceIntraFrame", Status: int(rv)}
		}
	}

	stride := C.int(f.Width)
	pic := C.SSourcePicture{
		iPicWidth:    C.int(f.Width),
		iPicHeight:   C.int(f.Height),
		iColorFormat: C.int(C.videoFormatI420),
		uiTimeStamp:  C.longlong(f.TimestampMicros / 1000),
	}
	pic.iStride = [4]C.int{stride, stride / 2, stride / 2, 0}
	pic.pData = [4]*C.uchar{
		(*C.uchar)(unsafe.Pointer(&y[0])),
		(*C.uchar)(unsafe.Pointer(&u[0])),
		(*C.uchar)(unsafe.Pointer(&v[0])),
		nil,
	}

	var info C.SFrameBSInfo
	if rv := C.go_enc_encode(b.enc, &pic, &info); rv != 0 {
		return nil, &EncoderError{Backend: "openh264", Call: "EncodeFrame", Status: int(rv)}
	}

	// The bitstream is the concatenation of each layer's NAL byte ranges.
	out := make([]byte, 0, int(info.iFrameSizeInBytes))
	for l := 0; l < int(info.iLayerNum); l++ {
		layer := info.sLayerInfo[l]
		layerSize := 0
		nalLens := unsafe.Slice((*C.int)(layer.pNalLengthInByte), int(layer.iNalCount))
		for _, n := range nalLens {
			layerSize += int(n)
		}
		if layerSize == 0 || layer.pBsBuf == nil {
			continue
		}
		out = append(out, C.GoBytes(unsafe.Pointer(layer.pBsBuf), C.int(layerSize))...)
	}
	return out, nil
}

func (b *openH264Backend) close() error {
	if b.enc == nil {
		return nil
	}
	if rv := C.go_enc_uninitialize(b.enc); rv != 0 {
		log.Warn().Int("status", int(rv)).Msg("openh264 uninitialize")
	}
	C.go_wels_destroy(b.enc)
	b.enc = nil
	return nil
}
