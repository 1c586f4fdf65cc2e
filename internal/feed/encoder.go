package feed

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"telestrator/internal/frame"
)

// Backend selects one of the two known encoder implementations.
type Backend int

const (
	BackendOpenH264 Backend = iota
	BackendNVENC
)

func (b Backend) String() string {
	switch b {
	case BackendOpenH264:
		return "openh264"
	case BackendNVENC:
		return "nvenc"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// ParseBackend maps a CLI name onto a Backend.
func ParseBackend(name string) (Backend, error) {
	switch name {
	case "openh264", "software":
		return BackendOpenH264, nil
	case "nvenc", "gpu":
		return BackendNVENC, nil
	default:
		return 0, fmt.Errorf("unknown encoder backend %q", name)
	}
}

// RateParameters are the encoder's runtime rate targets. Encoders accept any
// positive values.
type RateParameters struct {
	TargetBitrateKbps uint32
	MaxFPS            float64
}

// Flags modify a single Encode call.
type Flags struct {
	ForceKeyframe bool
}

// EncoderError wraps a native backend call failure. The encoder's state is
// undefined afterwards, except that Close remains safe.
type EncoderError struct {
	Backend string
	Call    string
	Status  int
}

func (e *EncoderError) Error() string {
	return fmt.Sprintf("%s: %s returned status %d", e.Backend, e.Call, e.Status)
}

// ErrBackendUnavailable is returned by Build when the chosen backend's
// prerequisites (runtime library, capable hardware) are absent.
var ErrBackendUnavailable = errors.New("encoder backend unavailable")

// EncoderConfig selects and parameterizes a backend.
type EncoderConfig struct {
	Backend Backend
	// KeyframeInterval is the intra period in frames for the software
	// backend. 0 means an infinite GOP: keyframes only on demand.
	KeyframeInterval uint32
	// CUDADevice is the device ordinal for the GPU backend.
	CUDADevice int
}

// Encoder turns raw frames into H.264 bitstream chunks. Implementations are
// not safe for concurrent use; the feed worker is the only caller.
type Encoder interface {
	// Encode converts the frame to I420, (re)initializes the native session
	// as needed, and returns the encoded picture. The first picture after
	// construction and the first after a resolution change are IDRs with
	// parameter sets regardless of flags.
	Encode(f *frame.Buffer, flags Flags) ([]byte, error)
	// SetRate reconfigures bitrate and FPS in place without forcing an IDR.
	// Before the first Encode it only stores the rate for initialization.
	SetRate(rate RateParameters) error
	// Close releases all native handles. Safe after failures.
	Close() error
}

// backend is the native half of an encoder: session management plus the per
// picture submit/readback. The resolution/rate state machine above it is
// shared between backends.
type backend interface {
	initialize(res frame.Resolution, rate RateParameters) error
	reconfigure(res frame.Resolution, rate RateParameters, forceIDR bool) error
	encodePicture(f *frame.Buffer, forceKeyframe bool) ([]byte, error)
	setRate(rate RateParameters) error
	close() error
	name() string
}

// Build constructs the configured backend, probing hardware as needed.
func Build(cfg EncoderConfig, rate RateParameters) (Encoder, error) {
	var (
		b   backend
		err error
	)
	switch cfg.Backend {
	case BackendOpenH264:
		b, err = newOpenH264Backend(cfg)
	case BackendNVENC:
		b, err = newNVENCBackend(cfg)
	default:
		return nil, fmt.Errorf("unknown encoder backend %d", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return &encoder{b: b, rate: rate}, nil
}

type encoder struct {
	b    backend
	prev *frame.Resolution
	rate RateParameters
}

func (e *encoder) Encode(f *frame.Buffer, flags Flags) ([]byte, error) {
	conv, err := f.ToI420()
	if err != nil {
		return nil, err
	}

	res := conv.Resolution()
	force := flags.ForceKeyframe
	switch {
	case e.prev == nil:
		if err := e.b.initialize(res, e.rate); err != nil {
			return nil, err
		}
		force = true
	case *e.prev != res:
		if err := e.b.reconfigure(res, e.rate, true); err != nil {
			return nil, err
		}
		force = true
	}
	e.prev = &res

	return e.b.encodePicture(conv, force)
}

func (e *encoder) SetRate(rate RateParameters) error {
	if e.prev == nil {
		// Not initialized yet; the rate applies at first init.
		e.rate = rate
		return nil
	}
	if err := e.b.setRate(rate); err != nil {
		return err
	}
	e.rate = rate
	return nil
}

func (e *encoder) Close() error {
	if e.b == nil {
		return nil
	}
	if err := e.b.close(); err != nil {
		// Destruction must not fail the caller.
		log.Warn().Err(err).Str("backend", e.b.name()).Msg("encoder teardown")
	}
	e.b = nil
	return nil
}
