package rtpext

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// PlayoutDelayFactory builds interceptors that stamp a fixed playout-delay
// extension on every outbound RTP packet of streams that negotiated it.
type PlayoutDelayFactory struct {
	delay PlayoutDelay
}

// NewPlayoutDelayInterceptor returns a factory for the given delay bounds in
// 10 ms units.
func NewPlayoutDelayInterceptor(min, max uint16) *PlayoutDelayFactory {
	return &PlayoutDelayFactory{delay: PlayoutDelay{Min: min, Max: max}}
}

// NewInterceptor implements interceptor.Factory.
func (f *PlayoutDelayFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	payload, err := f.delay.Marshal()
	if err != nil {
		return nil, err
	}
	return &playoutDelayInterceptor{payload: payload}, nil
}

type playoutDelayInterceptor struct {
	interceptor.NoOp
	payload []byte
}

// BindLocalStream wraps the writer when the stream negotiated the extension;
// otherwise packets pass through untouched.
func (i *playoutDelayInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	var extID uint8
	for _, ext := range info.RTPHeaderExtensions {
		if ext.URI == PlayoutDelayURI {
			extID = uint8(ext.ID)
			break
		}
	}
	if extID == 0 {
		return writer
	}

	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		if err := header.SetExtension(extID, i.payload); err != nil {
			return 0, err
		}
		return writer.Write(header, payload, attributes)
	})
}
