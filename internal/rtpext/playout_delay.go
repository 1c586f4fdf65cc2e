// Package rtpext implements the RTP header extensions this service attaches
// to outgoing media.
package rtpext

import (
	"errors"
	"fmt"
)

// PlayoutDelayURI identifies the playout-delay header extension.
// http://www.webrtc.org/experiments/rtp-hdrext/playout-delay
const PlayoutDelayURI = "http://www.webrtc.org/experiments/rtp-hdrext/playout-delay"

const playoutDelaySize = 3

// maxPlayoutDelay is the largest encodable delay value (12 bits, 10 ms units).
const maxPlayoutDelay = 0x0FFF

var errBufferTooSmall = errors.New("playout delay: buffer too small")

// PlayoutDelay hints the receiver's jitter buffer bounds in 10 ms units.
type PlayoutDelay struct {
	Min uint16
	Max uint16
}

// Marshal encodes the extension payload: 12 bits of minimum delay followed
// by 12 bits of maximum delay.
func (p PlayoutDelay) Marshal() ([]byte, error) {
	if p.Min > maxPlayoutDelay || p.Max > maxPlayoutDelay {
		return nil, fmt.Errorf("playout delay out of range: min=%d max=%d", p.Min, p.Max)
	}
	return []byte{
		byte(p.Min >> 4),
		byte(p.Min<<4) | byte(p.Max>>8),
		byte(p.Max),
	}, nil
}

// Unmarshal decodes the 3-byte extension payload.
func (p *PlayoutDelay) Unmarshal(buf []byte) error {
	if len(buf) < playoutDelaySize {
		return errBufferTooSmall
	}
	p.Min = uint16(buf[0])<<4 | uint16(buf[1])>>4
	p.Max = uint16(buf[1]&0x0F)<<8 | uint16(buf[2])
	return nil
}
