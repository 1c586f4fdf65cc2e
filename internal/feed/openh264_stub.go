//go:build !openh264 || !cgo

package feed

import "fmt"

func newOpenH264Backend(cfg EncoderConfig) (backend, error) {
	return nil, fmt.Errorf("openh264: built without the openh264 tag: %w", ErrBackendUnavailable)
}
