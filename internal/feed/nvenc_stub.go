//go:build !nvenc || !cgo

package feed

import "fmt"

func newNVENCBackend(cfg EncoderConfig) (backend, error) {
	return nil, fmt.Errorf("nvenc: built without the nvenc tag: %w", ErrBackendUnavailable)
}
