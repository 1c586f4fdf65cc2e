package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telestrator/internal/frame"
	"telestrator/internal/ndi"
)

func TestPixelFormatForFourCC(t *testing.T) {
	f, err := pixelFormatForFourCC(ndi.FourCCUYVY)
	require.NoError(t, err)
	assert.Equal(t, frame.FormatUYVY, f)

	f, err = pixelFormatForFourCC(ndi.FourCCI420)
	require.NoError(t, err)
	assert.Equal(t, frame.FormatI420, f)
}

func TestPixelFormatRejectsRGBVariants(t *testing.T) {
	for _, fourCC := range []uint32{ndi.FourCCBGRA, ndi.FourCCBGRX, ndi.FourCCRGBA, ndi.FourCCRGBX} {
		_, err := pixelFormatForFourCC(fourCC)
		assert.Error(t, err)
	}
}
