package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uyvyFrame builds a packed UYVY test frame with the given stride padding.
func uyvyFrame(w, h, pad int, fill func(x, y int) (u, y0, v, y1 byte)) *Buffer {
	stride := w*2 + pad
	data := make([]byte, stride*h)
	for row := 0; row < h; row++ {
		for x := 0; x < w; x += 2 {
			u, y0, v, y1 := fill(x, row)
			i := row*stride + x*2
			data[i] = u
			data[i+1] = y0
			data[i+2] = v
			data[i+3] = y1
		}
	}
	return &Buffer{
		Format:          FormatUYVY,
		Width:           w,
		Height:          h,
		LineStride:      stride,
		TimestampMicros: 4242,
		Framerate:       Framerate{Num: 30000, Den: 1001},
		Data:            data,
	}
}

func TestUYVYToI420_4x2(t *testing.T) {
	// Two rows of four pixels with distinct luma and chroma per row so the
	// 2x2 chroma averaging is observable.
	src := uyvyFrame(4, 2, 0, func(x, y int) (byte, byte, byte, byte) {
		if y == 0 {
			return 100, byte(10 + x), 200, byte(11 + x)
		}
		return 120, byte(50 + x), 220, byte(51 + x)
	})

	conv, err := src.ToI420()
	require.NoError(t, err)
	assert.Equal(t, FormatI420, conv.Format)
	assert.Equal(t, 4, conv.LineStride)
	assert.Equal(t, int64(4242), conv.TimestampMicros)
	assert.Equal(t, Framerate{Num: 30000, Den: 1001}, conv.Framerate)
	require.Len(t, conv.Data, I420Size(4, 2))

	want := []byte{
		// Y rows
		10, 11, 12, 13,
		50, 51, 52, 53,
		// U: (100+120)/2 per 2x2 block
		110, 110,
		// V: (200+220)/2
		210, 210,
	}
	assert.Equal(t, want, conv.Data)
}

func TestToI420Idempotent(t *testing.T) {
	src := uyvyFrame(8, 4, 0, func(x, y int) (byte, byte, byte, byte) {
		return byte(x * 7), byte(x + y), byte(y * 13), byte(x ^ y)
	})

	once, err := src.ToI420()
	require.NoError(t, err)
	twice, err := once.ToI420()
	require.NoError(t, err)

	assert.Equal(t, once.Data, twice.Data)
	// Identity conversion shares the payload rather than copying it.
	require.NotEmpty(t, once.Data)
	assert.Same(t, &once.Data[0], &twice.Data[0])
}

func TestToI420StridePadding(t *testing.T) {
	flat := func(x, y int) (byte, byte, byte, byte) { return 128, 16, 128, 16 }
	padded := uyvyFrame(4, 2, 8, flat)
	tight := uyvyFrame(4, 2, 0, flat)

	a, err := padded.ToI420()
	require.NoError(t, err)
	b, err := tight.ToI420()
	require.NoError(t, err)
	assert.Equal(t, b.Data, a.Data)
}

func TestToI420Rejects(t *testing.T) {
	t.Run("short stride", func(t *testing.T) {
		f := uyvyFrame(4, 2, 0, func(x, y int) (byte, byte, byte, byte) { return 0, 0, 0, 0 })
		f.LineStride = f.Width*2 - 1
		_, err := f.ToI420()
		var convErr *ConversionError
		require.ErrorAs(t, err, &convErr)
	})
	t.Run("short payload", func(t *testing.T) {
		f := uyvyFrame(4, 2, 0, func(x, y int) (byte, byte, byte, byte) { return 0, 0, 0, 0 })
		f.Data = f.Data[:len(f.Data)-1]
		_, err := f.ToI420()
		var convErr *ConversionError
		require.ErrorAs(t, err, &convErr)
	})
}

func TestYUVSlices(t *testing.T) {
	src := uyvyFrame(6, 4, 0, func(x, y int) (byte, byte, byte, byte) {
		return byte(x), byte(y), byte(x + y), byte(x * y)
	})
	conv, err := src.ToI420()
	require.NoError(t, err)

	y, u, v, err := conv.YUVSlices()
	require.NoError(t, err)
	assert.Len(t, y, 6*4)
	assert.Len(t, u, 6*4/4)
	assert.Len(t, v, 6*4/4)
	// The three views cover the payload exactly, without overlap.
	assert.Equal(t, len(conv.Data), len(y)+len(u)+len(v))
	assert.Same(t, &conv.Data[0], &y[0])
	assert.Same(t, &conv.Data[len(y)], &u[0])
	assert.Same(t, &conv.Data[len(y)+len(u)], &v[0])
}

func TestYUVSlicesRequiresI420(t *testing.T) {
	f := uyvyFrame(4, 2, 0, func(x, y int) (byte, byte, byte, byte) { return 0, 0, 0, 0 })
	_, _, _, err := f.YUVSlices()
	assert.Error(t, err)
}

func TestFramerateRatio(t *testing.T) {
	assert.InDelta(t, 29.97, Framerate{Num: 30000, Den: 1001}.Ratio(), 0.001)
	assert.Zero(t, Framerate{Num: 30, Den: 0}.Ratio())
}
