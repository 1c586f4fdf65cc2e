//go:build !ipp || !cgo

package frame

// uyvyToI420 converts packed UYVY 4:2:2 to planar I420. Luma is copied
// through; chroma is vertically downsampled by averaging each row pair.
// Assumes even width and height, dst laid out Y then U then V with strides
// (w, w/2, w/2).
func uyvyToI420(src []byte, stride, w, h int, dst []byte) error {
	halfW := w / 2
	dim := w * h
	yPlane := dst[:dim]
	uPlane := dst[dim : dim+dim/4]
	vPlane := dst[dim+dim/4:]

	for row := 0; row < h; row++ {
		line := src[row*stride:]
		yi := row * w
		for x := 0; x < w; x += 2 {
			i := x * 2
			yPlane[yi+x] = line[i+1]
			yPlane[yi+x+1] = line[i+3]
		}
		if row&1 != 0 {
			continue
		}
		// 2x2 chroma block: average this row with the next.
		next := line
		if row+1 < h {
			next = src[(row+1)*stride:]
		}
		ci := (row / 2) * halfW
		for cx := 0; cx < halfW; cx++ {
			i := cx * 4
			uPlane[ci+cx] = byte((int(line[i]) + int(next[i])) >> 1)
			vPlane[ci+cx] = byte((int(line[i+2]) + int(next[i+2])) >> 1)
		}
	}
	return nil
}

// ConversionImpl reports the active color conversion backend.
func ConversionImpl() string { return "pure-go" }
