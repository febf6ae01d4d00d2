package crfasrnn

import (
	"image"
	"image/color"

	"gorgonia.org/vecf64"
)

// PreviewImage turns a normalized planar image back into something that can be looked at. Each channel is
// stretched to [0, 255]. Images with a single channel are drawn in grey, extra channels are ignored.
func PreviewImage(img []float64, channels, h, w int) *image.RGBA {
	size := h * w
	retVal := image.NewRGBA(image.Rect(0, 0, w, h))
	if channels < 1 || len(img) != channels*size {
		return retVal
	}
	var planes [3][]uint8
	for c := range planes {
		src := c
		if src >= channels {
			src = 0
		}
		planes[c] = stretch(img[src*size : (src+1)*size])
	}
	for i := 0; i < size; i++ {
		retVal.SetRGBA(i%w, i/w, color.RGBA{planes[0][i], planes[1][i], planes[2][i], 255})
	}
	return retVal
}

func stretch(a []float64) []uint8 {
	retVal := make([]uint8, len(a))
	lo, hi := vecf64.MinOf(a), vecf64.MaxOf(a)
	if hi-lo == 0 {
		return retVal
	}
	for i, v := range a {
		retVal[i] = uint8((v-lo)/(hi-lo)*255 + 0.5)
	}
	return retVal
}

// Confidence picks the probability of each pixel's label out of a Pixels×Classes probability matrix.
func Confidence(probs []float64, labels []int, classes int) []float32 {
	retVal := make([]float32, len(labels))
	for i, l := range labels {
		if l < 0 || l >= classes || i*classes+l >= len(probs) {
			continue
		}
		retVal[i] = float32(probs[i*classes+l])
	}
	return retVal
}
