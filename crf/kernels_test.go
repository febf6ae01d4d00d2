package crf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoTone is a 1×h×w image: the left half is dark, the right half is bright.
func twoTone(h, w int) []float64 {
	img := make([]float64, h*w)
	for y := 0; y < h; y++ {
		for x := w / 2; x < w; x++ {
			img[y*w+x] = 1
		}
	}
	return img
}

func TestNewKernels(t *testing.T) {
	h, w := 3, 4
	k, err := NewKernels(twoTone(h, w), 1, h, w, DefaultParams().Bandwidths)
	require.NoError(t, err)
	n := h * w
	assert.Equal(t, n, k.Pixels)
	assert.Equal(t, []int{n, n}, []int(k.Spatial.Shape()))
	assert.Equal(t, []int{n, n}, []int(k.Bilateral.Shape()))

	for name, kern := range map[string][]float64{"spatial": k.Spatial.Data().([]float64), "bilateral": k.Bilateral.Data().([]float64)} {
		for i := 0; i < n; i++ {
			assert.Equal(t, 0.0, kern[i*n+i], "%s kernel should not pass messages from a pixel to itself", name)
			var sum float64
			for j := 0; j < n; j++ {
				assert.True(t, kern[i*n+j] >= 0)
				sum += kern[i*n+j]
			}
			assert.InDelta(t, 1, sum, 1e-12, "%s row %d should be normalized", name, i)
		}
	}

	// pixel 0 is dark, pixel 1 is its dark neighbour, pixel 2 is bright.
	bil := k.Bilateral.Data().([]float64)
	assert.True(t, bil[0*n+1] > bil[0*n+2], "similar colours should have a stronger bilateral affinity")

	spat := k.Spatial.Data().([]float64)
	assert.True(t, spat[0*n+1] > spat[0*n+3], "closer pixels should have a stronger spatial affinity")
}

func TestNewKernelsSymmetricBeforeNormalization(t *testing.T) {
	// a 1x2 image has exactly one neighbour per pixel, so every row is a one-hot.
	k, err := NewKernels([]float64{0, 255}, 1, 1, 2, DefaultParams().Bandwidths)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 1, 1, 0}, k.Spatial.Data().([]float64), 1e-12)
}

func TestNewKernelsSinglePixel(t *testing.T) {
	k, err := NewKernels([]float64{0.5, 0.5, 0.5}, 3, 1, 1, DefaultParams().Bandwidths)
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, k.Spatial.Data().([]float64))
	assert.False(t, math.IsNaN(k.Bilateral.Data().([]float64)[0]))
}

func TestNewKernelsErrors(t *testing.T) {
	bw := DefaultParams().Bandwidths
	_, err := NewKernels(make([]float64, 5), 1, 2, 2, bw)
	assert.Error(t, err)

	_, err = NewKernels(nil, 0, 2, 2, bw)
	assert.Error(t, err)

	_, err = NewKernels(make([]float64, 4), 1, 2, 2, Bandwidths{})
	assert.Error(t, err)
}
