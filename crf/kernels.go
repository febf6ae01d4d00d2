package crf

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf64"
)

// Kernels holds the two pairwise kernels of an image. Both are dense N×N matrices,
// where N is the number of pixels. Row i holds the normalized affinities of pixel i
// to every other pixel.
//
// TODO: replace the dense kernels with a permutohedral lattice so that crops larger than 64x64 fit in memory.
type Kernels struct {
	Pixels    int
	Spatial   *tensor.Dense
	Bilateral *tensor.Dense
}

// NewKernels computes the spatial and bilateral kernels of an image laid out as CHW.
func NewKernels(img []float64, channels, height, width int, bw Bandwidths) (*Kernels, error) {
	if channels <= 0 || height <= 0 || width <= 0 {
		return nil, errors.Errorf("Cannot build kernels for a %dx%dx%d image", channels, height, width)
	}
	n := height * width
	if len(img) != channels*n {
		return nil, errors.Errorf("Expected an image of %d values. Got %d instead", channels*n, len(img))
	}
	if err := bw.validate(); err != nil {
		return nil, err
	}

	spatial := make([]float64, n*n)
	bilateral := make([]float64, n*n)

	a2 := 2 * bw.alpha * bw.alpha
	b2 := 2 * bw.beta * bw.beta
	g2 := 2 * bw.gamma * bw.gamma
	for i := 0; i < n; i++ {
		yi, xi := i/width, i%width
		for j := i + 1; j < n; j++ {
			yj, xj := j/width, j%width
			dy, dx := float64(yi-yj), float64(xi-xj)
			pos := dx*dx + dy*dy

			var col float64
			for c := 0; c < channels; c++ {
				d := img[c*n+i] - img[c*n+j]
				col += d * d
			}

			s := math.Exp(-pos / g2)
			b := math.Exp(-pos/a2 - col/b2)
			spatial[i*n+j], spatial[j*n+i] = s, s
			bilateral[i*n+j], bilateral[j*n+i] = b, b
		}
	}
	normalizeRows(spatial, n)
	normalizeRows(bilateral, n)

	return &Kernels{
		Pixels:    n,
		Spatial:   tensor.New(tensor.WithShape(n, n), tensor.WithBacking(spatial)),
		Bilateral: tensor.New(tensor.WithShape(n, n), tensor.WithBacking(bilateral)),
	}, nil
}

func normalizeRows(k []float64, n int) {
	for i := 0; i < n; i++ {
		row := k[i*n : (i+1)*n]
		sum := vecf64.Sum(row)
		if sum <= 0 {
			continue
		}
		vecf64.Scale(row, 1/sum)
	}
}
