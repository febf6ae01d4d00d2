package crf

import (
	"math"

	"github.com/pkg/errors"
)

// MeanField runs iter steps of mean-field inference on an N×C matrix of unaries (row major)
// without building a graph. It computes exactly what a Layer computes and returns the refined logits.
//
// compat is the C×C label compatibility matrix. If it is nil, the Potts model is used.
func MeanField(unary []float64, k *Kernels, w Weights, compat []float64, classes, iter int) ([]float64, error) {
	if classes < 1 || k == nil {
		return nil, errors.Errorf("Cannot run mean-field inference with %d classes", classes)
	}
	n := k.Pixels
	if len(unary) != n*classes {
		return nil, errors.Errorf("Expected %d unaries. Got %d instead", n*classes, len(unary))
	}
	if compat == nil {
		compat = PottsCompatibility(classes)
	}
	if len(compat) != classes*classes {
		return nil, errors.Errorf("Expected a %dx%d compatibility matrix. Got %d values", classes, classes, len(compat))
	}
	spatial := k.Spatial.Data().([]float64)
	bilateral := k.Bilateral.Data().([]float64)

	logits := make([]float64, len(unary))
	copy(logits, unary)
	q := make([]float64, len(unary))
	msg := make([]float64, classes)
	for t := 0; t < iter; t++ {
		softmaxRows(logits, q, classes)
		for i := 0; i < n; i++ {
			for c := range msg {
				msg[c] = 0
			}
			srow := spatial[i*n : (i+1)*n]
			brow := bilateral[i*n : (i+1)*n]
			for j := 0; j < n; j++ {
				s, b := w.Spatial*srow[j], w.Bilateral*brow[j]
				if s == 0 && b == 0 {
					continue
				}
				qj := q[j*classes : (j+1)*classes]
				for c, v := range qj {
					msg[c] += (s + b) * v
				}
			}
			for c := 0; c < classes; c++ {
				var pairwise float64
				for l := 0; l < classes; l++ {
					pairwise += msg[l] * compat[l*classes+c]
				}
				logits[i*classes+c] = unary[i*classes+c] - pairwise
			}
		}
	}
	return logits, nil
}

// Softmax returns the row-wise softmax of an N×C matrix of logits.
func Softmax(logits []float64, classes int) []float64 {
	retVal := make([]float64, len(logits))
	softmaxRows(logits, retVal, classes)
	return retVal
}

func softmaxRows(logits, out []float64, classes int) {
	for i := 0; i+classes <= len(logits); i += classes {
		row := logits[i : i+classes]
		max := math.Inf(-1)
		for _, v := range row {
			if v > max {
				max = v
			}
		}
		var sum float64
		for c, v := range row {
			e := math.Exp(v - max)
			out[i+c] = e
			sum += e
		}
		for c := range row {
			out[i+c] /= sum
		}
	}
}
