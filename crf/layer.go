package crf

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Layer is a CRF-RNN head: mean-field inference of a dense CRF unrolled into a
// differentiable graph. The learnable nodes are shared by every call to Fwd, so
// a batch of images can be refined by the same layer.
type Layer struct {
	Bandwidths

	Classes int
	Pixels  int
	Iter    int // number of mean-field iterations

	spatial   *G.Node // scalar
	bilateral *G.Node // scalar
	compat    *G.Node // Classes×Classes label compatibility

	inputs G.Nodes
}

// Input holds the kernel nodes of one image. They need to be bound with Let before running the graph.
type Input struct {
	Spatial   *G.Node
	Bilateral *G.Node
}

// Let binds the kernels of an image.
func (in Input) Let(k *Kernels) error {
	if err := G.Let(in.Spatial, k.Spatial); err != nil {
		return errors.Wrapf(err, "Unable to let spatial kernel")
	}
	if err := G.Let(in.Bilateral, k.Bilateral); err != nil {
		return errors.Wrapf(err, "Unable to let bilateral kernel")
	}
	return nil
}

// NewLayer creates the learnable nodes of a CRF-RNN head in g. The trainable weights start
// at the values held by p.
func NewLayer(g *G.ExprGraph, p Params, classes, pixels, iter int) (*Layer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if classes < 2 || pixels < 1 || iter < 0 {
		return nil, errors.Errorf("Cannot create a CRF layer with %d classes, %d pixels and %d iterations", classes, pixels, iter)
	}
	dt := tensor.Float64

	potts := PottsCompatibility(classes)
	return &Layer{
		Bandwidths: p.Bandwidths,
		Classes:    classes,
		Pixels:     pixels,
		Iter:       iter,

		spatial:   G.NewScalar(g, dt, G.WithName("spatial_ker_weight"), G.WithValue(p.Spatial)),
		bilateral: G.NewScalar(g, dt, G.WithName("bilateral_ker_weight"), G.WithValue(p.Bilateral)),
		compat: G.NewMatrix(g, dt, G.WithShape(classes, classes), G.WithName("compatibility_matrix"),
			G.WithValue(tensor.New(tensor.WithShape(classes, classes), tensor.WithBacking(potts)))),
	}, nil
}

// Fwd refines an N×C matrix of unaries. It returns the refined logits (N×C) and the
// kernel inputs for this image.
func (l *Layer) Fwd(unary *G.Node) (logits *G.Node, in Input, err error) {
	if !unary.Shape().Eq(tensor.Shape{l.Pixels, l.Classes}) {
		return nil, in, errors.Errorf("Expected unaries of shape (%d, %d). Got %v instead", l.Pixels, l.Classes, unary.Shape())
	}
	g := unary.Graph()
	id := len(l.inputs) / 2
	in = Input{
		Spatial:   G.NewMatrix(g, tensor.Float64, G.WithShape(l.Pixels, l.Pixels), G.WithName(fmt.Sprintf("SpatialKernel%d", id))),
		Bilateral: G.NewMatrix(g, tensor.Float64, G.WithShape(l.Pixels, l.Pixels), G.WithName(fmt.Sprintf("BilateralKernel%d", id))),
	}
	l.inputs = append(l.inputs, in.Spatial, in.Bilateral)

	var m maebe
	logits = unary
	for t := 0; t < l.Iter; t++ {
		q := m.do(func() (*G.Node, error) { return SoftMaxRows(logits) })

		// message passing
		sq := m.do(func() (*G.Node, error) { return G.Mul(in.Spatial, q) })
		bq := m.do(func() (*G.Node, error) { return G.Mul(in.Bilateral, q) })

		// weighting
		sq = m.do(func() (*G.Node, error) { return G.Mul(l.spatial, sq) })
		bq = m.do(func() (*G.Node, error) { return G.Mul(l.bilateral, bq) })
		msg := m.do(func() (*G.Node, error) { return G.Add(sq, bq) })

		// compatibility transform
		pairwise := m.do(func() (*G.Node, error) { return G.Mul(msg, l.compat) })

		// adding unary potentials
		logits = m.do(func() (*G.Node, error) { return G.Sub(unary, pairwise) })
	}
	if m.err != nil {
		return nil, in, m.err
	}
	return logits, in, nil
}

// Learnables returns the learnable nodes of the layer.
func (l *Layer) Learnables() G.Nodes { return G.Nodes{l.spatial, l.bilateral, l.compat} }

// Inputs returns the kernel input nodes of every image refined so far.
func (l *Layer) Inputs() G.Nodes { return l.inputs }

// Weights returns the current values of the trainable kernel weights.
func (l *Layer) Weights() Weights {
	return Weights{
		Spatial:   scalarValue(l.spatial),
		Bilateral: scalarValue(l.bilateral),
	}
}

// Params returns the fixed bandwidths together with the current weights.
func (l *Layer) Params() Params { return Params{Bandwidths: l.Bandwidths, Weights: l.Weights()} }

// PottsCompatibility returns the Potts model label compatibility: -1 on the diagonal, 0 elsewhere.
// With it, a pixel is pulled towards the labels of the pixels it has affinity with.
func PottsCompatibility(classes int) []float64 {
	retVal := make([]float64, classes*classes)
	for i := 0; i < classes; i++ {
		retVal[i*classes+i] = -1
	}
	return retVal
}

// Compatibility returns a copy of the current label compatibility matrix, row major.
func (l *Layer) Compatibility() []float64 {
	data := l.compat.Value().Data().([]float64)
	retVal := make([]float64, len(data))
	copy(retVal, data)
	return retVal
}

func scalarValue(n *G.Node) float64 {
	if v, ok := n.Value().Data().(float64); ok {
		return v
	}
	return 0
}

type maebe struct {
	err error
}

func (m *maebe) do(f func() (*G.Node, error)) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = f(); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}
