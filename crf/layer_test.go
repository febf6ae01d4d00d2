package crf

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type fixture struct {
	h, w, classes int
	img           []float64
	unary         []float64
	k             *Kernels
}

func newFixture(t *testing.T) fixture {
	r := rand.New(rand.NewSource(1337))
	f := fixture{h: 3, w: 4, classes: 3}
	n := f.h * f.w
	f.img = make([]float64, 3*n)
	for i := range f.img {
		f.img[i] = r.Float64()
	}
	f.unary = make([]float64, n*f.classes)
	for i := range f.unary {
		f.unary[i] = r.NormFloat64()
	}
	var err error
	if f.k, err = NewKernels(f.img, 3, f.h, f.w, DefaultParams().Bandwidths); err != nil {
		t.Fatalf("%+v", err)
	}
	return f
}

// run builds a single image graph, runs it and returns the refined logits together with the layer.
func run(t *testing.T, f fixture, p Params, iter int, grad bool) ([]float64, *Layer) {
	n := f.h * f.w
	g := G.NewGraph()
	u := G.NewMatrix(g, tensor.Float64, G.WithShape(n, f.classes), G.WithName("Unary"))
	l, err := NewLayer(g, p, f.classes, n, iter)
	require.NoError(t, err)
	logits, in, err := l.Fwd(u)
	require.NoError(t, err)

	var out G.Value
	G.Read(logits, &out)

	var opts []G.VMOpt
	if grad {
		weights := G.NewConstant(tensor.New(tensor.WithShape(n, f.classes), tensor.WithBacking(costWeights(n*f.classes))))
		prod, err := G.HadamardProd(logits, weights)
		require.NoError(t, err)
		cost, err := G.Sum(prod)
		require.NoError(t, err)
		_, err = G.Grad(cost, l.Learnables()...)
		require.NoError(t, err)
		opts = append(opts, G.BindDualValues(l.Learnables()...))
	}

	m := G.NewTapeMachine(g, opts...)
	defer m.Close()

	unary := make([]float64, len(f.unary))
	copy(unary, f.unary)
	require.NoError(t, G.Let(u, tensor.New(tensor.WithShape(n, f.classes), tensor.WithBacking(unary))))
	require.NoError(t, in.Let(f.k))
	require.NoError(t, m.RunAll())

	got := make([]float64, n*f.classes)
	copy(got, out.Data().([]float64))
	return got, l
}

func costWeights(size int) []float64 {
	r := rand.New(rand.NewSource(42))
	retVal := make([]float64, size)
	for i := range retVal {
		retVal[i] = r.Float64() - 0.5
	}
	return retVal
}

func TestLayerMatchesMeanField(t *testing.T) {
	f := newFixture(t)
	p := DefaultParams()
	for _, iter := range []int{0, 1, 5} {
		got, _ := run(t, f, p, iter, false)
		want, err := MeanField(f.unary, f.k, p.Weights, nil, f.classes, iter)
		require.NoError(t, err)
		assert.InDeltaSlice(t, want, got, 1e-9, "iter %d", iter)
	}
}

func TestLayerZeroIterationsIsIdentity(t *testing.T) {
	f := newFixture(t)
	got, _ := run(t, f, DefaultParams(), 0, false)
	assert.Equal(t, f.unary, got)
}

func TestLayerGradient(t *testing.T) {
	f := newFixture(t)
	p := DefaultParams()
	for _, iter := range []int{1, 2, 3, 5} {
		_, l := run(t, f, p, iter, true)

		cost := func(w Weights) float64 {
			logits, err := MeanField(f.unary, f.k, w, nil, f.classes, iter)
			require.NoError(t, err)
			var sum float64
			for i, c := range costWeights(len(logits)) {
				sum += logits[i] * c
			}
			return sum
		}

		const eps = 1e-6
		numeric := func(shift func(w *Weights, d float64)) float64 {
			plus, minus := p.Weights, p.Weights
			shift(&plus, eps)
			shift(&minus, -eps)
			return (cost(plus) - cost(minus)) / (2 * eps)
		}

		gs, err := l.spatial.Grad()
		require.NoError(t, err)
		gb, err := l.bilateral.Grad()
		require.NoError(t, err)

		wantS := numeric(func(w *Weights, d float64) { w.Spatial += d })
		wantB := numeric(func(w *Weights, d float64) { w.Bilateral += d })
		assert.InDelta(t, wantS, gs.Data().(float64), 1e-4, "iter %d", iter)
		assert.InDelta(t, wantB, gb.Data().(float64), 1e-4, "iter %d", iter)
		assert.NotZero(t, gs.Data().(float64), "iter %d", iter)

		// running the graph must not touch the parameters themselves
		assert.Equal(t, p, l.Params())
	}
}

func TestLayerParams(t *testing.T) {
	p, err := NewParams(WithAlpha(10), WithSpatialWeight(2))
	require.NoError(t, err)
	g := G.NewGraph()
	l, err := NewLayer(g, p, 2, 4, 5)
	require.NoError(t, err)

	assert.Equal(t, p, l.Params())
	assert.Equal(t, []float64{-1, 0, 0, -1}, l.Compatibility())
	assert.Len(t, l.Learnables(), 3)

	_, err = NewLayer(g, Params{}, 2, 4, 5)
	assert.Error(t, err)
	_, err = NewLayer(g, p, 1, 4, 5)
	assert.Error(t, err)
}

func TestLayerFwdShape(t *testing.T) {
	g := G.NewGraph()
	l, err := NewLayer(g, DefaultParams(), 2, 4, 1)
	require.NoError(t, err)
	u := G.NewMatrix(g, tensor.Float64, G.WithShape(3, 2), G.WithName("Unary"))
	_, _, err = l.Fwd(u)
	assert.Error(t, err)
}

func TestMeanFieldPullsTowardsNeighbours(t *testing.T) {
	// a 1x3 strip: the middle pixel is unsure, both neighbours are confident about class 0.
	k, err := NewKernels([]float64{0, 0, 0}, 1, 1, 3, DefaultParams().Bandwidths)
	require.NoError(t, err)
	unary := []float64{
		2, 0,
		0, 0.1,
		2, 0,
	}
	logits, err := MeanField(unary, k, DefaultParams().Weights, nil, 2, 5)
	require.NoError(t, err)
	probs := Softmax(logits, 2)
	assert.True(t, probs[2] > probs[3], "middle pixel should switch to class 0, got %v", probs[2:4])
}

func TestMeanFieldErrors(t *testing.T) {
	f := newFixture(t)
	_, err := MeanField(f.unary[1:], f.k, DefaultParams().Weights, nil, f.classes, 1)
	assert.Error(t, err)
	_, err = MeanField(f.unary, f.k, DefaultParams().Weights, []float64{1}, f.classes, 1)
	assert.Error(t, err)
	_, err = MeanField(f.unary, nil, DefaultParams().Weights, nil, f.classes, 1)
	assert.Error(t, err)
}

func TestToDot(t *testing.T) {
	dot, err := ToDot(2)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dot, "digraph CRFRNN"))
	for _, s := range []string{"softmax0", "softmax1", "update1", "spatial_ker_weight", "bilateral_ker_weight"} {
		assert.Contains(t, dot, s)
	}
	assert.NotContains(t, dot, "softmax2")
}
