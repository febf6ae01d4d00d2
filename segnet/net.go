package seg

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/gorgonia/crfasrnn/crf"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var Float = G.Float64

// Example is a labelled image.
type Example struct {
	Name   string
	Image  []float64 // Channels×Height×Width, normalized
	Labels []int     // Height×Width class indices. -1 marks an ignored pixel
}

// Net is a segmentation network: a fully convolutional backbone producing per pixel unaries,
// refined by a CRF-RNN head.
//
// Every image of a batch is refined by the same CRF layer, so the CRF weights are shared.
type Net struct {
	Config
	ops []batchNormOp

	g       *G.ExprGraph
	images  *G.Node   // BatchSize×Channels×Height×Width
	crf     *crf.Layer
	kernels []crf.Input
	targets G.Nodes // one-hot labels, one Pixels×Classes matrix per image
	norm    *G.Node // 1 / number of labelled pixels in the batch

	logProbNodes G.Nodes
	probs        []G.Value // refined class probabilities, one Pixels×Classes matrix per image
	cost         G.Value   // cost, for training recording
}

// New returns a new, uninitialized *Net.
func New(conf Config) *Net {
	return &Net{Config: conf}
}

func (n *Net) Init() error {
	if !n.IsValid() {
		return errors.Errorf("Invalid network configuration %+v", n.Config)
	}
	n.reset()
	n.g = G.NewGraph()
	if err := n.fwd(); err != nil {
		return err
	}
	return n.bwd()
}

func (n *Net) fwd() (err error) {
	// Gorgonia only supports doing convolutions on BCHW format
	n.images = G.NewTensor(n.g, Float, 4, G.WithShape(n.BatchSize, n.Channels, n.Height, n.Width), G.WithName("Images"))

	var m maebe
	out := n.images
	for i := 0; i < n.Layers; i++ {
		var op batchNormOp
		out, op = m.block(out, n.K, fmt.Sprintf("Block%d", i))
		n.ops = append(n.ops, op)
	}
	scores := m.conv(out, n.Classes, 1, "Classifier")
	if m.err != nil {
		return m.err
	}

	if n.crf, err = crf.NewLayer(n.g, n.CRF, n.Classes, n.Pixels(), n.Iter()); err != nil {
		return err
	}

	n.probs = make([]G.Value, n.BatchSize)
	for b := 0; b < n.BatchSize; b++ {
		u := m.unaries(scores, b)
		if m.err != nil {
			return m.err
		}
		logits, in, err := n.crf.Fwd(u)
		if err != nil {
			return err
		}
		n.kernels = append(n.kernels, in)

		logp := m.do(func() (*G.Node, error) { return crf.LogSoftMaxRows(logits) })
		prob := m.do(func() (*G.Node, error) { return G.Exp(logp) })
		if m.err != nil {
			return m.err
		}
		G.Read(prob, &n.probs[b])
		n.logProbNodes = append(n.logProbNodes, logp)
	}
	return nil
}

func (n *Net) bwd() error {
	if n.FwdOnly {
		return nil
	}
	n.norm = G.NewScalar(n.g, Float, G.WithName("Norm"))

	var m maebe
	var total *G.Node
	for b, logp := range n.logProbNodes {
		target := G.NewMatrix(n.g, Float, G.WithShape(n.Pixels(), n.Classes), G.WithName(fmt.Sprintf("Target%d", b)))
		n.targets = append(n.targets, target)

		ll := m.logLikelihood(logp, target)
		if total == nil {
			total = ll
			continue
		}
		prev := total
		total = m.do(func() (*G.Node, error) { return G.Add(prev, ll) })
	}
	// mean cross entropy over the labelled pixels
	cost := m.do(func() (*G.Node, error) { return G.Mul(total, n.norm) })
	cost = m.do(func() (*G.Node, error) { return G.Neg(cost) })
	if m.err != nil {
		return m.err
	}
	G.Read(cost, &n.cost)

	if _, err := G.Grad(cost, n.Model()...); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Model returns all the learnables of the network: the backbone followed by the CRF.
func (n *Net) Model() G.Nodes {
	retVal := n.BackboneModel()
	return append(retVal, n.CRFModel()...)
}

// BackboneModel returns the learnables of the backbone.
func (n *Net) BackboneModel() G.Nodes {
	inputs := make(map[*G.Node]struct{})
	for _, in := range n.inputs() {
		inputs[in] = struct{}{}
	}
	for _, l := range n.crf.Learnables() {
		inputs[l] = struct{}{}
	}

	retVal := make(G.Nodes, 0, n.g.Nodes().Len())
	for _, node := range n.g.AllNodes() {
		if _, ok := inputs[node]; ok {
			continue
		}
		if node.IsVar() {
			retVal = append(retVal, node)
		}
	}
	return retVal
}

// Cost returns the cost of the last run. It is nil for a fwd only network.
func (n *Net) Cost() G.Value { return n.cost }

// CRFModel returns the learnables of the CRF-RNN head.
func (n *Net) CRFModel() G.Nodes { return n.crf.Learnables() }

// CRFParams returns the CRF parameters with the current values of the trained weights.
func (n *Net) CRFParams() crf.Params { return n.crf.Params() }

// Compatibility returns the current label compatibility matrix of the CRF.
func (n *Net) Compatibility() []float64 { return n.crf.Compatibility() }

func (n *Net) inputs() G.Nodes {
	retVal := G.Nodes{n.images}
	if n.norm != nil {
		retVal = append(retVal, n.norm)
	}
	retVal = append(retVal, n.targets...)
	return append(retVal, n.crf.Inputs()...)
}

func (n *Net) SetTesting() {
	for _, op := range n.ops {
		op.SetTesting()
	}
}

func (n *Net) SetTraining() {
	for _, op := range n.ops {
		op.SetTraining()
	}
}

// Clone returns a new network with the same configuration and a copy of the learned values.
func (n *Net) Clone() (*Net, error) {
	n2 := New(n.Config)
	if err := n2.Init(); err != nil {
		return nil, err
	}
	if err := copyModel(n2.Model(), n.Model()); err != nil {
		return nil, err
	}
	return n2, nil
}

func copyModel(dst, src G.Nodes) error {
	if len(dst) != len(src) {
		return errors.Errorf("Cannot copy a model of %d learnables into a model of %d", len(src), len(dst))
	}
	for i, node := range src {
		v, err := G.CloneValue(node.Value())
		if err != nil {
			return errors.WithStack(err)
		}
		if err := G.Let(dst[i], v); err != nil {
			return errors.Wrapf(err, "Unable to copy %v", node)
		}
	}
	return nil
}

func (n *Net) reset() {
	n.ops = nil
	n.g = nil
	n.images = nil
	n.crf = nil
	n.kernels = nil
	n.targets = nil
	n.norm = nil
	n.logProbNodes = nil
	n.probs = nil
}

// GobEncode encodes the learned values of the network.
func (n *Net) GobEncode() (retVal []byte, err error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for _, node := range n.Model() {
		if node.IsScalar() {
			err = enc.Encode(node.Value().Data())
		} else if t, ok := node.Value().(*tensor.Dense); ok {
			err = enc.Encode(t)
		} else {
			err = errors.Errorf("Cannot encode %v of type %T", node, node.Value())
		}
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return buf.Bytes(), nil
}

// GobDecode initializes the network from its configuration, then restores the learned values.
func (n *Net) GobDecode(p []byte) error {
	if err := n.Init(); err != nil {
		return err
	}

	dec := gob.NewDecoder(bytes.NewBuffer(p))
	for _, node := range n.Model() {
		var v interface{}
		if node.IsScalar() {
			var f float64
			if err := dec.Decode(&f); err != nil {
				return errors.WithStack(err)
			}
			v = f
		} else {
			t := new(tensor.Dense)
			if err := dec.Decode(t); err != nil {
				return errors.WithStack(err)
			}
			if !t.Shape().Eq(node.Shape()) {
				return errors.Errorf("Expected %v to have shape %v. Got %v instead", node, node.Shape(), t.Shape())
			}
			v = t
		}
		if err := G.Let(node, v); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
