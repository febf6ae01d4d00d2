package seg

import (
	"bytes"
	"log"
	"math/rand"
	"time"

	"github.com/gorgonia/crfasrnn/crf"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"gorgonia.org/tensor/native"
	"gorgonia.org/vecf64"
)

// Trainer holds a training VM for a *Net, together with its solvers.
//
// The backbone and the CRF head are stepped by different solvers: the backbone uses momentum and
// weight decay, the CRF parameters are trained with their own learn rate and no weight decay.
type Trainer struct {
	n *Net
	m G.VM

	backbone, crf           G.Solver
	backboneModel, crfModel []G.ValueGrad
}

// NewTrainer creates a trainer for n.
func NewTrainer(n *Net) (*Trainer, error) {
	if n.FwdOnly || n.g == nil {
		return nil, errors.New("Cannot train a fwd only or uninitialized network")
	}
	bopts := []G.SolverOpt{G.WithLearnRate(n.LR), G.WithMomentum(n.Momentum)}
	if n.WeightDecay > 0 {
		bopts = append(bopts, G.WithL2Reg(n.WeightDecay))
	}
	return &Trainer{
		n:             n,
		m:             G.NewTapeMachine(n.g, G.BindDualValues(n.Model()...)),
		backbone:      G.NewMomentum(bopts...),
		crf:           G.NewVanillaSolver(G.WithLearnRate(n.LRCRF)),
		backboneModel: G.NodesToValueGrads(n.BackboneModel()),
		crfModel:      G.NodesToValueGrads(n.CRFModel()),
	}, nil
}

// Net returns the network being trained.
func (t *Trainer) Net() *Net { return t.n }

// Step runs a forward and backward pass over a batch, then updates the learnables.
// It returns the cost of the batch.
func (t *Trainer) Step(batch []Example) (cost float64, err error) {
	n := t.n
	if len(batch) != n.BatchSize {
		return 0, errors.Errorf("Expected a batch of %d examples. Got %d instead", n.BatchSize, len(batch))
	}
	if err = n.let(batch); err != nil {
		return 0, err
	}

	var labelled int
	for b, ex := range batch {
		var target *tensor.Dense
		var count int
		if target, count, err = oneHot(ex.Labels, n.Pixels(), n.Classes); err != nil {
			return 0, errors.Wrapf(err, "Example %q", ex.Name)
		}
		labelled += count
		if err = G.Let(n.targets[b], target); err != nil {
			return 0, errors.WithStack(err)
		}
	}
	var norm float64
	if labelled > 0 {
		norm = 1 / float64(labelled)
	}
	if err = G.Let(n.norm, norm); err != nil {
		return 0, errors.WithStack(err)
	}

	if err = t.m.RunAll(); err != nil {
		return 0, errors.WithStack(err)
	}
	cost, _ = n.cost.Data().(float64)
	if err = t.backbone.Step(t.backboneModel); err != nil {
		return 0, errors.WithStack(err)
	}
	if err = t.crf.Step(t.crfModel); err != nil {
		return 0, errors.WithStack(err)
	}
	t.m.Reset()
	return cost, nil
}

// Close implements a closer, because well, a gorgonia VM is a resource.
func (t *Trainer) Close() error { return t.m.Close() }

// Train is a basic trainer. For each iteration it shuffles the examples and steps through every full batch.
// It returns the mean cost of the last iteration.
func Train(n *Net, examples []Example, iterations int) (float64, error) {
	batches := len(examples) / n.BatchSize
	if batches == 0 {
		return 0, errors.Errorf("Need at least %d examples to train. Got %d", n.BatchSize, len(examples))
	}
	t, err := NewTrainer(n)
	if err != nil {
		return 0, err
	}
	defer t.Close()

	var cost float64
	for i := 0; i < iterations; i++ {
		shuffleExamples(examples)
		cost = 0
		for bat := 0; bat < batches; bat++ {
			batchStart := bat * n.BatchSize
			batchEnd := batchStart + n.BatchSize
			c, err := t.Step(examples[batchStart:batchEnd])
			if err != nil {
				return 0, err
			}
			cost += c
		}
		cost /= float64(batches)
	}
	return cost, nil
}

// let binds the images of a batch and their CRF kernels.
func (n *Net) let(batch []Example) error {
	ks := make([]*crf.Kernels, len(batch))
	for b, ex := range batch {
		if err := n.checkImage(ex); err != nil {
			return err
		}
		k, err := crf.NewKernels(ex.Image, n.Channels, n.Height, n.Width, n.crf.Bandwidths)
		if err != nil {
			return errors.Wrapf(err, "Example %q", ex.Name)
		}
		ks[b] = k
	}
	return n.letKernels(batch, ks)
}

// letKernels binds the images of a batch with precomputed kernels.
func (n *Net) letKernels(batch []Example, ks []*crf.Kernels) error {
	size := n.Channels * n.Pixels()
	backing := make([]float64, 0, len(batch)*size)
	for b, ex := range batch {
		backing = append(backing, ex.Image...)
		if err := n.kernels[b].Let(ks[b]); err != nil {
			return err
		}
	}
	images := tensor.New(tensor.WithShape(len(batch), n.Channels, n.Height, n.Width), tensor.WithBacking(backing))
	return errors.WithStack(G.Let(n.images, images))
}

func (n *Net) checkImage(ex Example) error {
	if size := n.Channels * n.Pixels(); len(ex.Image) != size {
		return errors.Errorf("Example %q has %d values. Expected %d", ex.Name, len(ex.Image), size)
	}
	return nil
}

// oneHot encodes labels as a pixels×classes matrix. Ignored pixels get a row of zeroes.
func oneHot(labels []int, pixels, classes int) (*tensor.Dense, int, error) {
	if len(labels) != pixels {
		return nil, 0, errors.Errorf("Expected %d labels. Got %d instead", pixels, len(labels))
	}
	backing := make([]float64, pixels*classes)
	var count int
	for i, l := range labels {
		switch {
		case l < 0:
			continue
		case l >= classes:
			return nil, 0, errors.Errorf("Label %d of pixel %d is out of range", l, i)
		}
		backing[i*classes+l] = 1
		count++
	}
	return tensor.New(tensor.WithShape(pixels, classes), tensor.WithBacking(backing)), count, nil
}

func shuffleExamples(examples []Example) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range examples {
		j := r.Intn(i + 1)
		examples[i], examples[j] = examples[j], examples[i]
	}
}

// Inferencer is a struct that holds the state for a fwd only *Net and a VM. By using an Inferencer struct,
// there is no longer a need to create a VM every time an inference needs to be done.
//
// The inference graph unrolls EvalIter mean-field iterations instead of TrainIter.
type Inferencer struct {
	n *Net
	m G.VM

	buf *bytes.Buffer
}

// Infer takes a trained *Net, and creates an inference data structure such that it'd be easy to infer.
//
// The inference network keeps the batch size of n, because the batch norm scales and biases are shaped
// by it. Batch norm statistics are kept by the ops of the training graph and cannot be copied, so every
// slot of the batch holds the image being segmented, and the network normalizes with its statistics.
func Infer(n *Net, toLog bool) (*Inferencer, error) {
	conf := n.Config
	conf.FwdOnly = true
	retVal := &Inferencer{
		n: New(conf),
	}
	if err := retVal.n.Init(); err != nil {
		return nil, err
	}
	if err := copyModel(retVal.n.Model(), n.Model()); err != nil {
		return nil, err
	}

	retVal.buf = new(bytes.Buffer)
	if toLog {
		logger := log.New(retVal.buf, "", 0)
		retVal.m = G.NewTapeMachine(retVal.n.g,
			G.WithLogger(logger),
			G.WithWatchlist(),
			G.TraceExec(),
			G.WithValueFmt("%+1.1v"),
			G.WithNaNWatch(),
		)
	} else {
		retVal.m = G.NewTapeMachine(retVal.n.g)
	}
	return retVal, nil
}

// Net returns the inference network.
func (m *Inferencer) Net() *Net { return m.n }

// Infer segments an image laid out as Channels×Height×Width. It returns the label of every pixel and the
// refined class probabilities (Pixels×Classes, row major).
func (m *Inferencer) Infer(img []float64) (labels []int, probs []float64, err error) {
	m.buf.Reset()
	n := m.n
	ex := Example{Name: "input", Image: img}
	if err = n.checkImage(ex); err != nil {
		return nil, nil, err
	}
	k, err := crf.NewKernels(img, n.Channels, n.Height, n.Width, n.crf.Bandwidths)
	if err != nil {
		return nil, nil, err
	}
	batch := make([]Example, n.BatchSize)
	ks := make([]*crf.Kernels, n.BatchSize)
	for b := range batch {
		batch[b], ks[b] = ex, k
	}
	if err = n.letKernels(batch, ks); err != nil {
		return nil, nil, err
	}
	m.m.Reset()
	if err = m.m.RunAll(); err != nil {
		return nil, nil, errors.WithStack(err)
	}

	out, ok := m.n.probs[0].(*tensor.Dense)
	if !ok {
		return nil, nil, errors.Errorf("Expected probabilities to be a *tensor.Dense. Got %T instead", m.n.probs[0])
	}
	rows, err := native.MatrixF64(out)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "Unable to read probabilities")
	}
	labels = make([]int, len(rows))
	probs = make([]float64, 0, len(rows)*m.n.Classes)
	for i, row := range rows {
		labels[i] = vecf64.Argmax(row)
		probs = append(probs, row...)
	}
	return labels, probs, nil
}

// ExecLog returns the execution log. If Infer was called with toLog = false, then it will return an empty string
func (m *Inferencer) ExecLog() string { return m.buf.String() }

// Close implements a closer, because well, a gorgonia VM is a resource.
func (m *Inferencer) Close() error { return m.m.Close() }
