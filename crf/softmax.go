package crf

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// LogSoftMaxRows computes the log softmax of every row of an N×C matrix as x - max - log Σ exp(x - max).
// It is built from primitive ops, so it is differentiable through any number of unrolled iterations, and it
// stays finite when a class probability underflows.
func LogSoftMaxRows(x *G.Node) (*G.Node, error) {
	if x.Dims() != 2 {
		return nil, errors.Errorf("Expected a matrix. Got %v instead", x.Shape())
	}
	var m maebe
	shifted := m.shiftRows(x)
	exp := m.do(func() (*G.Node, error) { return G.Exp(shifted) })
	sum := m.do(func() (*G.Node, error) { return G.Sum(exp, 1) })
	lse := m.do(func() (*G.Node, error) { return G.Log(sum) })
	lse = m.column(lse)
	retVal := m.do(func() (*G.Node, error) { return G.BroadcastSub(shifted, lse, nil, []byte{1}) })
	return retVal, m.err
}

// SoftMaxRows computes the softmax of every row of an N×C matrix as exp(x - max) / Σ exp(x - max).
func SoftMaxRows(x *G.Node) (*G.Node, error) {
	if x.Dims() != 2 {
		return nil, errors.Errorf("Expected a matrix. Got %v instead", x.Shape())
	}
	var m maebe
	shifted := m.shiftRows(x)
	exp := m.do(func() (*G.Node, error) { return G.Exp(shifted) })
	sum := m.do(func() (*G.Node, error) { return G.Sum(exp, 1) })
	sum = m.column(sum)
	retVal := m.do(func() (*G.Node, error) { return G.BroadcastHadamardDiv(exp, sum, nil, []byte{1}) })
	return retVal, m.err
}

// shiftRows subtracts the maximum of every row from the row.
func (m *maebe) shiftRows(x *G.Node) *G.Node {
	mx := m.do(func() (*G.Node, error) { return G.Max(x, 1) })
	mx = m.column(mx)
	return m.do(func() (*G.Node, error) { return G.BroadcastSub(x, mx, nil, []byte{1}) })
}

// column reshapes a vector of N values into an N×1 matrix.
func (m *maebe) column(v *G.Node) *G.Node {
	if m.err != nil {
		return nil
	}
	return m.do(func() (*G.Node, error) { return G.Reshape(v, tensor.Shape{v.Shape().TotalSize(), 1}) })
}
