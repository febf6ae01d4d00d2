package crf

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// Default values of the DenseCRF parameters. They were tuned on top of the
// values published with crfasrnn_keras.
const (
	DefaultAlpha           = 40.0
	DefaultBeta            = 1.7500746997459924
	DefaultGamma           = 4.461952267619522
	DefaultSpatialWeight   = 3.7606425465775133
	DefaultBilateralWeight = 1.6835678682669473
)

// Bandwidths are the fixed hyperparameters of the pairwise kernels. They are set once
// and cannot be changed afterwards.
type Bandwidths struct {
	alpha float64 // spatial bandwidth of the bilateral kernel
	beta  float64 // colour bandwidth of the bilateral kernel
	gamma float64 // bandwidth of the spatial kernel
}

func (b Bandwidths) Alpha() float64 { return b.alpha }
func (b Bandwidths) Beta() float64  { return b.beta }
func (b Bandwidths) Gamma() float64 { return b.gamma }

// Weights are the trainable kernel weights. The values held here are the initial
// values; a training step updates them in place.
type Weights struct {
	Spatial   float64
	Bilateral float64
}

// Params is the full parameter set of a DenseCRF.
type Params struct {
	Bandwidths
	Weights
}

// DefaultParams returns the default parameter set.
func DefaultParams() Params {
	return Params{
		Bandwidths: Bandwidths{
			alpha: DefaultAlpha,
			beta:  DefaultBeta,
			gamma: DefaultGamma,
		},
		Weights: Weights{
			Spatial:   DefaultSpatialWeight,
			Bilateral: DefaultBilateralWeight,
		},
	}
}

// ParamOpt overrides one of the default parameters.
type ParamOpt func(p *Params)

func WithAlpha(v float64) ParamOpt { return func(p *Params) { p.alpha = v } }
func WithBeta(v float64) ParamOpt  { return func(p *Params) { p.beta = v } }
func WithGamma(v float64) ParamOpt { return func(p *Params) { p.gamma = v } }

func WithSpatialWeight(v float64) ParamOpt   { return func(p *Params) { p.Spatial = v } }
func WithBilateralWeight(v float64) ParamOpt { return func(p *Params) { p.Bilateral = v } }

// NewParams creates a parameter set. Parameters not overridden take their default values.
// All five values must be positive and finite, otherwise a *ConfigurationError is returned.
func NewParams(opts ...ParamOpt) (Params, error) {
	p := DefaultParams()
	for _, opt := range opts {
		opt(&p)
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Validate checks that every parameter is positive and finite.
func (p Params) Validate() error {
	if err := p.Bandwidths.validate(); err != nil {
		return err
	}
	if err := checkPositive("spatial_ker_weight", p.Spatial); err != nil {
		return err
	}
	return checkPositive("bilateral_ker_weight", p.Bilateral)
}

func (b Bandwidths) validate() error {
	if err := checkPositive("alpha", b.alpha); err != nil {
		return err
	}
	if err := checkPositive("beta", b.beta); err != nil {
		return err
	}
	return checkPositive("gamma", b.gamma)
}

func checkPositive(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return &ConfigurationError{Field: field, Value: v}
	}
	return nil
}

// wire is the serialized form of Params.
type wire struct {
	Alpha              float64 `json:"alpha"`
	Beta               float64 `json:"beta"`
	Gamma              float64 `json:"gamma"`
	SpatialKerWeight   float64 `json:"spatial_ker_weight"`
	BilateralKerWeight float64 `json:"bilateral_ker_weight"`
}

func (p Params) wire() wire {
	return wire{
		Alpha:              p.alpha,
		Beta:               p.beta,
		Gamma:              p.gamma,
		SpatialKerWeight:   p.Spatial,
		BilateralKerWeight: p.Bilateral,
	}
}

// fromWire restores the parameters. Only the bandwidths are checked: the weights are
// learned state and may have drifted anywhere during training.
func (p *Params) fromWire(w wire) error {
	bw := Bandwidths{alpha: w.Alpha, beta: w.Beta, gamma: w.Gamma}
	if err := bw.validate(); err != nil {
		return err
	}
	p.Bandwidths = bw
	p.Weights = Weights{Spatial: w.SpatialKerWeight, Bilateral: w.BilateralKerWeight}
	return nil
}

func (p Params) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p.wire()); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func (p *Params) GobDecode(data []byte) error {
	var w wire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return errors.WithStack(err)
	}
	return p.fromWire(w)
}

func (p Params) MarshalJSON() ([]byte, error) { return json.Marshal(p.wire()) }

func (p *Params) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.WithStack(err)
	}
	return p.fromWire(w)
}

// Overrides is the configuration file form of the parameters. Missing keys keep their defaults.
type Overrides struct {
	Alpha              *float64 `json:"alpha,omitempty"`
	Beta               *float64 `json:"beta,omitempty"`
	Gamma              *float64 `json:"gamma,omitempty"`
	SpatialKerWeight   *float64 `json:"spatial_ker_weight,omitempty"`
	BilateralKerWeight *float64 `json:"bilateral_ker_weight,omitempty"`
}

// Options converts the overrides into ParamOpts.
func (o Overrides) Options() []ParamOpt {
	var opts []ParamOpt
	if o.Alpha != nil {
		opts = append(opts, WithAlpha(*o.Alpha))
	}
	if o.Beta != nil {
		opts = append(opts, WithBeta(*o.Beta))
	}
	if o.Gamma != nil {
		opts = append(opts, WithGamma(*o.Gamma))
	}
	if o.SpatialKerWeight != nil {
		opts = append(opts, WithSpatialWeight(*o.SpatialKerWeight))
	}
	if o.BilateralKerWeight != nil {
		opts = append(opts, WithBilateralWeight(*o.BilateralKerWeight))
	}
	return opts
}

// Params builds the parameter set described by the overrides.
func (o Overrides) Params() (Params, error) { return NewParams(o.Options()...) }
