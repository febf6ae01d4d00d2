package seg

import "github.com/gorgonia/crfasrnn/crf"

// Config configures the segmentation network
type Config struct {
	K       int // number of filters in the backbone
	Layers  int // number of conv-bn-relu blocks in the backbone
	Classes int // number of labels

	BatchSize     int // batch size
	Width, Height int // input size
	Channels      int // image channels

	TrainIter int // mean-field iterations during training
	EvalIter  int // mean-field iterations during evaluation
	CRF       crf.Params

	LR          float64 // backbone learning rate
	LRCRF       float64 // learning rate of the CRF parameters
	Momentum    float64 // backbone momentum
	WeightDecay float64 // backbone L2 regularization

	FwdOnly bool // is this a fwd only graph?
}

// DefaultConf returns the default configuration for h×w images labelled with the given number of classes.
func DefaultConf(h, w, classes int) Config {
	return Config{
		K:       16,
		Layers:  2,
		Classes: classes,

		BatchSize: 4,
		Width:     w,
		Height:    h,
		Channels:  3,

		TrainIter: 5,
		EvalIter:  10,
		CRF:       crf.DefaultParams(),

		LR:          1e-2,
		LRCRF:       1e-4,
		Momentum:    0.9,
		WeightDecay: 5e-4,
	}
}

func (conf Config) IsValid() bool {
	return conf.K >= 1 &&
		conf.Layers >= 0 &&
		conf.Classes >= 2 &&
		conf.BatchSize >= 1 &&
		conf.Width >= 1 && conf.Height >= 1 &&
		conf.Channels >= 1 &&
		conf.TrainIter >= 0 && conf.EvalIter >= 0 &&
		conf.LR >= 0 && conf.LRCRF >= 0 &&
		conf.Momentum >= 0 && conf.Momentum < 1 &&
		conf.WeightDecay >= 0 &&
		conf.CRF.Validate() == nil
}

// Iter is the number of mean-field iterations the graph unrolls.
func (conf Config) Iter() int {
	if conf.FwdOnly {
		return conf.EvalIter
	}
	return conf.TrainIter
}

// Pixels is the number of pixels of an input image.
func (conf Config) Pixels() int { return conf.Width * conf.Height }
