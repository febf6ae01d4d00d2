package crfasrnn

import (
	"encoding/json"
	"os"

	"github.com/gorgonia/crfasrnn/crf"
	"github.com/gorgonia/crfasrnn/dataset"
	seg "github.com/gorgonia/crfasrnn/segnet"
	"github.com/pkg/errors"
)

// File is the configuration file of a training run. Keys that are missing from the file keep their defaults.
type File struct {
	Name    string         `json:"name"`
	Dataset dataset.Config `json:"dataset"`
	Net     NetFile        `json:"net"`
	CRF     crf.Overrides  `json:"crf"`

	Epochs        int    `json:"epochs"`
	ItersPerEpoch int    `json:"iters_per_epoch"`
	SnapshotEvery int    `json:"snapshot_every"`
	SnapshotDir   string `json:"snapshot_dir"`
	Seed          int64  `json:"seed"`
	Preview       int    `json:"preview"`
}

// NetFile holds the network settings of a configuration file. The input size and number of classes come from
// the dataset.
type NetFile struct {
	K           int     `json:"k"`
	Layers      int     `json:"layers"`
	BatchSize   int     `json:"batch_size"`
	TrainIter   int     `json:"train_iter"`
	EvalIter    int     `json:"eval_iter"`
	LR          float64 `json:"lr"`
	LRCRF       float64 `json:"lr_crf"`
	Momentum    float64 `json:"momentum"`
	WeightDecay float64 `json:"weight_decay"`
}

// DefaultFile is the configuration used for the keys a file leaves out.
func DefaultFile() File {
	net := seg.DefaultConf(0, 0, 2)
	return File{
		Name:    "crfasrnn",
		Dataset: dataset.DefaultConfig("", "", "", 224, 224),
		Net: NetFile{
			K:           net.K,
			Layers:      net.Layers,
			BatchSize:   net.BatchSize,
			TrainIter:   net.TrainIter,
			EvalIter:    net.EvalIter,
			LR:          net.LR,
			LRCRF:       net.LRCRF,
			Momentum:    net.Momentum,
			WeightDecay: net.WeightDecay,
		},
		Epochs:        20,
		SnapshotEvery: 1,
		SnapshotDir:   "snapshots",
	}
}

// LoadConfig reads a configuration file.
func LoadConfig(filename string) (Config, dataset.Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Config{}, dataset.Config{}, errors.WithStack(err)
	}
	defer f.Close()

	file := DefaultFile()
	if err = json.NewDecoder(f).Decode(&file); err != nil {
		return Config{}, dataset.Config{}, errors.Wrapf(err, "Unable to decode %s", filename)
	}
	conf, err := file.Config()
	if err != nil {
		return Config{}, dataset.Config{}, errors.WithMessagef(err, "%s", filename)
	}
	return conf, file.Dataset, nil
}

// Config builds the run configuration described by the file.
func (file File) Config() (Config, error) {
	params, err := file.CRF.Params()
	if err != nil {
		return Config{}, err
	}
	d := file.Dataset
	net := seg.DefaultConf(d.Height, d.Width, d.Classes)
	net.K = file.Net.K
	net.Layers = file.Net.Layers
	net.BatchSize = file.Net.BatchSize
	net.TrainIter = file.Net.TrainIter
	net.EvalIter = file.Net.EvalIter
	net.LR = file.Net.LR
	net.LRCRF = file.Net.LRCRF
	net.Momentum = file.Net.Momentum
	net.WeightDecay = file.Net.WeightDecay
	net.CRF = params

	conf := Config{
		Name:          file.Name,
		Net:           net,
		Epochs:        file.Epochs,
		ItersPerEpoch: file.ItersPerEpoch,
		SnapshotEvery: file.SnapshotEvery,
		SnapshotDir:   file.SnapshotDir,
		Seed:          file.Seed,
		Preview:       file.Preview,
	}
	if !conf.IsValid() {
		return Config{}, errors.Errorf("Invalid configuration %+v", conf)
	}
	return conf, nil
}
