// Package crfasrnn trains a segmentation network whose output is refined by a CRF-RNN head.
package crfasrnn

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/gorgonia/crfasrnn/encoding"
	seg "github.com/gorgonia/crfasrnn/segnet"
	"github.com/pkg/errors"
)

// LastSnapshot is the name of the snapshot that always holds the latest epoch.
const LastSnapshot = "epoch-last.model"

// Engine is the top level structure and the entry point of the API. It drives the training of a network
// over epochs, snapshots it, and reports its progress to an OutputEncoder.
type Engine struct {
	Statistics

	conf     Config
	net      *seg.Net
	examples []seg.Example
	r        *rand.Rand

	// state
	epoch     int
	iter      int
	loss      float64
	previewEx seg.Example
	preview   encoding.Prediction

	buf    bytes.Buffer
	logger *log.Logger

	// io
	outEnc OutputEncoder
}

// New creates an engine that trains a fresh network on the examples.
func New(conf Config, examples []seg.Example) (*Engine, error) {
	if !conf.IsValid() {
		return nil, errors.Errorf("Invalid configuration %+v", conf)
	}
	if len(examples) < conf.Net.BatchSize {
		return nil, errors.Errorf("Need at least %d examples to train. Got %d", conf.Net.BatchSize, len(examples))
	}
	if conf.Preview >= len(examples) {
		return nil, errors.Errorf("Cannot preview example %d of %d", conf.Preview, len(examples))
	}
	n := seg.New(conf.Net)
	if err := n.Init(); err != nil {
		return nil, err
	}
	seed := conf.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	retVal := &Engine{
		Statistics: makeStatistics(),
		conf:       conf,
		net:        n,
		examples:   append([]seg.Example(nil), examples...),
		previewEx:  examples[conf.Preview],
		r:          rand.New(rand.NewSource(seed)),
		outEnc:     conf.OutputEncoder,
	}
	retVal.logger = log.New(&retVal.buf, "", log.Ltime)
	return retVal, nil
}

// Net returns the network being trained.
func (e *Engine) Net() *seg.Net { return e.net }

// ItersPerEpoch is the number of batches an epoch trains on.
func (e *Engine) ItersPerEpoch() int {
	if e.conf.ItersPerEpoch > 0 {
		return e.conf.ItersPerEpoch
	}
	return len(e.examples) / e.conf.Net.BatchSize
}

// Learn trains from the current epoch up to the configured number of epochs.
func (e *Engine) Learn() error {
	t, err := seg.NewTrainer(e.net)
	if err != nil {
		return err
	}
	defer t.Close()

	iters := e.ItersPerEpoch()
	batchSize := e.conf.Net.BatchSize
	for ; e.epoch < e.conf.Epochs; e.epoch++ {
		e.buf.Reset()
		e.shuffle()
		var total float64
		pos := 0
		for e.iter = 0; e.iter < iters; e.iter++ {
			if pos+batchSize > len(e.examples) {
				e.shuffle()
				pos = 0
			}
			if e.loss, err = t.Step(e.examples[pos : pos+batchSize]); err != nil {
				return errors.WithMessage(err, fmt.Sprintf("Epoch %d, Iter %d", e.epoch, e.iter))
			}
			pos += batchSize
			total += e.loss
			log.Printf("Epoch %d/%d Iter %d/%d: lr=%.2e loss=%.2f", e.epoch+1, e.conf.Epochs, e.iter+1, iters, e.conf.Net.LR, e.loss)
			e.logger.Printf("Iter %d loss %v", e.iter, e.loss)
		}
		e.loss = total / float64(iters)
		e.update(e.epoch, e.loss, e.net.CRFParams())
		log.Printf("Epoch %d: mean loss %.4f, CRF %v", e.epoch+1, e.loss, e.net.CRFParams())

		if e.outEnc != nil {
			if err = e.encode(); err != nil {
				return errors.WithMessage(err, "Unable to encode output")
			}
		}
		if e.conf.SnapshotEvery > 0 && (e.epoch+1)%e.conf.SnapshotEvery == 0 {
			if err = e.Snapshot(); err != nil {
				return err
			}
		}
	}
	return nil
}

// encode segments the preview example and hands the state to the output encoder.
func (e *Engine) encode() error {
	inf, err := seg.Infer(e.net, false)
	if err != nil {
		return err
	}
	defer inf.Close()
	ex := e.previewEx
	labels, probs, err := inf.Infer(ex.Image)
	if err != nil {
		return err
	}
	conf := e.conf.Net
	e.preview = encoding.Prediction{
		Image:      PreviewImage(ex.Image, conf.Channels, conf.Height, conf.Width),
		Labels:     labels,
		Confidence: Confidence(probs, labels, conf.Classes),
		Width:      conf.Width,
		Height:     conf.Height,
	}
	return e.outEnc.Encode(e)
}

func (e *Engine) shuffle() {
	e.r.Shuffle(len(e.examples), func(i, j int) { e.examples[i], e.examples[j] = e.examples[j], e.examples[i] })
}

// Snapshot saves the network as epoch-N.model in the snapshot directory, and points epoch-last.model to it.
func (e *Engine) Snapshot() error {
	if err := os.MkdirAll(e.conf.SnapshotDir, 0755); err != nil {
		return errors.WithStack(err)
	}
	name := fmt.Sprintf("epoch-%d.model", e.epoch+1)
	filename := filepath.Join(e.conf.SnapshotDir, name)
	if err := e.save(filename, e.epoch+1); err != nil {
		return err
	}
	last := filepath.Join(e.conf.SnapshotDir, LastSnapshot)
	if err := os.Remove(last); err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	if err := os.Symlink(name, last); err != nil {
		// no symlinks on this filesystem
		return e.save(last, e.epoch+1)
	}
	log.Printf("Snapshot %s", filename)
	return nil
}

// Save saves the network and the number of epochs it has been trained for into filename.
func (e *Engine) Save(filename string) error { return e.save(filename, e.epoch) }

func (e *Engine) save(filename string, epoch int) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	enc := gob.NewEncoder(f)
	if err = enc.Encode(epoch); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(enc.Encode(e.net))
}

// Load restores a network saved by Save or Snapshot. Learn continues from the saved epoch.
func (e *Engine) Load(filename string) error {
	epoch, n, err := LoadNet(filename, e.conf.Net)
	if err != nil {
		return err
	}
	e.net = n
	e.epoch = epoch
	return nil
}

// LoadNet reads a saved network. conf must describe the same architecture as the saved one.
func LoadNet(filename string, conf seg.Config) (epoch int, n *seg.Net, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return 0, nil, errors.WithStack(err)
	}
	defer f.Close()

	dec := gob.NewDecoder(f)
	if err = dec.Decode(&epoch); err != nil {
		return 0, nil, errors.Wrapf(err, "Unable to read the epoch of %s", filename)
	}
	n = seg.New(conf)
	if err = dec.Decode(n); err != nil {
		return 0, nil, errors.Wrapf(err, "Unable to read the network of %s", filename)
	}
	return epoch, n, nil
}

// Log returns the log of the current epoch.
func (e *Engine) Log() string { return e.buf.String() }

/* encoding.MetaState */

func (e *Engine) Name() string                    { return e.conf.Name }
func (e *Engine) Epoch() int                      { return e.epoch }
func (e *Engine) Iteration() int                  { return e.iter }
func (e *Engine) Loss() float64                   { return e.loss }
func (e *Engine) Prediction() encoding.Prediction { return e.preview }
