package crfasrnn

import (
	"bytes"
	"fmt"
	"io"

	"github.com/gorgonia/crfasrnn/encoding"
	seg "github.com/gorgonia/crfasrnn/segnet"
)

// Config configures a training run.
type Config struct {
	Name string
	Net  seg.Config

	Epochs        int
	ItersPerEpoch int // 0 means one pass over the examples
	SnapshotEvery int // epochs between snapshots. 0 disables snapshots
	SnapshotDir   string
	Seed          int64 // 0 seeds from the clock

	// extensions
	OutputEncoder OutputEncoder
	Preview       int // index of the example rendered by the OutputEncoder
}

// IsValid checks the configuration.
func (conf Config) IsValid() bool {
	return conf.Net.IsValid() &&
		!conf.Net.FwdOnly &&
		conf.Epochs >= 0 &&
		conf.ItersPerEpoch >= 0 &&
		conf.SnapshotEvery >= 0 &&
		conf.Preview >= 0
}

// OutputEncoder encodes the entire meta state as whatever.
//
// An example OutputEncoder is the gif encoder. Another example would be a websocket feed.
type OutputEncoder interface {
	Encode(ms encoding.MetaState) error
	Flush() error
}

// Inferer is anything that can segment an image.
type Inferer interface {
	Infer(img []float64) (labels []int, probs []float64, err error)
	io.Closer
}

// ExecLogger is anything that can return the execution log.
type ExecLogger interface {
	ExecLog() string
}

type manyErr []error

func (err manyErr) Error() string {
	var buf bytes.Buffer
	for _, e := range err {
		fmt.Fprintln(&buf, e.Error())
	}
	return buf.String()
}
