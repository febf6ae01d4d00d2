package crfasrnn

import (
	"encoding/csv"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorgonia/crfasrnn/encoding"
	seg "github.com/gorgonia/crfasrnn/segnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConf(t *testing.T) Config {
	net := seg.DefaultConf(4, 4, 2)
	net.K = 3
	net.Layers = 1
	net.BatchSize = 2
	net.TrainIter = 2
	net.EvalIter = 3
	return Config{
		Name:          "test",
		Net:           net,
		Epochs:        2,
		ItersPerEpoch: 2,
		SnapshotEvery: 1,
		SnapshotDir:   t.TempDir(),
		Seed:          1337,
	}
}

// halves makes examples whose left half is dark and labelled 0, and right half bright and labelled 1.
func halves(conf seg.Config, count int) []seg.Example {
	r := rand.New(rand.NewSource(1337))
	size := conf.Pixels()
	retVal := make([]seg.Example, count)
	for i := range retVal {
		img := make([]float64, conf.Channels*size)
		labels := make([]int, size)
		for c := 0; c < conf.Channels; c++ {
			for p := 0; p < size; p++ {
				v := -1.0
				if p%conf.Width >= conf.Width/2 {
					v = 1
					labels[p] = 1
				}
				img[c*size+p] = v + 0.1*r.NormFloat64()
			}
		}
		retVal[i] = seg.Example{Name: string(rune('a' + i)), Image: img, Labels: labels}
	}
	return retVal
}

type countingEncoder struct {
	states []encoding.Prediction
	epochs []int
}

func (c *countingEncoder) Encode(ms encoding.MetaState) error {
	c.states = append(c.states, ms.Prediction())
	c.epochs = append(c.epochs, ms.Epoch())
	return nil
}

func (c *countingEncoder) Flush() error { return nil }

func TestNewInvalid(t *testing.T) {
	conf := smallConf(t)
	examples := halves(conf.Net, 4)

	_, err := New(conf, examples[:1])
	assert.Error(t, err, "fewer examples than a batch")

	bad := conf
	bad.Epochs = -1
	_, err = New(bad, examples)
	assert.Error(t, err)

	bad = conf
	bad.Preview = 4
	_, err = New(bad, examples)
	assert.Error(t, err)
}

func TestLearn(t *testing.T) {
	conf := smallConf(t)
	out := new(countingEncoder)
	conf.OutputEncoder = out
	examples := halves(conf.Net, 4)

	e, err := New(conf, examples)
	require.NoError(t, err)
	assert.Equal(t, 2, e.ItersPerEpoch())
	require.NoError(t, e.Learn())

	assert.Equal(t, conf.Epochs, e.Epoch())
	assert.Equal(t, []int{0, 1}, e.Statistics.Epochs)
	require.Len(t, e.Losses, 2)
	for _, l := range e.Losses {
		assert.False(t, math.IsNaN(l) || math.IsInf(l, 0))
	}
	assert.Equal(t, examples[0].Name, "a", "the caller's examples should not be shuffled")

	require.Len(t, out.states, 2)
	assert.Equal(t, []int{0, 1}, out.epochs)
	for _, p := range out.states {
		assert.Len(t, p.Labels, conf.Net.Pixels())
		assert.Len(t, p.Confidence, conf.Net.Pixels())
		assert.Equal(t, 4, p.Width)
	}

	for _, name := range []string{"epoch-1.model", "epoch-2.model", LastSnapshot} {
		_, err := os.Stat(filepath.Join(conf.SnapshotDir, name))
		assert.NoError(t, err, name)
	}

	// restore and continue
	epoch, n, err := LoadNet(filepath.Join(conf.SnapshotDir, LastSnapshot), conf.Net)
	require.NoError(t, err)
	assert.Equal(t, 2, epoch)
	assert.Equal(t, e.Net().CRFParams(), n.CRFParams())

	conf.Epochs = 3
	conf.OutputEncoder = nil
	e2, err := New(conf, examples)
	require.NoError(t, err)
	require.NoError(t, e2.Load(filepath.Join(conf.SnapshotDir, "epoch-2.model")))
	assert.Equal(t, 2, e2.Epoch())
	require.NoError(t, e2.Learn())
	assert.Equal(t, []int{2}, e2.Statistics.Epochs)
}

func TestSaveLoad(t *testing.T) {
	conf := smallConf(t)
	e, err := New(conf, halves(conf.Net, 2))
	require.NoError(t, err)
	filename := filepath.Join(t.TempDir(), "crf.model")
	require.NoError(t, e.Save(filename))

	epoch, n, err := LoadNet(filename, conf.Net)
	require.NoError(t, err)
	assert.Equal(t, 0, epoch)
	assert.Equal(t, e.Net().Compatibility(), n.Compatibility())

	_, _, err = LoadNet(filepath.Join(t.TempDir(), "missing.model"), conf.Net)
	assert.Error(t, err)
}

func TestStatisticsDump(t *testing.T) {
	s := makeStatistics()
	p := smallConf(t).Net.CRF
	s.update(0, 0.5, p)
	s.update(1, 0.25, p)

	filename := filepath.Join(t.TempDir(), "stats.csv")
	require.NoError(t, s.Dump(filename))

	f, err := os.Open(filename)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"epoch", "loss", "spatial_ker_weight", "bilateral_ker_weight"}, records[0])
	assert.Equal(t, "2", records[2][0])
	assert.Equal(t, "0.250000", records[2][1])
	assert.Equal(t, "3.7606425465775133", records[2][2])
}
