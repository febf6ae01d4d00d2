package crfasrnn

import (
	"encoding/csv"
	"os"
	"strconv"

	"github.com/gorgonia/crfasrnn/crf"
	"github.com/pkg/errors"
)

// Statistics records the progress of training, one entry per epoch.
type Statistics struct {
	Epochs    []int
	Losses    []float64
	Spatial   []float64 // spatial kernel weight at the end of the epoch
	Bilateral []float64 // bilateral kernel weight at the end of the epoch
}

func makeStatistics() Statistics {
	return Statistics{
		Epochs:    make([]int, 0, 64),
		Losses:    make([]float64, 0, 64),
		Spatial:   make([]float64, 0, 64),
		Bilateral: make([]float64, 0, 64),
	}
}

func (s *Statistics) update(epoch int, loss float64, p crf.Params) {
	s.Epochs = append(s.Epochs, epoch)
	s.Losses = append(s.Losses, loss)
	s.Spatial = append(s.Spatial, p.Spatial)
	s.Bilateral = append(s.Bilateral, p.Bilateral)
}

// Dump writes the statistics as CSV.
func (s *Statistics) Dump(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"epoch", "loss", "spatial_ker_weight", "bilateral_ker_weight"}); err != nil {
		return errors.WithStack(err)
	}
	records := make([][]string, 0, len(s.Epochs))
	for i, epoch := range s.Epochs {
		records = append(records, []string{
			strconv.Itoa(epoch + 1),
			strconv.FormatFloat(s.Losses[i], 'f', 6, 64),
			strconv.FormatFloat(s.Spatial[i], 'g', -1, 64),
			strconv.FormatFloat(s.Bilateral[i], 'g', -1, 64),
		})
	}
	// WriteAll flushes
	return errors.WithStack(w.WriteAll(records))
}
