package crfasrnn

import (
	"fmt"
	"log"
	"runtime"
	"sync"

	seg "github.com/gorgonia/crfasrnn/segnet"
	"github.com/pkg/errors"
)

var numCPU = runtime.NumCPU()

// Report is the result of segmenting a set of labelled examples.
type Report struct {
	Confusion [][]int // Confusion[truth][predicted], counted over labelled pixels
}

// Pixels is the number of labelled pixels that were evaluated.
func (r Report) Pixels() (retVal int) {
	for _, row := range r.Confusion {
		for _, c := range row {
			retVal += c
		}
	}
	return
}

// Accuracy is the fraction of labelled pixels that were labelled correctly.
func (r Report) Accuracy() float64 {
	total := r.Pixels()
	if total == 0 {
		return 0
	}
	var correct int
	for i := range r.Confusion {
		correct += r.Confusion[i][i]
	}
	return float64(correct) / float64(total)
}

// IoU is the intersection over union of each class. Classes that appear in neither the truth nor the
// prediction have an IoU of 0.
func (r Report) IoU() []float64 {
	retVal := make([]float64, len(r.Confusion))
	for c := range r.Confusion {
		tp := r.Confusion[c][c]
		union := -tp
		for i := range r.Confusion {
			union += r.Confusion[c][i] + r.Confusion[i][c]
		}
		if union > 0 {
			retVal[c] = float64(tp) / float64(union)
		}
	}
	return retVal
}

// MeanIoU averages the IoU over the classes.
func (r Report) MeanIoU() float64 {
	iou := r.IoU()
	if len(iou) == 0 {
		return 0
	}
	var sum float64
	for _, v := range iou {
		sum += v
	}
	return sum / float64(len(iou))
}

func (r Report) String() string {
	return fmt.Sprintf("pixel accuracy %.4f, mean IoU %.4f %v", r.Accuracy(), r.MeanIoU(), r.IoU())
}

// Evaluator segments examples concurrently with a pool of inferencers.
type Evaluator struct {
	classes  int
	inferer  chan Inferer
	inferers []Inferer
}

// NewEvaluator creates workers inferencers for n. If workers is not positive, one per CPU is created.
func NewEvaluator(n *seg.Net, workers int) (*Evaluator, error) {
	if workers <= 0 {
		workers = numCPU
	}
	retVal := &Evaluator{
		classes: n.Classes,
		inferer: make(chan Inferer, workers),
	}
	for i := 0; i < workers; i++ {
		inf, err := seg.Infer(n, false)
		if err != nil {
			retVal.Close()
			return nil, err
		}
		retVal.inferers = append(retVal.inferers, inf)
		retVal.inferer <- inf
	}
	return retVal, nil
}

// Infer segments one image with whichever inferencer is free.
func (e *Evaluator) Infer(img []float64) (labels []int, probs []float64, err error) {
	inf := <-e.inferer
	labels, probs, err = inf.Infer(img)
	if err != nil {
		if el, ok := inf.(ExecLogger); ok && el.ExecLog() != "" {
			log.Println(el.ExecLog())
		}
	}
	e.inferer <- inf
	return
}

// Evaluate segments every example and compares the result with its labels. Pixels labelled -1 are skipped.
func (e *Evaluator) Evaluate(examples []seg.Example) (Report, error) {
	confusion := make([][]int, e.classes)
	for i := range confusion {
		confusion[i] = make([]int, e.classes)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	var allErrs manyErr
	for _, ex := range examples {
		wg.Add(1)
		go func(ex seg.Example) {
			defer wg.Done()
			labels, _, err := e.Infer(ex.Image)
			mu.Lock()
			defer mu.Unlock()
			if err == nil && len(labels) != len(ex.Labels) {
				err = errors.Errorf("Got %d labels. Expected %d", len(labels), len(ex.Labels))
			}
			if err != nil {
				allErrs = append(allErrs, errors.WithMessage(err, ex.Name))
				return
			}
			for i, truth := range ex.Labels {
				if truth < 0 || truth >= e.classes {
					continue
				}
				confusion[truth][labels[i]]++
			}
		}(ex)
	}
	wg.Wait()
	if len(allErrs) > 0 {
		return Report{}, allErrs
	}
	return Report{Confusion: confusion}, nil
}

// Close closes all the inferencers.
func (e *Evaluator) Close() error {
	var allErrs manyErr
	for _, inferer := range e.inferers {
		if err := inferer.Close(); err != nil {
			allErrs = append(allErrs, err)
		}
	}
	e.inferers = nil
	if len(allErrs) > 0 {
		return allErrs
	}
	return nil
}

// Evaluate is a shortcut that evaluates n on the examples with a throwaway evaluator.
func Evaluate(n *seg.Net, examples []seg.Example, workers int) (Report, error) {
	e, err := NewEvaluator(n, workers)
	if err != nil {
		return Report{}, err
	}
	defer e.Close()
	return e.Evaluate(examples)
}
