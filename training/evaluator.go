package training

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-mmfusion/dataloader"
	"github.com/tsawler/go-mmfusion/layers"
)

// Module is a trainable model over collated batches.
type Module interface {
	Forward(b *dataloader.Batch) (*mat.Dense, error)
	Backward(gradLogits *mat.Dense) error
	Parameters() []*layers.Param
}

// EvalResult is the outcome of scoring one split.
type EvalResult struct {
	// Loss is the mean of the per-batch losses.
	Loss       float64
	MacroF1    float64
	F1s        []float64
	Thresholds []float64
	Samples    int
}

// Evaluate runs model over every batch of loader without updating
// parameters, then calibrates a best-F1 threshold per class on the
// collected sigmoid scores.
func Evaluate(ctx context.Context, model Module, loader *dataloader.Loader, loss Loss) (*EvalResult, error) {
	var (
		batchLosses    []float64
		scores, labels []float64
		classes        int
	)
	err := loader.Iterate(ctx, 0, func(b *dataloader.Batch) error {
		logits, err := model.Forward(b)
		if err != nil {
			return err
		}
		l, err := loss.Forward(logits, b.Labels)
		if err != nil {
			return err
		}
		batchLosses = append(batchLosses, l)

		r, c := logits.Dims()
		classes = c
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				scores = append(scores, Sigmoid(logits.At(i, j)))
				labels = append(labels, b.Labels.At(i, j))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", loader.Split().Name, err)
	}
	if len(batchLosses) == 0 {
		return nil, fmt.Errorf("evaluate %s: no batches", loader.Split().Name)
	}

	n := len(scores) / classes
	metrics, err := CalibrateThresholds(mat.NewDense(n, classes, labels), mat.NewDense(n, classes, scores))
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", loader.Split().Name, err)
	}

	var total float64
	for _, l := range batchLosses {
		total += l
	}
	return &EvalResult{
		Loss:       total / float64(len(batchLosses)),
		MacroF1:    metrics.MacroF1,
		F1s:        metrics.F1s,
		Thresholds: metrics.Thresholds,
		Samples:    n,
	}, nil
}
