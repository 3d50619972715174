package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Loss interface defines methods that all loss functions must implement.
type Loss interface {
	// Forward returns the scalar loss for logits against targets.
	Forward(logits, targets *mat.Dense) (float64, error)
	// Backward returns dLoss/dLogits.
	Backward(logits, targets *mat.Dense) (*mat.Dense, error)
}

// BCEWithLogitsLoss is binary cross-entropy on raw logits with a per-class
// weight on the positive term, averaged over batch × classes.
type BCEWithLogitsLoss struct {
	PosWeight []float64
}

// NewBCEWithLogitsLoss creates the loss. A nil posWeight weighs every class 1.
func NewBCEWithLogitsLoss(posWeight []float64) *BCEWithLogitsLoss {
	return &BCEWithLogitsLoss{PosWeight: posWeight}
}

func (l *BCEWithLogitsLoss) check(logits, targets *mat.Dense) (int, int, error) {
	r, c := logits.Dims()
	tr, tc := targets.Dims()
	if r != tr || c != tc {
		return 0, 0, fmt.Errorf("logits %dx%d and targets %dx%d differ in shape", r, c, tr, tc)
	}
	if l.PosWeight != nil && len(l.PosWeight) != c {
		return 0, 0, fmt.Errorf("pos_weight has %d entries for %d classes", len(l.PosWeight), c)
	}
	return r, c, nil
}

func (l *BCEWithLogitsLoss) weight(j int) float64 {
	if l.PosWeight == nil {
		return 1
	}
	return l.PosWeight[j]
}

// Forward computes
//
//	(1-y)·x + (1+(w-1)·y)·(log(1+e^-|x|) + max(-x, 0))
//
// which is the weighted loss in a form that does not overflow for large |x|.
func (l *BCEWithLogitsLoss) Forward(logits, targets *mat.Dense) (float64, error) {
	r, c, err := l.check(logits, targets)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			x, y := logits.At(i, j), targets.At(i, j)
			logWeight := 1 + (l.weight(j)-1)*y
			sum += (1-y)*x + logWeight*(math.Log1p(math.Exp(-math.Abs(x)))+math.Max(-x, 0))
		}
	}
	return sum / float64(r*c), nil
}

// Backward returns (σ(x)·(1+(w-1)·y) - w·y) / (N·C).
func (l *BCEWithLogitsLoss) Backward(logits, targets *mat.Dense) (*mat.Dense, error) {
	r, c, err := l.check(logits, targets)
	if err != nil {
		return nil, err
	}
	n := float64(r * c)
	grad := mat.NewDense(r, c, nil)
	grad.Apply(func(i, j int, x float64) float64 {
		y := targets.At(i, j)
		w := l.weight(j)
		return (Sigmoid(x)*(1+(w-1)*y) - w*y) / n
	}, logits)
	return grad, nil
}

// Sigmoid is the logistic function, evaluated without overflow.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
