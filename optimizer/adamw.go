package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-mmfusion/checkpoints"
	"github.com/tsawler/go-mmfusion/layers"
)

const adamWType = "AdamW"

// AdamWConfig holds configuration for the AdamW optimizer.
type AdamWConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamWConfig returns the usual AdamW defaults.
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.01,
	}
}

// Validate checks the hyperparameter ranges.
func (c AdamWConfig) Validate() error {
	switch {
	case c.LearningRate <= 0:
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	case c.Beta1 < 0 || c.Beta1 >= 1:
		return fmt.Errorf("beta1 must be in [0, 1), got %g", c.Beta1)
	case c.Beta2 < 0 || c.Beta2 >= 1:
		return fmt.Errorf("beta2 must be in [0, 1), got %g", c.Beta2)
	case c.Epsilon <= 0:
		return fmt.Errorf("epsilon must be positive, got %g", c.Epsilon)
	case c.WeightDecay < 0:
		return fmt.Errorf("weight decay must be non-negative, got %g", c.WeightDecay)
	}
	return nil
}

// AdamW is Adam with decoupled weight decay.
type AdamW struct {
	config AdamWConfig
	params []*layers.Param

	momentum []*mat.Dense
	variance []*mat.Dense

	stepCount uint64
}

// NewAdamW creates an optimizer over params with zeroed moment buffers.
func NewAdamW(config AdamWConfig, params []*layers.Param) (*AdamW, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters to optimize")
	}

	a := &AdamW{
		config:   config,
		params:   params,
		momentum: make([]*mat.Dense, len(params)),
		variance: make([]*mat.Dense, len(params)),
	}
	for i, p := range params {
		r, c := p.Value.Dims()
		a.momentum[i] = mat.NewDense(r, c, nil)
		a.variance[i] = mat.NewDense(r, c, nil)
	}
	return a, nil
}

// Step performs one AdamW update using each parameter's Grad.
func (a *AdamW) Step() error {
	a.stepCount++
	cfg := a.config
	t := float64(a.stepCount)
	bias1 := 1 - math.Pow(cfg.Beta1, t)
	bias2 := 1 - math.Pow(cfg.Beta2, t)
	stepSize := cfg.LearningRate / bias1
	bias2Sqrt := math.Sqrt(bias2)
	decay := 1 - cfg.LearningRate*cfg.WeightDecay

	for i, p := range a.params {
		w := p.Value.RawMatrix()
		g := p.Grad.RawMatrix()
		m := a.momentum[i].RawMatrix()
		v := a.variance[i].RawMatrix()
		if len(w.Data) != len(g.Data) {
			return fmt.Errorf("gradient size mismatch for %s", p.Name)
		}
		for row := 0; row < w.Rows; row++ {
			for col := 0; col < w.Cols; col++ {
				wi := row*w.Stride + col
				gv := g.Data[row*g.Stride+col]
				mi := row*m.Stride + col

				w.Data[wi] *= decay
				m.Data[mi] = cfg.Beta1*m.Data[mi] + (1-cfg.Beta1)*gv
				v.Data[mi] = cfg.Beta2*v.Data[mi] + (1-cfg.Beta2)*gv*gv
				denom := math.Sqrt(v.Data[mi])/bias2Sqrt + cfg.Epsilon
				w.Data[wi] -= stepSize * m.Data[mi] / denom
			}
		}
	}
	return nil
}

// ZeroGrad clears gradients of all optimized parameters.
func (a *AdamW) ZeroGrad() {
	layers.ZeroGrad(a.params)
}

// GetState extracts the moment buffers and hyperparameters.
func (a *AdamW) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(a.params))
	for i := range a.params {
		stateData = append(stateData, extractBufferState(a.momentum[i], fmt.Sprintf("momentum_%d", i), "momentum"))
		stateData = append(stateData, extractBufferState(a.variance[i], fmt.Sprintf("variance_%d", i), "variance"))
	}

	return &OptimizerState{
		Type: adamWType,
		Parameters: map[string]float64{
			"learning_rate": a.config.LearningRate,
			"beta1":         a.config.Beta1,
			"beta2":         a.config.Beta2,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
			"step_count":    float64(a.stepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores a state produced by GetState on an optimizer over
// parameters of the same shapes.
func (a *AdamW) LoadState(state *OptimizerState) error {
	if err := validateStateType(adamWType, state); err != nil {
		return err
	}

	for _, tensor := range state.StateData {
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(a.params) {
			return fmt.Errorf("invalid buffer index in %s", tensor.Name)
		}
		var buffer *mat.Dense
		switch tensor.StateType {
		case "momentum":
			buffer = a.momentum[idx]
		case "variance":
			buffer = a.variance[idx]
		default:
			return fmt.Errorf("unknown AdamW state type %q", tensor.StateType)
		}
		if err := restoreBufferState(buffer, tensor.Data, tensor.Name); err != nil {
			return err
		}
	}

	p := state.Parameters
	a.config.LearningRate = extractFloatParam(p, "learning_rate", a.config.LearningRate)
	a.config.Beta1 = extractFloatParam(p, "beta1", a.config.Beta1)
	a.config.Beta2 = extractFloatParam(p, "beta2", a.config.Beta2)
	a.config.Epsilon = extractFloatParam(p, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloatParam(p, "weight_decay", a.config.WeightDecay)
	a.stepCount = extractUint64Param(p, "step_count", a.stepCount)
	return nil
}

// GetStepCount returns the number of completed steps.
func (a *AdamW) GetStepCount() uint64 {
	return a.stepCount
}

func (a *AdamW) LearningRate() float64 {
	return a.config.LearningRate
}

// UpdateLearningRate updates the learning rate.
func (a *AdamW) UpdateLearningRate(lr float64) {
	a.config.LearningRate = lr
}

var _ Optimizer = (*AdamW)(nil)
