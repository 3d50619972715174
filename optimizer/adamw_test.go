package optimizer

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-mmfusion/layers"
)

func newParam(name string, values, grads []float64) *layers.Param {
	return &layers.Param{
		Name:  name,
		Value: mat.NewDense(1, len(values), values),
		Grad:  mat.NewDense(1, len(grads), grads),
	}
}

func TestDefaultAdamWConfig(t *testing.T) {
	config := DefaultAdamWConfig()
	if config.LearningRate != 0.001 || config.Beta1 != 0.9 || config.Beta2 != 0.999 {
		t.Errorf("unexpected defaults: %+v", config)
	}
	if config.Epsilon != 1e-8 || config.WeightDecay != 0.01 {
		t.Errorf("unexpected defaults: %+v", config)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestAdamWConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AdamWConfig)
	}{
		{"zero lr", func(c *AdamWConfig) { c.LearningRate = 0 }},
		{"beta1 one", func(c *AdamWConfig) { c.Beta1 = 1 }},
		{"negative beta2", func(c *AdamWConfig) { c.Beta2 = -0.1 }},
		{"zero epsilon", func(c *AdamWConfig) { c.Epsilon = 0 }},
		{"negative decay", func(c *AdamWConfig) { c.WeightDecay = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultAdamWConfig()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestAdamWFirstStep(t *testing.T) {
	// The bias-corrected first step moves each weight by about lr·sign(g)
	// after decoupled decay.
	config := DefaultAdamWConfig()
	config.LearningRate = 0.1
	p := newParam("w", []float64{1, -2, 0.5}, []float64{0.3, -4, 0})
	opt, err := NewAdamW(config, []*layers.Param{p})
	if err != nil {
		t.Fatal(err)
	}
	if err := opt.Step(); err != nil {
		t.Fatal(err)
	}

	decay := 1 - 0.1*0.01
	want := []float64{1*decay - 0.1, -2*decay + 0.1, 0.5 * decay}
	for i, w := range want {
		if got := p.Value.At(0, i); math.Abs(got-w) > 1e-6 {
			t.Errorf("weight[%d] = %f, expected %f", i, got, w)
		}
	}
	if opt.GetStepCount() != 1 {
		t.Errorf("step count = %d", opt.GetStepCount())
	}

	opt.ZeroGrad()
	if mat.Sum(p.Grad) != 0 {
		t.Error("ZeroGrad left gradients")
	}
}

func TestAdamWStateRoundTrip(t *testing.T) {
	config := DefaultAdamWConfig()
	a := newParam("w", []float64{1, 2}, []float64{0.5, -0.25})
	b := newParam("w", []float64{1, 2}, []float64{0.5, -0.25})

	optA, _ := NewAdamW(config, []*layers.Param{a})
	for i := 0; i < 3; i++ {
		if err := optA.Step(); err != nil {
			t.Fatal(err)
		}
	}
	state, err := optA.GetState()
	if err != nil {
		t.Fatal(err)
	}
	if len(state.StateData) != 2 {
		t.Fatalf("state tensors = %d, expected 2", len(state.StateData))
	}

	other := DefaultAdamWConfig()
	other.LearningRate = 0.5
	optB, _ := NewAdamW(other, []*layers.Param{b})
	if err := optB.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	b.Value.Copy(a.Value)
	if optB.GetStepCount() != 3 || optB.LearningRate() != config.LearningRate {
		t.Errorf("restored step=%d lr=%g", optB.GetStepCount(), optB.LearningRate())
	}

	_ = optA.Step()
	_ = optB.Step()
	if !mat.EqualApprox(a.Value, b.Value, 1e-15) {
		t.Errorf("trajectories diverged: %v vs %v", mat.Formatted(a.Value), mat.Formatted(b.Value))
	}
}

func TestAdamWLoadStateErrors(t *testing.T) {
	p := newParam("w", []float64{1, 2}, []float64{0, 0})
	opt, _ := NewAdamW(DefaultAdamWConfig(), []*layers.Param{p})
	state, _ := opt.GetState()

	wrongType := *state
	wrongType.Type = "SGD"
	if err := opt.LoadState(&wrongType); err == nil {
		t.Error("expected type mismatch error")
	}

	badIndex := *state
	badIndex.StateData = append(badIndex.StateData[:0:0], state.StateData...)
	badIndex.StateData[0].Name = "momentum_7"
	if err := opt.LoadState(&badIndex); err == nil {
		t.Error("expected buffer index error")
	}

	badSize := *state
	badSize.StateData = append(badSize.StateData[:0:0], state.StateData...)
	badSize.StateData[1].Data = []float64{1}
	if err := opt.LoadState(&badSize); err == nil {
		t.Error("expected size mismatch error")
	}

	if err := opt.LoadState(nil); err == nil {
		t.Error("expected error for nil state")
	}
}

func TestNewAdamWErrors(t *testing.T) {
	if _, err := NewAdamW(DefaultAdamWConfig(), nil); err == nil {
		t.Error("expected error for no parameters")
	}
	bad := DefaultAdamWConfig()
	bad.LearningRate = -1
	if _, err := NewAdamW(bad, []*layers.Param{newParam("w", []float64{1}, []float64{1})}); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"momentum_0", 0},
		{"variance_12", 12},
		{"squared_grad_avg_3", 3},
		{"momentum", -1},
		{"momentum_x", -1},
	}
	for _, tt := range tests {
		if got := extractBufferIndex(tt.name); got != tt.want {
			t.Errorf("extractBufferIndex(%q) = %d, expected %d", tt.name, got, tt.want)
		}
	}
}
