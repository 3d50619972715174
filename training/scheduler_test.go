package training

import (
	"math"
	"testing"
)

func TestReduceLROnPlateauScheduler(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.5, 1, 1e-4, "max")

	tests := []struct {
		metric     float64
		expectedLR float64
	}{
		{0.50, 1.0},    // Initial
		{0.40, 1.0},    // One bad epoch is within patience
		{0.40, 0.5},    // Second bad epoch reduces
		{0.60, 0.5},    // Improvement
		{0.60001, 0.5}, // Below the relative threshold, bad epoch 1
		{0.55, 0.25},   // Bad epoch 2 reduces again
	}

	lr := 1.0
	for i, tt := range tests {
		lr = scheduler.Step(tt.metric, lr)
		if math.Abs(lr-tt.expectedLR) > 1e-12 {
			t.Errorf("step %d: expected LR %f, got %f", i, tt.expectedLR, lr)
		}
	}
	if got := scheduler.GetLR(1.0); got != 0.25 {
		t.Errorf("GetLR = %f, expected 0.25", got)
	}
}

func TestReduceLROnPlateauMinMode(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.1, 0, 0, "min")
	lr := scheduler.Step(1.0, 0.01)
	lr = scheduler.Step(0.5, lr)
	if lr != 0.01 {
		t.Errorf("improving loss changed LR to %f", lr)
	}
	lr = scheduler.Step(0.7, lr)
	if math.Abs(lr-0.001) > 1e-15 {
		t.Errorf("expected LR 0.001, got %f", lr)
	}
}

func TestReduceLROnPlateauMinLR(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.5, 0, 0, "max")
	scheduler.MinLR = 0.4
	lr := scheduler.Step(1, 1)
	for i := 0; i < 3; i++ {
		lr = scheduler.Step(0, lr)
	}
	if lr != 0.4 {
		t.Errorf("expected LR clamped to 0.4, got %f", lr)
	}
}

func TestNewReduceLROnPlateauDefaults(t *testing.T) {
	s := NewReduceLROnPlateauScheduler(2, -1, -1, "sideways")
	if s.Factor != 0.1 || s.Patience != 10 || s.Threshold != 1e-4 || s.Mode != "max" {
		t.Errorf("unexpected defaults: %+v", s)
	}
	if s.GetName() != "ReduceLROnPlateau" {
		t.Errorf("GetName = %s", s.GetName())
	}
	if s.GetLR(0.3) != 0.3 {
		t.Error("GetLR before Step should return the base LR")
	}
}

func TestReduceLROnPlateauState(t *testing.T) {
	a := NewReduceLROnPlateauScheduler(0.5, 1, 1e-4, "max")
	lr := a.Step(0.5, 1)
	lr = a.Step(0.4, lr)

	b := NewReduceLROnPlateauScheduler(0.5, 1, 1e-4, "max")
	if err := b.LoadState(a.State()); err != nil {
		t.Fatal(err)
	}
	if got, want := b.Step(0.3, lr), a.Step(0.3, lr); got != want || got != 0.5 {
		t.Errorf("restored scheduler LR %f, original %f", got, want)
	}

	state := a.State()
	state.Type = "StepLR"
	if err := b.LoadState(state); err == nil {
		t.Error("expected type mismatch error")
	}
	if err := b.LoadState(nil); err == nil {
		t.Error("expected error for nil state")
	}
}
