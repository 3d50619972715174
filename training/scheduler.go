package training

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/tsawler/go-mmfusion/checkpoints"
)

const plateauName = "ReduceLROnPlateau"

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving.
// A metric improves when it beats the best value by a relative Threshold.
// Once more than Patience epochs pass without improvement the LR is
// multiplied by Factor and the counter restarts.
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Epochs with no improvement tolerated before reducing
	Threshold float64 // Relative threshold for measuring the new optimum
	Mode      string  // One of "min" or "max"
	MinLR     float64

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler.
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience < 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "max"
	}

	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

func (s *ReduceLROnPlateauScheduler) improved(metric float64) bool {
	if s.Mode == "min" {
		return metric < s.bestMetric*(1-s.Threshold)
	}
	return metric > s.bestMetric*(1+s.Threshold)
}

// Step records the epoch's metric and returns the learning rate to use
// from now on. It is called once per epoch with the validation metric.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	if s.improved(metric) {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
	}

	if s.badEpochs > s.Patience {
		newLR := math.Max(s.currentLR*s.Factor, s.MinLR)
		if s.currentLR-newLR > 1e-8 {
			slog.Info("reducing learning rate", "from", s.currentLR, "to", newLR)
			s.currentLR = newLR
		}
		s.badEpochs = 0
	}

	return s.currentLR
}

// GetLR returns the tracked learning rate, or baseLR before the first Step.
func (s *ReduceLROnPlateauScheduler) GetLR(baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return plateauName
}

// State captures the scheduler for a checkpoint.
func (s *ReduceLROnPlateauScheduler) State() *checkpoints.SchedulerState {
	return &checkpoints.SchedulerState{
		Type:        plateauName,
		BestMetric:  s.bestMetric,
		BadEpochs:   s.badEpochs,
		CurrentLR:   s.currentLR,
		Initialized: s.initialized,
	}
}

// LoadState restores a state produced by State.
func (s *ReduceLROnPlateauScheduler) LoadState(state *checkpoints.SchedulerState) error {
	if state == nil {
		return fmt.Errorf("scheduler state is nil")
	}
	if state.Type != plateauName {
		return fmt.Errorf("scheduler type mismatch: expected %s, got %s", plateauName, state.Type)
	}
	s.bestMetric = state.BestMetric
	s.badEpochs = state.BadEpochs
	s.currentLR = state.CurrentLR
	s.initialized = state.Initialized
	return nil
}
