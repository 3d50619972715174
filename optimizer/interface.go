package optimizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tsawler/go-mmfusion/checkpoints"
)

// Optimizer defines the common interface for all optimizers.
// State save/restore lets a run resume from a checkpoint.
type Optimizer interface {
	// Step applies the accumulated gradients to the parameters.
	Step() error

	// ZeroGrad clears the accumulated gradients.
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing.
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *OptimizerState) error

	// GetStepCount returns the number of completed Step calls.
	GetStepCount() uint64

	LearningRate() float64

	// UpdateLearningRate updates the learning rate.
	UpdateLearningRate(lr float64)
}

// OptimizerState is the serialized optimizer state.
type OptimizerState = checkpoints.OptimizerState

// extractBufferIndex extracts the buffer index from state tensor names like
// "momentum_0" or "variance_12". It returns -1 when there is none.
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// validateStateType ensures the state type matches the optimizer.
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
