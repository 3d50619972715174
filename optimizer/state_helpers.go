package optimizer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-mmfusion/checkpoints"
)

// extractBufferState copies one moment buffer into a state tensor.
func extractBufferState(buffer *mat.Dense, name, stateType string) checkpoints.OptimizerTensor {
	r, c := buffer.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		data = append(data, buffer.RawRowView(i)...)
	}
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{r, c},
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState copies a state tensor back into buffer.
func restoreBufferState(buffer *mat.Dense, data []float64, name string) error {
	r, c := buffer.Dims()
	if len(data) != r*c {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d", name, r*c, len(data))
	}
	for i := 0; i < r; i++ {
		copy(buffer.RawRowView(i), data[i*c:(i+1)*c])
	}
	return nil
}

// extractFloatParam reads a hyperparameter, falling back to defaultValue.
func extractFloatParam(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}

func extractUint64Param(params map[string]float64, key string, defaultValue uint64) uint64 {
	if val, ok := params[key]; ok && val >= 0 {
		return uint64(val)
	}
	return defaultValue
}
