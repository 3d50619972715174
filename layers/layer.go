package layers

import (
	"fmt"
	"math/rand"
	"strings"
)

// LayerType represents the type of a classifier layer.
type LayerType int

const (
	Dense LayerType = iota
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	default:
		return "Unknown"
	}
}

// LayerSpec is the configuration of one layer. Shapes and parameter counts
// are filled in by ModelBuilder.Compile.
type LayerSpec struct {
	Type       LayerType `json:"type"`
	Name       string    `json:"name"`
	InputSize  int       `json:"input_size"`
	OutputSize int       `json:"output_size"`
	UseBias    bool      `json:"use_bias"`

	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec is a compiled stack of layers.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	InputSize       int   `json:"input_size"`
	OutputSize      int   `json:"output_size"`
	TotalParameters int64 `json:"total_parameters"`
	Compiled        bool  `json:"compiled"`
}

// ModelBuilder assembles a layer stack. Input sizes are inferred from the
// previous layer at compile time.
type ModelBuilder struct {
	layers    []LayerSpec
	inputSize int
}

// NewModelBuilder creates a builder for inputs of the given width.
func NewModelBuilder(inputSize int) *ModelBuilder {
	return &ModelBuilder{inputSize: inputSize}
}

// AddDense appends a fully connected layer.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	mb.layers = append(mb.layers, LayerSpec{
		Type:       Dense,
		Name:       name,
		OutputSize: outputSize,
		UseBias:    useBias,
	})
	return mb
}

// Compile resolves layer input sizes and parameter shapes.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if mb.inputSize <= 0 {
		return nil, fmt.Errorf("input size must be positive, got %d", mb.inputSize)
	}

	model := &ModelSpec{
		Layers:    make([]LayerSpec, len(mb.layers)),
		InputSize: mb.inputSize,
	}
	copy(model.Layers, mb.layers)

	current := mb.inputSize
	for i := range model.Layers {
		layer := &model.Layers[i]
		if layer.OutputSize <= 0 {
			return nil, fmt.Errorf("layer %d (%s): output size must be positive", i, layer.Name)
		}
		layer.InputSize = current

		// Weight is [out, in] so that y = x·Wᵀ + b.
		layer.ParameterShapes = [][]int{{layer.OutputSize, layer.InputSize}}
		layer.ParameterCount = int64(layer.OutputSize * layer.InputSize)
		if layer.UseBias {
			layer.ParameterShapes = append(layer.ParameterShapes, []int{layer.OutputSize})
			layer.ParameterCount += int64(layer.OutputSize)
		}

		model.TotalParameters += layer.ParameterCount
		current = layer.OutputSize
	}

	model.OutputSize = current
	model.Compiled = true
	return model, nil
}

// Summary returns a human-readable model summary.
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Input: %d  Output: %d  Parameters: %d\n", ms.InputSize, ms.OutputSize, ms.TotalParameters)
	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "  %d. %s (%s) %d -> %d, %d params\n",
			i+1, layer.Name, layer.Type, layer.InputSize, layer.OutputSize, layer.ParameterCount)
	}
	return b.String()
}

// Build instantiates the layers of a compiled spec with weights drawn from
// rng.
func (ms *ModelSpec) Build(rng *rand.Rand) (*Sequential, error) {
	if !ms.Compiled {
		return nil, fmt.Errorf("model spec is not compiled")
	}
	seq := &Sequential{}
	for _, spec := range ms.Layers {
		switch spec.Type {
		case Dense:
			seq.Layers = append(seq.Layers, NewDense(spec.InputSize, spec.OutputSize, spec.UseBias, spec.Name, rng))
		default:
			return nil, fmt.Errorf("unsupported layer type %s", spec.Type)
		}
	}
	return seq, nil
}

// ClassifierSpec compiles the fusion classifier layout: one projection to
// width, depth hidden width×width layers, and a final projection to
// nClasses. Layers are named prefix.0, prefix.1, ...
func ClassifierSpec(prefix string, inputSize, width, depth, nClasses int) (*ModelSpec, error) {
	mb := NewModelBuilder(inputSize)
	mb.AddDense(width, true, fmt.Sprintf("%s.0", prefix))
	for i := 0; i < depth; i++ {
		mb.AddDense(width, true, fmt.Sprintf("%s.%d", prefix, i+1))
	}
	mb.AddDense(nClasses, true, fmt.Sprintf("%s.%d", prefix, depth+1))
	return mb.Compile()
}
