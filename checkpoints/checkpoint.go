package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tsawler/go-mmfusion/layers"
)

const (
	frameworkName    = "go-mmfusion"
	frameworkVersion = "1.0.0"
)

// CheckpointFormat defines the serialization format.
type CheckpointFormat int

const (
	FormatBinary CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatBinary:
		return "binary"
	case FormatJSON:
		return "json"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format.
func (cf CheckpointFormat) Extension() string {
	if cf == FormatJSON {
		return ".json"
	}
	return ".pb"
}

// ParseFormat accepts "binary" or "json".
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "binary":
		return FormatBinary, nil
	case "json":
		return FormatJSON, nil
	}
	return 0, fmt.Errorf("unknown checkpoint format %q (want binary or json)", s)
}

// Checkpoint is the full state needed to resume a run or reload a model.
type Checkpoint struct {
	Weights        []WeightTensor     `json:"weights"`
	TrainingState  TrainingState      `json:"training_state"`
	OptimizerState *OptimizerState    `json:"optimizer_state,omitempty"`
	SchedulerState *SchedulerState    `json:"scheduler_state,omitempty"`
	Metadata       CheckpointMetadata `json:"metadata"`
}

// WeightTensor is one named model parameter.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the epoch loop counters. Epoch is the number of
// completed epochs.
type TrainingState struct {
	Epoch          int     `json:"epoch"`
	Step           int     `json:"step"`
	LearningRate   float64 `json:"learning_rate"`
	BestMetric     float64 `json:"best_metric"`
	NoImproveCount int     `json:"no_improve_count"`
}

// OptimizerState captures optimizer hyperparameters and moment buffers.
type OptimizerState struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor is one optimizer buffer (momentum, variance).
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"`
}

// SchedulerState captures a learning-rate scheduler.
type SchedulerState struct {
	Type        string  `json:"type"`
	BestMetric  float64 `json:"best_metric"`
	BadEpochs   int     `json:"bad_epochs"`
	CurrentLR   float64 `json:"current_lr"`
	Initialized bool    `json:"initialized"`
}

// CheckpointMetadata contains checkpoint metadata.
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver saves and loads checkpoints in one format.
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a saver for format.
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Format returns the saver's format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes checkpoint to path. The file is replaced atomically
// and synced before SaveCheckpoint returns.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = frameworkVersion
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	var data []byte
	switch cs.format {
	case FormatJSON:
		var buf bytes.Buffer
		encoder := json.NewEncoder(&buf)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(checkpoint); err != nil {
			return fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		data = buf.Bytes()
	case FormatBinary:
		data = MarshalBinary(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}

	if err := writeFileAtomicDurable(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", path, err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return &checkpoint, nil
	case FormatBinary:
		checkpoint, err := UnmarshalBinary(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return checkpoint, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// ExtractWeights copies parameter values into weight tensors.
func ExtractWeights(params []*layers.Param) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		r, c := p.Value.Dims()
		data := make([]float64, 0, r*c)
		for i := 0; i < r; i++ {
			data = append(data, p.Value.RawRowView(i)...)
		}

		layer, kind := splitParamName(p.Name)
		shape := []int{r, c}
		if kind == "bias" {
			shape = []int{c}
		}
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: shape,
			Data:  data,
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// LoadWeights copies weight tensors into params, matching by name.
func LoadWeights(weights []WeightTensor, params []*layers.Param) error {
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no weight %s", p.Name)
		}
		r, c := p.Value.Dims()
		if len(w.Data) != r*c {
			return fmt.Errorf("size mismatch for weight %s: parameter %dx%d, checkpoint %v", p.Name, r, c, w.Shape)
		}
		for i := 0; i < r; i++ {
			copy(p.Value.RawRowView(i), w.Data[i*c:(i+1)*c])
		}
	}
	return nil
}

func splitParamName(name string) (string, string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return name, "weight"
}
