package checkpoints

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mmfusion/layers"
)

func sampleCheckpoint() *Checkpoint {
	return &Checkpoint{
		Weights: []WeightTensor{
			{Name: "clf.0.weight", Shape: []int{2, 3}, Data: []float64{0.1, -0.2, 0.3, 0.4, -0.5, 0.6}, Layer: "clf.0", Type: "weight"},
			{Name: "clf.0.bias", Shape: []int{2}, Data: []float64{1e-9, -7}, Layer: "clf.0", Type: "bias"},
		},
		TrainingState: TrainingState{
			Epoch:          3,
			Step:           42,
			LearningRate:   5e-5,
			BestMetric:     0.8125,
			NoImproveCount: 1,
		},
		OptimizerState: &OptimizerState{
			Type:       "AdamW",
			Parameters: map[string]float64{"beta1": 0.9, "beta2": 0.999, "step_count": 42},
			StateData: []OptimizerTensor{
				{Name: "momentum_0", Shape: []int{2, 3}, Data: []float64{1, 2, 3, 4, 5, 6}, StateType: "momentum"},
			},
		},
		SchedulerState: &SchedulerState{
			Type:        "ReduceLROnPlateau",
			BestMetric:  0.8125,
			BadEpochs:   1,
			CurrentLR:   5e-5,
			Initialized: true,
		},
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-mmfusion",
			CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC),
			RunID:       "run-1",
			Description: "test",
			Tags:        []string{"joint", "bert-tiny"},
		},
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatBinary, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, LatestName(format))
			saver := NewCheckpointSaver(format)
			want := sampleCheckpoint()

			require.NoError(t, saver.SaveCheckpoint(want, path))
			got, err := saver.LoadCheckpoint(path)
			require.NoError(t, err)

			require.True(t, want.Metadata.CreatedAt.Equal(got.Metadata.CreatedAt))
			got.Metadata.CreatedAt = want.Metadata.CreatedAt
			require.Equal(t, want, got)
		})
	}
}

func TestSaveCheckpointFillsMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.pb")
	saver := NewCheckpointSaver(FormatBinary)
	require.NoError(t, saver.SaveCheckpoint(&Checkpoint{}, path))

	got, err := saver.LoadCheckpoint(path)
	require.NoError(t, err)
	require.Equal(t, frameworkName, got.Metadata.Framework)
	require.Equal(t, frameworkVersion, got.Metadata.Version)
	require.False(t, got.Metadata.CreatedAt.IsZero())
}

func TestSaveCheckpointLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	saver := NewCheckpointSaver(FormatJSON)
	for i := 0; i < 3; i++ {
		c := sampleCheckpoint()
		c.TrainingState.Epoch = i
		require.NoError(t, saver.SaveCheckpoint(c, filepath.Join(dir, LatestName(FormatJSON))))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "checkpoint.json", entries[0].Name())
}

func TestLoadCheckpointErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := NewCheckpointSaver(FormatJSON).LoadCheckpoint(filepath.Join(dir, "missing.json"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.pb")
	require.NoError(t, os.WriteFile(bad, []byte{0x0a, 0xff}, 0o644))
	_, err = NewCheckpointSaver(FormatBinary).LoadCheckpoint(bad)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to decode checkpoint")
}

func TestUnmarshalBinarySkipsUnknownFields(t *testing.T) {
	data := MarshalBinary(sampleCheckpoint())
	// field 15, varint 1
	data = append(data, 0x78, 0x01)
	got, err := UnmarshalBinary(data)
	require.NoError(t, err)
	require.Equal(t, 3, got.TrainingState.Epoch)
}

func TestCheckpointNonFiniteBinary(t *testing.T) {
	c := &Checkpoint{TrainingState: TrainingState{BestMetric: math.Inf(-1)}}
	got, err := UnmarshalBinary(MarshalBinary(c))
	require.NoError(t, err)
	require.True(t, math.IsInf(got.TrainingState.BestMetric, -1))
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckpointFormat
		ext     string
		wantErr bool
	}{
		{"binary", FormatBinary, ".pb", false},
		{"json", FormatJSON, ".json", false},
		{"onnx", 0, "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
		require.Equal(t, tt.ext, got.Extension())
		require.Equal(t, tt.in, got.String())
	}
	require.Equal(t, "model_best.json", BestName(FormatJSON))
	require.Equal(t, "checkpoint.pb", LatestName(FormatBinary))
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "checkpoint.pb")
	dst := filepath.Join(dir, "model_best.pb")
	require.NoError(t, os.WriteFile(src, []byte("weights"), 0o644))
	require.NoError(t, CopyFile(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "weights", string(got))

	require.Error(t, CopyFile(filepath.Join(dir, "nope"), dst))
}

func TestArgsRoundTrip(t *testing.T) {
	type args struct {
		Model     string   `json:"model"`
		BatchSize int      `json:"batch_sz"`
		Labels    []string `json:"labels"`
	}
	dir := t.TempDir()
	in := args{Model: "joint", BatchSize: 8, Labels: []string{"a", "b"}}
	require.NoError(t, SaveArgs(dir, in))

	var out args
	require.NoError(t, LoadArgs(dir, &out))
	require.Equal(t, in, out)

	raw, err := os.ReadFile(filepath.Join(dir, ArgsFile))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(raw), "}\n"))

	require.Error(t, LoadArgs(t.TempDir(), &out))
}

func TestExtractAndLoadWeights(t *testing.T) {
	spec, err := layers.ClassifierSpec("clf", 3, 4, 1, 2)
	require.NoError(t, err)
	src, err := spec.Build(rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	dst, err := spec.Build(rand.New(rand.NewSource(2)))
	require.NoError(t, err)

	weights := ExtractWeights(src.Parameters())
	require.Len(t, weights, 6)
	require.Equal(t, "clf.0.weight", weights[0].Name)
	require.Equal(t, []int{4, 3}, weights[0].Shape)
	require.Equal(t, "clf.0", weights[0].Layer)
	require.Equal(t, "bias", weights[1].Type)
	require.Equal(t, []int{4}, weights[1].Shape)

	require.NoError(t, LoadWeights(weights, dst.Parameters()))
	for i, p := range dst.Parameters() {
		require.Equal(t, src.Parameters()[i].Value.RawMatrix().Data, p.Value.RawMatrix().Data, p.Name)
	}
}

func TestLoadWeightsMismatch(t *testing.T) {
	spec, err := layers.ClassifierSpec("clf", 3, 4, 0, 2)
	require.NoError(t, err)
	model, err := spec.Build(rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	weights := ExtractWeights(model.Parameters())

	require.Error(t, LoadWeights(weights[:1], model.Parameters()))

	renamed := append([]WeightTensor(nil), weights...)
	renamed[0].Name = "other.weight"
	require.Error(t, LoadWeights(renamed, model.Parameters()))

	short := append([]WeightTensor(nil), weights...)
	short[0].Data = short[0].Data[:2]
	require.Error(t, LoadWeights(short, model.Parameters()))
}
