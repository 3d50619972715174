package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/go-mmfusion/training"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), FileName))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	metrics := []training.EpochMetrics{
		{Epoch: 1, TrainLoss: 0.9, ValLoss: 0.8, ValMacroF1: 0.4, LearningRate: 1e-3, Improved: true, Duration: 1500 * time.Millisecond},
		{Epoch: 2, TrainLoss: 0.7, ValLoss: 0.75, ValMacroF1: 0.35, LearningRate: 1e-3, Skipped: 2, Duration: time.Second},
	}
	record := s.Recorder(ctx, "run-1", "joint")
	for _, m := range metrics {
		if err := record(m); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Record(ctx, "run-2", "text", training.EpochMetrics{Epoch: 1}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Epochs(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	want := []Epoch{
		{RunID: "run-1", Fusion: "joint", EpochMetrics: metrics[0]},
		{RunID: "run-1", Fusion: "joint", EpochMetrics: metrics[1]},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("epochs mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordReplacesRepeatedEpoch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	if err := s.Record(ctx, "run", "image", training.EpochMetrics{Epoch: 1, TrainLoss: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, "run", "image", training.EpochMetrics{Epoch: 1, TrainLoss: 1}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Epochs(ctx, "run")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].TrainLoss != 1 {
		t.Errorf("expected one replaced row, got %+v", got)
	}
}

func TestTestResults(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	results := []TestResult{
		{RunID: "a", Fusion: "text", Parameters: 10, Loss: 0.5, MacroF1: 0.3},
		{RunID: "b", Fusion: "joint", Parameters: 20, Loss: 0.4, MacroF1: 0.6},
	}
	for _, r := range results {
		if err := s.RecordTest(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.TestResults(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]TestResult{results[1], results[0]}, got); diff != "" {
		t.Errorf("test results mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenBadPath(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing", "dir", FileName)); err == nil {
		t.Error("expected error for a path in a missing directory")
	}
}
