package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/go-mmfusion/config"
	"github.com/tsawler/go-mmfusion/engine"
	"github.com/tsawler/go-mmfusion/text"
	"github.com/tsawler/go-mmfusion/training"
)

func runCLI(t *testing.T, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	root := NewCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	return &out, root.Execute()
}

func TestConfigFromFlagsDefaults(t *testing.T) {
	root := NewCLI()
	train, _, err := root.Find([]string{"train"})
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := configFromFlags(train)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(config.Default(), cfg); diff != "" {
		t.Errorf("flag defaults differ from config.Default (-want +got):\n%s", diff)
	}
}

func TestConfigFromFlagsRejectsBadBackbone(t *testing.T) {
	root := NewCLI()
	train, _, err := root.Find([]string{"train"})
	if err != nil {
		t.Fatal(err)
	}
	if err := train.Flags().Set("image-embeds", "12"); err != nil {
		t.Fatal(err)
	}
	_, err = configFromFlags(train)
	var cfgErr *config.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "image_embed_count" {
		t.Errorf("expected image_embed_count configuration error, got %v", err)
	}
}

func TestVocabBuildCommand(t *testing.T) {
	dir := t.TempDir()
	lines := `{"label": "a", "img": "x.png", "text": "Hello world"}
{"label": ["b"], "img": "y.png", "text": "hello again"}
`
	if err := os.WriteFile(filepath.Join(dir, engine.TrainFile), []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "vocab.txt")
	if _, err := runCLI(t, "vocab", "build", "--data-dir", dir, "--out", out); err != nil {
		t.Fatal(err)
	}

	vocab, err := text.LoadVocabularyFile(out)
	if err != nil {
		t.Fatal(err)
	}
	for _, tok := range []string{"hello", "world", "again"} {
		if _, ok := vocab.ID(tok); !ok {
			t.Errorf("vocabulary missing %q", tok)
		}
	}
	if id, _ := vocab.ID(text.PadToken); id != 0 {
		t.Errorf("%s id = %d, expected 0", text.PadToken, id)
	}
}

func TestEvalRequiresRunDir(t *testing.T) {
	if _, err := runCLI(t, "eval", filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for a missing run directory")
	}
}

func TestRenderResults(t *testing.T) {
	var buf bytes.Buffer
	renderResults(&buf, []*engine.Result{
		{Fusion: "ensemble", Parameters: 1234, Epochs: 3, BestMetric: 0.5, Test: &training.EvalResult{MacroF1: 0.4567}},
		{Fusion: "text", Parameters: 99, Epochs: 1, BestMetric: 0.25},
	})
	got := buf.String()
	for _, want := range []string{"VARIANT", "TEST F1", "ensemble", "1234", "0.4567", "text"} {
		if !strings.Contains(got, want) {
			t.Errorf("table missing %q:\n%s", want, got)
		}
	}
}

func TestRenderClasses(t *testing.T) {
	var buf bytes.Buffer
	renderClasses(&buf, []string{"drama", "comedy"}, &training.EvalResult{
		MacroF1:    0.75,
		F1s:        []float64{1, 0.5},
		Thresholds: []float64{0.3, 0.6},
	})
	got := buf.String()
	for _, want := range []string{"drama", "0.3000", "comedy", "0.5000", "MACRO", "0.7500"} {
		if !strings.Contains(got, want) {
			t.Errorf("table missing %q:\n%s", want, got)
		}
	}
}
