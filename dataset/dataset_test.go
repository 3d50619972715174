package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/go-mmfusion/tensor"
	"github.com/tsawler/go-mmfusion/text"
)

type fakeImages struct {
	bad map[string]bool
}

func (f fakeImages) LoadFile(path string) (*tensor.Tensor, error) {
	if f.bad[filepath.Base(path)] {
		return nil, errors.New("corrupt")
	}
	return tensor.Zeros([]int{3, 2, 2})
}

func writeSplit(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRecords(t *testing.T) {
	dir := t.TempDir()
	path := writeSplit(t, dir, "train.jsonl",
		`{"label": ["a", "b", "a"], "img": "1.png", "text": "one"}`,
		`{"label": "c", "img": "2.png", "text": "two"}`,
		`not json`,
		``,
		`{"label": 5, "img": "3.png", "text": "bad label"}`,
	)

	split, err := LoadRecords(path)
	if err != nil {
		t.Fatalf("LoadRecords failed: %v", err)
	}

	if split.Name != "train" {
		t.Errorf("Name = %q, expected train", split.Name)
	}
	if split.Skipped != 2 {
		t.Errorf("Skipped = %d, expected 2", split.Skipped)
	}
	want := []Sample{
		{Text: "one", Image: "1.png", Labels: []string{"a", "b"}},
		{Text: "two", Image: "2.png", Labels: []string{"c"}},
	}
	if diff := cmp.Diff(want, split.Samples); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
	if got := split.ImagePath(0); got != filepath.Join(dir, "1.png") {
		t.Errorf("ImagePath(0) = %s", got)
	}
}

func TestLoadRecordsMissingFile(t *testing.T) {
	if _, err := LoadRecords(filepath.Join(t.TempDir(), "nope.jsonl")); err == nil {
		t.Error("expected error for missing split")
	}
}

func TestLabelUniverse(t *testing.T) {
	train := &Split{Samples: []Sample{
		{Labels: []string{"dog"}},
		{Labels: []string{"cat", "dog"}},
		{Labels: []string{"bird"}},
		{Labels: []string{"dog"}},
	}}
	u := NewLabelUniverse(train)

	if diff := cmp.Diff([]string{"dog", "cat", "bird"}, u.Labels()); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{3, 1, 1}, u.Counts()); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{4.0 / 3.0, 4, 4}, u.PositiveWeights(train.Len())); diff != "" {
		t.Errorf("weights mismatch (-want +got):\n%s", diff)
	}

	back, err := UniverseFromCounts(u.Labels(), u.Counts())
	if err != nil {
		t.Fatalf("UniverseFromCounts failed: %v", err)
	}
	if i, ok := back.Index("bird"); !ok || i != 2 {
		t.Errorf("Index(bird) = %d, %v", i, ok)
	}
	if _, err := UniverseFromCounts([]string{"x", "x"}, []int{1, 1}); err == nil {
		t.Error("expected error for duplicate labels")
	}
}

func TestFilterToUniverse(t *testing.T) {
	u := NewLabelUniverse(&Split{Samples: []Sample{{Labels: []string{"a", "b"}}}})
	split := &Split{Samples: []Sample{
		{Text: "keep", Labels: []string{"a", "z"}},
		{Text: "empty", Labels: []string{"z"}},
		{Text: "both", Labels: []string{"b", "a"}},
	}}

	tests := []struct {
		name     string
		training bool
		texts    []string
		stats    FilterStats
	}{
		{"eval", false, []string{"keep", "both"}, FilterStats{DroppedLabels: 2, DroppedSamples: 1}},
		{"training", true, []string{"keep", "empty", "both"}, FilterStats{DroppedLabels: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, stats := FilterToUniverse(split, u, tt.training)
			if diff := cmp.Diff(tt.texts, out.Texts()); diff != "" {
				t.Errorf("texts mismatch (-want +got):\n%s", diff)
			}
			if stats != tt.stats {
				t.Errorf("stats = %+v, expected %+v", stats, tt.stats)
			}
			if len(out.Samples[0].Labels) != 1 || out.Samples[0].Labels[0] != "a" {
				t.Errorf("labels not filtered: %v", out.Samples[0].Labels)
			}
		})
	}

	if len(split.Samples[0].Labels) != 2 {
		t.Error("FilterToUniverse modified its input")
	}
}

func newTestBuilder(t *testing.T, train *Split, maxLen int, images ImageLoader) *Builder {
	t.Helper()
	tok := text.NewBasicTokenizer()
	return &Builder{
		Tokenizer: tok,
		Vocab:     text.BuildVocabulary(train.Texts(), tok),
		Universe:  NewLabelUniverse(train),
		MaxSeqLen: maxLen,
		Images:    images,
	}
}

func TestBuilderThreeSampleSplit(t *testing.T) {
	train := &Split{Samples: []Sample{
		{Text: "red car", Image: "0.png", Labels: []string{"a"}},
		{Text: "blue bike fast now", Image: "1.png", Labels: []string{"b"}},
		{Text: "green", Image: "2.png", Labels: []string{"a", "b"}},
	}}
	b := newTestBuilder(t, train, 4, fakeImages{})

	if b.Universe.Len() != 2 {
		t.Fatalf("n_classes = %d, expected 2", b.Universe.Len())
	}

	wantLabels := [][]float64{{1, 0}, {0, 1}, {1, 1}}
	wantLens := []int{3, 4, 2}
	for i := range train.Samples {
		enc, err := b.Build(train, i)
		if err != nil {
			t.Fatalf("Build(%d) failed: %v", i, err)
		}
		if diff := cmp.Diff(wantLabels[i], enc.Labels); diff != "" {
			t.Errorf("sample %d labels (-want +got):\n%s", i, diff)
		}
		if enc.Len() != wantLens[i] {
			t.Errorf("sample %d length = %d, expected %d", i, enc.Len(), wantLens[i])
		}
		if enc.TokenIDs[0] != 2 {
			t.Errorf("sample %d does not start with [CLS]: %v", i, enc.TokenIDs)
		}
		if enc.Index != i {
			t.Errorf("sample %d Index = %d", i, enc.Index)
		}
		for _, s := range enc.SegmentIDs {
			if s != 0 {
				t.Errorf("sample %d has non-zero segment id", i)
			}
		}
	}
}

func TestEncodeTextTruncation(t *testing.T) {
	train := &Split{Samples: []Sample{{Text: "a b c d e", Labels: []string{"x"}}}}
	b := newTestBuilder(t, train, 1, fakeImages{})

	ids := b.EncodeText("a b c")
	if diff := cmp.Diff([]int{2}, ids); diff != "" {
		t.Errorf("max_seq_len 1 keeps only [CLS] (-want +got):\n%s", diff)
	}

	b.MaxSeqLen = 10
	ids = b.EncodeText("a unseen")
	if ids[2] != 1 {
		t.Errorf("unseen token id = %d, expected [UNK]", ids[2])
	}
}

func TestBuildErrors(t *testing.T) {
	train := &Split{Samples: []Sample{
		{Text: "ok", Image: "bad.png", Labels: []string{"a"}},
		{Text: "ok", Image: "good.png", Labels: []string{"zzz"}},
	}}
	b := newTestBuilder(t, &Split{Samples: train.Samples[:1]}, 8, fakeImages{bad: map[string]bool{"bad.png": true}})

	if _, err := b.Build(train, 0); err == nil {
		t.Error("expected image error")
	}

	_, err := b.Build(train, 1)
	var lnf *LabelNotFoundError
	if !errors.As(err, &lnf) || lnf.Label != "zzz" {
		t.Errorf("Build error = %v, expected *LabelNotFoundError", err)
	}
	if !errors.Is(err, ErrLabelNotFound) {
		t.Error("LabelNotFoundError should wrap ErrLabelNotFound")
	}

	if _, err := b.Build(train, 5); err == nil {
		t.Error("expected out of range error")
	}
}
