package dataset

import (
	"fmt"
	"log/slog"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// LabelUniverse is the fixed class set observed in the training split,
// ordered by first appearance. Class indices are positions in that order.
type LabelUniverse struct {
	counts *orderedmap.OrderedMap[string, int]
	labels []string
	index  map[string]int
}

// NewLabelUniverse counts label frequencies over the training split.
func NewLabelUniverse(train *Split) *LabelUniverse {
	counts := orderedmap.New[string, int]()
	for _, s := range train.Samples {
		for _, l := range s.Labels {
			n, _ := counts.Get(l)
			counts.Set(l, n+1)
		}
	}
	return newUniverse(counts)
}

// UniverseFromCounts rebuilds a universe from an ordered label list and
// matching counts, as persisted in the run arguments.
func UniverseFromCounts(labels []string, counts []int) (*LabelUniverse, error) {
	if len(labels) != len(counts) {
		return nil, fmt.Errorf("label/count length mismatch: %d vs %d", len(labels), len(counts))
	}
	om := orderedmap.New[string, int]()
	for i, l := range labels {
		if _, dup := om.Get(l); dup {
			return nil, fmt.Errorf("duplicate label %q", l)
		}
		om.Set(l, counts[i])
	}
	return newUniverse(om), nil
}

func newUniverse(counts *orderedmap.OrderedMap[string, int]) *LabelUniverse {
	u := &LabelUniverse{
		counts: counts,
		index:  make(map[string]int, counts.Len()),
	}
	for pair := counts.Oldest(); pair != nil; pair = pair.Next() {
		u.index[pair.Key] = len(u.labels)
		u.labels = append(u.labels, pair.Key)
	}
	return u
}

// Len returns the number of classes.
func (u *LabelUniverse) Len() int {
	return len(u.labels)
}

// Labels returns the class names in index order.
func (u *LabelUniverse) Labels() []string {
	out := make([]string, len(u.labels))
	copy(out, u.labels)
	return out
}

// Index returns the class index of label.
func (u *LabelUniverse) Index(label string) (int, bool) {
	i, ok := u.index[label]
	return i, ok
}

// Count returns the training frequency of label.
func (u *LabelUniverse) Count(label string) int {
	n, _ := u.counts.Get(label)
	return n
}

// Counts returns the frequencies in class order.
func (u *LabelUniverse) Counts() []int {
	out := make([]int, 0, len(u.labels))
	for _, l := range u.labels {
		out = append(out, u.Count(l))
	}
	return out
}

// PositiveWeights returns the inverse-frequency weight nTrain/count for
// each class, in class order.
func (u *LabelUniverse) PositiveWeights(nTrain int) []float64 {
	w := make([]float64, len(u.labels))
	for i, l := range u.labels {
		w[i] = float64(nTrain) / float64(u.Count(l))
	}
	return w
}

// FilterStats reports what FilterToUniverse removed.
type FilterStats struct {
	DroppedLabels  int
	DroppedSamples int
}

// FilterToUniverse removes labels outside u. For evaluation splits, samples
// left with no labels are discarded; the training split keeps every sample.
func FilterToUniverse(split *Split, u *LabelUniverse, training bool) (*Split, FilterStats) {
	var stats FilterStats
	out := &Split{
		Name:    split.Name,
		Dir:     split.Dir,
		Skipped: split.Skipped,
		Samples: make([]Sample, 0, len(split.Samples)),
	}

	for _, s := range split.Samples {
		kept := make([]string, 0, len(s.Labels))
		for _, l := range s.Labels {
			if _, ok := u.index[l]; ok {
				kept = append(kept, l)
			} else {
				stats.DroppedLabels++
			}
		}
		if len(kept) == 0 && !training {
			stats.DroppedSamples++
			continue
		}
		s.Labels = kept
		out.Samples = append(out.Samples, s)
	}

	if stats.DroppedLabels > 0 || stats.DroppedSamples > 0 {
		slog.Info("filtered split to label universe",
			"split", split.Name,
			"dropped_labels", stats.DroppedLabels,
			"dropped_samples", stats.DroppedSamples)
	}
	return out, stats
}
