package training

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// F1Epsilon guards the F1 denominator when precision and recall are both 0.
const F1Epsilon = 1e-9

// PRCurve is a precision/recall curve in increasing threshold order.
// Precision and Recall have one more entry than Thresholds: the final
// point (precision 1, recall 0) has no threshold.
type PRCurve struct {
	Precision  []float64
	Recall     []float64
	Thresholds []float64
}

// PrecisionRecallCurve computes precision and recall at every distinct
// score. A sample is predicted positive when its score is >= the
// threshold. If there are no positive labels recall is 1 at every
// threshold.
func PrecisionRecallCurve(labels, scores []float64) (*PRCurve, error) {
	if len(labels) != len(scores) {
		return nil, fmt.Errorf("labels (%d) and scores (%d) differ in length", len(labels), len(scores))
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("no scores")
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	// Cumulative true and false positives at the last index of each run of
	// equal scores, in decreasing score order.
	var tps, fps, thresholds []float64
	var tp, fp float64
	for k, idx := range order {
		if labels[idx] > 0.5 {
			tp++
		} else {
			fp++
		}
		if k+1 < len(order) && scores[order[k+1]] == scores[idx] {
			continue
		}
		tps = append(tps, tp)
		fps = append(fps, fp)
		thresholds = append(thresholds, scores[idx])
	}

	n := len(tps)
	totalPos := tps[n-1]
	curve := &PRCurve{
		Precision:  make([]float64, 0, n+1),
		Recall:     make([]float64, 0, n+1),
		Thresholds: make([]float64, 0, n),
	}
	for k := n - 1; k >= 0; k-- {
		curve.Precision = append(curve.Precision, tps[k]/(tps[k]+fps[k]))
		if totalPos == 0 {
			curve.Recall = append(curve.Recall, 1)
		} else {
			curve.Recall = append(curve.Recall, tps[k]/totalPos)
		}
		curve.Thresholds = append(curve.Thresholds, thresholds[k])
	}
	curve.Precision = append(curve.Precision, 1)
	curve.Recall = append(curve.Recall, 0)
	return curve, nil
}

// F1Scores returns 2PR/(P+R+eps) at every curve point.
func (c *PRCurve) F1Scores(eps float64) []float64 {
	f1 := make([]float64, len(c.Precision))
	for i := range f1 {
		p, r := c.Precision[i], c.Recall[i]
		f1[i] = 2 * p * r / (p + r + eps)
	}
	return f1
}

// BestF1Threshold returns the highest F1 on the precision/recall curve and
// the threshold where it is first reached.
func BestF1Threshold(labels, scores []float64, eps float64) (float64, float64, error) {
	curve, err := PrecisionRecallCurve(labels, scores)
	if err != nil {
		return 0, 0, err
	}
	f1 := curve.F1Scores(eps)
	best := floats.MaxIdx(f1)
	if best >= len(curve.Thresholds) {
		// Only reachable when every F1 is 0; the trailing point has none.
		best = 0
	}
	return f1[best], curve.Thresholds[best], nil
}

// ClassMetrics holds per-class calibrated thresholds.
type ClassMetrics struct {
	F1s        []float64
	Thresholds []float64
	MacroF1    float64
}

// CalibrateThresholds picks the best-F1 threshold for every column of
// scores independently. The thresholds are fitted on the same rows they
// are scored on.
func CalibrateThresholds(labels, scores *mat.Dense) (*ClassMetrics, error) {
	r, c := scores.Dims()
	lr, lc := labels.Dims()
	if r != lr || c != lc {
		return nil, fmt.Errorf("labels %dx%d and scores %dx%d differ in shape", lr, lc, r, c)
	}

	m := &ClassMetrics{
		F1s:        make([]float64, c),
		Thresholds: make([]float64, c),
	}
	for j := 0; j < c; j++ {
		f1, threshold, err := BestF1Threshold(mat.Col(nil, j, labels), mat.Col(nil, j, scores), F1Epsilon)
		if err != nil {
			return nil, fmt.Errorf("class %d: %w", j, err)
		}
		m.F1s[j] = f1
		m.Thresholds[j] = threshold
	}
	if c > 0 {
		m.MacroF1 = floats.Sum(m.F1s) / float64(c)
	}
	return m, nil
}
