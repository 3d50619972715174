package dataloader

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-mmfusion/dataset"
	"github.com/tsawler/go-mmfusion/tensor"
)

// Batch is a set of encoded samples padded to a common sequence length.
// TokenIDs, SegmentIDs and AttentionMask share the same padding positions.
type Batch struct {
	TokenIDs      [][]int
	SegmentIDs    [][]int
	AttentionMask [][]bool
	// Images has shape [N, C, H, W].
	Images *tensor.Tensor
	// Labels is the N×n_classes multi-hot matrix.
	Labels *mat.Dense
	// Indices are the dataset positions of the rows.
	Indices []int
}

// Size returns the number of rows.
func (b *Batch) Size() int {
	return len(b.TokenIDs)
}

// SeqLen returns the padded sequence length.
func (b *Batch) SeqLen() int {
	if len(b.TokenIDs) == 0 {
		return 0
	}
	return len(b.TokenIDs[0])
}

// Collate pads samples to the longest sequence among them and stacks
// images and labels. Row order follows the input.
func Collate(samples []*dataset.Encoded) (*Batch, error) {
	n := len(samples)
	if n == 0 {
		return nil, fmt.Errorf("cannot collate an empty sample list")
	}

	maxLen := 0
	nClasses := len(samples[0].Labels)
	for i, s := range samples {
		if s.Len() > maxLen {
			maxLen = s.Len()
		}
		if len(s.Labels) != nClasses {
			return nil, fmt.Errorf("sample %d has %d labels, expected %d", i, len(s.Labels), nClasses)
		}
		if len(s.SegmentIDs) != s.Len() {
			return nil, fmt.Errorf("sample %d segment ids misaligned with tokens", i)
		}
	}

	b := &Batch{
		TokenIDs:      make([][]int, n),
		SegmentIDs:    make([][]int, n),
		AttentionMask: make([][]bool, n),
		Indices:       make([]int, n),
	}
	images := make([]*tensor.Tensor, n)
	labels := make([]float64, 0, n*nClasses)

	for i, s := range samples {
		b.TokenIDs[i] = make([]int, maxLen)
		b.SegmentIDs[i] = make([]int, maxLen)
		b.AttentionMask[i] = make([]bool, maxLen)
		copy(b.TokenIDs[i], s.TokenIDs)
		copy(b.SegmentIDs[i], s.SegmentIDs)
		for j := 0; j < s.Len(); j++ {
			b.AttentionMask[i][j] = true
		}
		b.Indices[i] = s.Index
		images[i] = s.Image
		labels = append(labels, s.Labels...)
	}

	stacked, err := tensor.Stack(images)
	if err != nil {
		return nil, fmt.Errorf("failed to stack images: %w", err)
	}
	b.Images = stacked
	if nClasses > 0 {
		b.Labels = mat.NewDense(n, nClasses, labels)
	}
	return b, nil
}
