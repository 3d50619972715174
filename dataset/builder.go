package dataset

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-mmfusion/tensor"
	"github.com/tsawler/go-mmfusion/text"
)

// ErrLabelNotFound is wrapped by LabelNotFoundError.
var ErrLabelNotFound = errors.New("label not found in label universe")

// LabelNotFoundError reports a sample label that has no class index.
type LabelNotFoundError struct {
	Label string
}

func (e *LabelNotFoundError) Error() string {
	return fmt.Sprintf("label %q not found in label universe", e.Label)
}

func (e *LabelNotFoundError) Unwrap() error { return ErrLabelNotFound }

// ImageLoader decodes an image file into a fixed-shape CHW tensor.
type ImageLoader interface {
	LoadFile(path string) (*tensor.Tensor, error)
}

// Encoded is one sample ready for collation.
type Encoded struct {
	Index      int
	TokenIDs   []int
	SegmentIDs []int
	Image      *tensor.Tensor
	Labels     []float64
}

// Len returns the token sequence length.
func (e *Encoded) Len() int {
	return len(e.TokenIDs)
}

// Builder turns samples into token ids, a multi-hot label vector and a
// preprocessed image.
type Builder struct {
	Tokenizer text.Tokenizer
	Vocab     *text.Vocabulary
	Universe  *LabelUniverse
	MaxSeqLen int
	Images    ImageLoader
}

// EncodeText returns [CLS] followed by the tokenized text, truncated to
// MaxSeqLen. The start token always survives truncation.
func (b *Builder) EncodeText(s string) []int {
	tokens := append([]string{text.ClsToken}, b.Tokenizer.Tokenize(s)...)
	if b.MaxSeqLen > 0 && len(tokens) > b.MaxSeqLen {
		tokens = tokens[:b.MaxSeqLen]
	}
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = b.Vocab.IDOrUnknown(tok)
	}
	return ids
}

// EncodeLabels returns the multi-hot vector for labels.
func (b *Builder) EncodeLabels(labels []string) ([]float64, error) {
	vec := make([]float64, b.Universe.Len())
	for _, l := range labels {
		idx, ok := b.Universe.Index(l)
		if !ok {
			return nil, &LabelNotFoundError{Label: l}
		}
		vec[idx] = 1
	}
	return vec, nil
}

// Build encodes sample i of split.
func (b *Builder) Build(split *Split, i int) (*Encoded, error) {
	if i < 0 || i >= split.Len() {
		return nil, fmt.Errorf("sample index %d out of range [0, %d)", i, split.Len())
	}
	s := split.Samples[i]

	labels, err := b.EncodeLabels(s.Labels)
	if err != nil {
		return nil, err
	}

	img, err := b.Images.LoadFile(split.ImagePath(i))
	if err != nil {
		return nil, err
	}

	ids := b.EncodeText(s.Text)
	return &Encoded{
		Index:      i,
		TokenIDs:   ids,
		SegmentIDs: make([]int, len(ids)),
		Image:      img,
		Labels:     labels,
	}, nil
}
