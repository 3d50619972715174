// Package fusion composes text and image features into class logits.
//
// Four heads share one interface. Joint concatenates both feature vectors,
// Text and Image each use one modality, and Ensemble averages the logits of
// an independent text head and image head trained together.
package fusion

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-mmfusion/layers"
)

// Kind selects a fusion head.
type Kind int

const (
	Joint Kind = iota
	TextOnly
	ImageOnly
	Ensemble
)

func (k Kind) String() string {
	switch k {
	case Joint:
		return "joint"
	case TextOnly:
		return "text"
	case ImageOnly:
		return "image"
	case Ensemble:
		return "ensemble"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind accepts joint, text, image or ensemble.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown fusion kind %q", s)
}

// Kinds lists every head in the order the comparison run trains them.
func Kinds() []Kind {
	return []Kind{Ensemble, Joint, TextOnly, ImageOnly}
}

// Head produces class logits from a (text features, image features) pair.
// Backward accumulates parameter gradients for the last Forward call.
type Head interface {
	Forward(text, image *mat.Dense) (*mat.Dense, error)
	Backward(gradLogits *mat.Dense) error
	Parameters() []*layers.Param
	Kind() Kind
}

// Dims are the feature and classifier sizes shared by every head.
type Dims struct {
	// Text is the pooled text embedding width.
	Text int
	// Image is the flattened pooled image width (channels × regions).
	Image int
	// Width and Depth shape the classifier stack.
	Width int
	Depth int
	// Classes is the number of output logits.
	Classes int
}

// NewHead builds the head for kind with weights drawn from rng.
func NewHead(kind Kind, dims Dims, rng *rand.Rand) (Head, error) {
	switch kind {
	case Joint:
		stack, err := newStack("clf", dims.Text+dims.Image, dims, rng)
		if err != nil {
			return nil, err
		}
		return &jointHead{stack: stack, textWidth: dims.Text}, nil
	case TextOnly:
		stack, err := newStack("clf", dims.Text, dims, rng)
		if err != nil {
			return nil, err
		}
		return &singleHead{kind: TextOnly, stack: stack}, nil
	case ImageOnly:
		stack, err := newStack("clf", dims.Image, dims, rng)
		if err != nil {
			return nil, err
		}
		return &singleHead{kind: ImageOnly, stack: stack}, nil
	case Ensemble:
		text, err := newStack("text.clf", dims.Text, dims, rng)
		if err != nil {
			return nil, err
		}
		image, err := newStack("image.clf", dims.Image, dims, rng)
		if err != nil {
			return nil, err
		}
		return &ensembleHead{
			text:  &singleHead{kind: TextOnly, stack: text},
			image: &singleHead{kind: ImageOnly, stack: image},
		}, nil
	}
	return nil, fmt.Errorf("unknown fusion kind %v", kind)
}

func newStack(prefix string, in int, dims Dims, rng *rand.Rand) (*layers.Sequential, error) {
	spec, err := layers.ClassifierSpec(prefix, in, dims.Width, dims.Depth, dims.Classes)
	if err != nil {
		return nil, err
	}
	return spec.Build(rng)
}

type jointHead struct {
	stack     *layers.Sequential
	textWidth int
}

func (h *jointHead) Kind() Kind { return Joint }

func (h *jointHead) Forward(text, image *mat.Dense) (*mat.Dense, error) {
	tr, tc := text.Dims()
	ir, ic := image.Dims()
	if tr != ir {
		return nil, fmt.Errorf("text has %d rows, image has %d", tr, ir)
	}
	if tc != h.textWidth {
		return nil, fmt.Errorf("text width %d, expected %d", tc, h.textWidth)
	}
	joined := mat.NewDense(tr, tc+ic, nil)
	joined.Slice(0, tr, 0, tc).(*mat.Dense).Copy(text)
	joined.Slice(0, tr, tc, tc+ic).(*mat.Dense).Copy(image)
	return h.stack.Forward(joined)
}

func (h *jointHead) Backward(grad *mat.Dense) error {
	_, err := h.stack.Backward(grad)
	return err
}

func (h *jointHead) Parameters() []*layers.Param { return h.stack.Parameters() }

type singleHead struct {
	kind  Kind
	stack *layers.Sequential
}

func (h *singleHead) Kind() Kind { return h.kind }

func (h *singleHead) Forward(text, image *mat.Dense) (*mat.Dense, error) {
	if h.kind == TextOnly {
		return h.stack.Forward(text)
	}
	return h.stack.Forward(image)
}

func (h *singleHead) Backward(grad *mat.Dense) error {
	_, err := h.stack.Backward(grad)
	return err
}

func (h *singleHead) Parameters() []*layers.Param { return h.stack.Parameters() }

type ensembleHead struct {
	text  *singleHead
	image *singleHead
}

func (h *ensembleHead) Kind() Kind { return Ensemble }

func (h *ensembleHead) Forward(text, image *mat.Dense) (*mat.Dense, error) {
	a, err := h.text.Forward(text, image)
	if err != nil {
		return nil, err
	}
	b, err := h.image.Forward(text, image)
	if err != nil {
		return nil, err
	}
	var out mat.Dense
	out.Add(a, b)
	out.Scale(0.5, &out)
	return &out, nil
}

func (h *ensembleHead) Backward(grad *mat.Dense) error {
	var half mat.Dense
	half.Scale(0.5, grad)
	if err := h.text.Backward(&half); err != nil {
		return err
	}
	return h.image.Backward(&half)
}

func (h *ensembleHead) Parameters() []*layers.Param {
	return append(h.text.Parameters(), h.image.Parameters()...)
}
