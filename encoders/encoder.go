// Package encoders defines the text and image feature extractors consumed
// by the fusion heads, a registry of named backbones, and the adaptive
// pooling that reduces an image feature map to a fixed number of regions.
//
// Encoders are frozen: they expose no parameters and receive no gradients.
package encoders

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-mmfusion/tensor"
)

// TextEncoder maps a padded batch of token sequences to one pooled vector
// per row. The result has shape [batch × Dim()].
type TextEncoder interface {
	Embed(tokenIDs [][]int, mask [][]bool, segments [][]int) (*mat.Dense, error)
	Dim() int
}

// ImageEncoder maps a [N, C, H, W] image batch to one feature map per image,
// each with Dim() channels.
type ImageEncoder interface {
	Embed(images *tensor.Tensor) ([]*Grid, error)
	Dim() int
}

// Grid is a CHW feature map.
type Grid struct {
	Channels int
	Height   int
	Width    int
	Data     []float64
}

// NewGrid allocates a zeroed feature map.
func NewGrid(channels, height, width int) *Grid {
	return &Grid{
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float64, channels*height*width),
	}
}

// At returns the value at channel c, row y, column x.
func (g *Grid) At(c, y, x int) float64 {
	return g.Data[(c*g.Height+y)*g.Width+x]
}

// Set stores v at channel c, row y, column x.
func (g *Grid) Set(c, y, x int, v float64) {
	g.Data[(c*g.Height+y)*g.Width+x] = v
}

func checkBatch(tokenIDs [][]int, mask [][]bool, segments [][]int) error {
	if len(tokenIDs) != len(mask) || len(tokenIDs) != len(segments) {
		return fmt.Errorf("batch rows disagree: %d tokens, %d masks, %d segments",
			len(tokenIDs), len(mask), len(segments))
	}
	for i := range tokenIDs {
		if len(tokenIDs[i]) != len(mask[i]) || len(tokenIDs[i]) != len(segments[i]) {
			return fmt.Errorf("row %d: token, mask and segment lengths differ", i)
		}
	}
	return nil
}
