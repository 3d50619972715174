package encoders

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-mmfusion/tensor"
)

// DefaultGridSize is the spatial size of the built-in image feature maps,
// matching the 7×7 output of a ResNet trunk on 224×224 input.
const DefaultGridSize = 7

// splitmix64 is a stateless mixer used to derive frozen weights from
// (seed, stream, index) without storing a table.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// hashUniform maps its inputs to a value in [-1, 1).
func hashUniform(seed int64, stream, a, b uint64) float64 {
	h := splitmix64(uint64(seed) ^ splitmix64(stream^splitmix64(a^splitmix64(b))))
	return float64(h>>11)/float64(1<<53)*2 - 1
}

const (
	streamToken uint64 = iota + 1
	streamPosition
	streamSegment
	streamPatch
	streamBias
)

// HashedTextEncoder embeds each token id, position and segment with a
// fixed pseudo-random vector, averages over unmasked positions and squashes
// the mean with tanh.
type HashedTextEncoder struct {
	dim  int
	seed int64
}

// NewHashedTextEncoder creates a text encoder producing dim-wide vectors.
func NewHashedTextEncoder(dim int, seed int64) *HashedTextEncoder {
	return &HashedTextEncoder{dim: dim, seed: seed}
}

func (e *HashedTextEncoder) Dim() int { return e.dim }

func (e *HashedTextEncoder) Embed(tokenIDs [][]int, mask [][]bool, segments [][]int) (*mat.Dense, error) {
	if err := checkBatch(tokenIDs, mask, segments); err != nil {
		return nil, err
	}
	if len(tokenIDs) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	out := mat.NewDense(len(tokenIDs), e.dim, nil)
	row := make([]float64, e.dim)
	for i := range tokenIDs {
		for k := range row {
			row[k] = 0
		}
		count := 0
		for j, id := range tokenIDs[i] {
			if !mask[i][j] {
				continue
			}
			count++
			for k := 0; k < e.dim; k++ {
				row[k] += hashUniform(e.seed, streamToken, uint64(id), uint64(k)) +
					0.1*hashUniform(e.seed, streamPosition, uint64(j), uint64(k)) +
					0.1*hashUniform(e.seed, streamSegment, uint64(segments[i][j]), uint64(k))
			}
		}
		if count > 0 {
			for k := range row {
				row[k] = math.Tanh(row[k] / float64(count))
			}
		}
		out.SetRow(i, row)
	}
	return out, nil
}

// PatchEncoder splits each image into a gridSize×gridSize set of adaptive
// patches, averages every patch per channel and projects the means to dim
// channels through a fixed matrix followed by tanh.
type PatchEncoder struct {
	dim      int
	gridSize int
	seed     int64
}

// NewPatchEncoder creates an image encoder producing dim-channel maps.
func NewPatchEncoder(dim, gridSize int, seed int64) *PatchEncoder {
	return &PatchEncoder{dim: dim, gridSize: gridSize, seed: seed}
}

func (e *PatchEncoder) Dim() int { return e.dim }

func (e *PatchEncoder) projection(channels int) (*mat.Dense, []float64) {
	w := mat.NewDense(channels, e.dim, nil)
	for c := 0; c < channels; c++ {
		for d := 0; d < e.dim; d++ {
			w.Set(c, d, hashUniform(e.seed, streamPatch, uint64(c), uint64(d)))
		}
	}
	bias := make([]float64, e.dim)
	for d := range bias {
		bias[d] = 0.1 * hashUniform(e.seed, streamBias, 0, uint64(d))
	}
	return w, bias
}

func (e *PatchEncoder) Embed(images *tensor.Tensor) ([]*Grid, error) {
	if images.Dim() != 4 {
		return nil, fmt.Errorf("expected [N, C, H, W] images, got shape %v", images.Shape)
	}
	n, channels, h, w := images.Shape[0], images.Shape[1], images.Shape[2], images.Shape[3]
	if h == 0 || w == 0 {
		return nil, fmt.Errorf("empty image plane %dx%d", h, w)
	}

	proj, bias := e.projection(channels)
	cells := e.gridSize * e.gridSize
	means := mat.NewDense(cells, channels, nil)
	var features mat.Dense

	grids := make([]*Grid, n)
	for i := 0; i < n; i++ {
		img, err := images.Index(i)
		if err != nil {
			return nil, err
		}
		for gy := 0; gy < e.gridSize; gy++ {
			y0, y1 := adaptiveBin(gy, e.gridSize, h)
			for gx := 0; gx < e.gridSize; gx++ {
				x0, x1 := adaptiveBin(gx, e.gridSize, w)
				cell := gy*e.gridSize + gx
				for c := 0; c < channels; c++ {
					sum := 0.0
					for y := y0; y < y1; y++ {
						base := (c*h + y) * w
						for x := x0; x < x1; x++ {
							sum += float64(img.Data[base+x])
						}
					}
					means.Set(cell, c, sum/float64((y1-y0)*(x1-x0)))
				}
			}
		}

		features.Mul(means, proj)
		g := NewGrid(e.dim, e.gridSize, e.gridSize)
		for cell := 0; cell < cells; cell++ {
			for d := 0; d < e.dim; d++ {
				g.Data[d*cells+cell] = math.Tanh(features.At(cell, d) + bias[d])
			}
		}
		grids[i] = g
	}
	return grids, nil
}
