package encoders

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// PoolType selects the reduction used inside each region.
type PoolType int

const (
	AvgPool PoolType = iota
	MaxPool
)

func (p PoolType) String() string {
	switch p {
	case AvgPool:
		return "avg"
	case MaxPool:
		return "max"
	default:
		return fmt.Sprintf("PoolType(%d)", int(p))
	}
}

// ParsePoolType accepts "avg" or "max".
func ParsePoolType(s string) (PoolType, error) {
	switch s {
	case "avg":
		return AvgPool, nil
	case "max":
		return MaxPool, nil
	}
	return 0, fmt.Errorf("unknown pool type %q (want avg or max)", s)
}

// RegionShape returns the (rows, cols) pooling layout for a region count.
// Counts 1, 2, 3, 5 and 7 become a single column; 4, 6, 8 and 9 become
// 2×2, 3×2, 4×2 and 3×3.
func RegionShape(regions int) (int, int, error) {
	switch regions {
	case 1, 2, 3, 5, 7:
		return regions, 1, nil
	case 4:
		return 2, 2, nil
	case 6:
		return 3, 2, nil
	case 8:
		return 4, 2, nil
	case 9:
		return 3, 3, nil
	}
	return 0, 0, fmt.Errorf("unsupported image region count %d (want 1-9)", regions)
}

// adaptiveBin returns the [start, end) input range feeding output cell i
// when in elements are pooled into out cells.
func adaptiveBin(i, out, in int) (int, int) {
	start := (i * in) / out
	end := ((i+1)*in + out - 1) / out
	return start, end
}

// Pooler reduces feature maps to a fixed number of regions and flattens
// them region-major, so each row is [region0 channels..., region1 channels...].
type Pooler struct {
	regions int
	rows    int
	cols    int
	kind    PoolType
}

// NewPooler validates the region count.
func NewPooler(regions int, kind PoolType) (*Pooler, error) {
	rows, cols, err := RegionShape(regions)
	if err != nil {
		return nil, err
	}
	return &Pooler{regions: regions, rows: rows, cols: cols, kind: kind}, nil
}

// Regions returns the number of pooled regions.
func (p *Pooler) Regions() int { return p.regions }

// Width returns the flattened feature width for a channels-deep map.
func (p *Pooler) Width(channels int) int { return p.regions * channels }

// Pool returns a [len(grids) × regions*channels] matrix.
func (p *Pooler) Pool(grids []*Grid) (*mat.Dense, error) {
	if len(grids) == 0 {
		return nil, fmt.Errorf("no feature maps to pool")
	}
	channels := grids[0].Channels
	out := mat.NewDense(len(grids), p.Width(channels), nil)

	for i, g := range grids {
		if g.Channels != channels {
			return nil, fmt.Errorf("feature map %d has %d channels, expected %d", i, g.Channels, channels)
		}
		if g.Height < p.rows || g.Width < p.cols {
			return nil, fmt.Errorf("feature map %dx%d smaller than pool layout %dx%d", g.Height, g.Width, p.rows, p.cols)
		}
		for r := 0; r < p.rows; r++ {
			y0, y1 := adaptiveBin(r, p.rows, g.Height)
			for q := 0; q < p.cols; q++ {
				x0, x1 := adaptiveBin(q, p.cols, g.Width)
				region := r*p.cols + q
				for c := 0; c < channels; c++ {
					out.Set(i, region*channels+c, p.reduce(g, c, y0, y1, x0, x1))
				}
			}
		}
	}
	return out, nil
}

func (p *Pooler) reduce(g *Grid, c, y0, y1, x0, x1 int) float64 {
	if p.kind == MaxPool {
		best := math.Inf(-1)
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				best = math.Max(best, g.At(c, y, x))
			}
		}
		return best
	}
	sum := 0.0
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			sum += g.At(c, y, x)
		}
	}
	return sum / float64((y1-y0)*(x1-x0))
}
