package layers

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param is a trainable matrix with its accumulated gradient.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

func newParam(name string, r, c int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(r, c, nil),
		Grad:  mat.NewDense(r, c, nil),
	}
}

// Size returns the number of scalars in the parameter.
func (p *Param) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// DenseLayer computes y = x·Wᵀ + b. It keeps the last input for Backward.
type DenseLayer struct {
	Weight *Param
	Bias   *Param

	input *mat.Dense
}

// NewDense creates a layer initialised uniformly in ±1/sqrt(in), the
// default for linear layers in the common deep learning frameworks.
func NewDense(in, out int, useBias bool, name string, rng *rand.Rand) *DenseLayer {
	bound := 1 / math.Sqrt(float64(in))
	d := &DenseLayer{Weight: newParam(name+".weight", out, in)}
	fill(d.Weight.Value, bound, rng)
	if useBias {
		d.Bias = newParam(name+".bias", 1, out)
		fill(d.Bias.Value, bound, rng)
	}
	return d
}

func fill(m *mat.Dense, bound float64, rng *rand.Rand) {
	raw := m.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j := range row {
			row[j] = (rng.Float64()*2 - 1) * bound
		}
	}
}

// InputSize returns the expected input width.
func (d *DenseLayer) InputSize() int {
	_, c := d.Weight.Value.Dims()
	return c
}

// OutputSize returns the output width.
func (d *DenseLayer) OutputSize() int {
	r, _ := d.Weight.Value.Dims()
	return r
}

// Forward returns x·Wᵀ + b for a [batch × in] input.
func (d *DenseLayer) Forward(x *mat.Dense) (*mat.Dense, error) {
	_, c := x.Dims()
	if c != d.InputSize() {
		return nil, fmt.Errorf("%s: input width %d, expected %d", d.Weight.Name, c, d.InputSize())
	}
	d.input = x

	var out mat.Dense
	out.Mul(x, d.Weight.Value.T())
	if d.Bias != nil {
		bias := d.Bias.Value.RawRowView(0)
		r, _ := out.Dims()
		for i := 0; i < r; i++ {
			floats.Add(out.RawRowView(i), bias)
		}
	}
	return &out, nil
}

// Backward accumulates parameter gradients from grad (∂L/∂y) and returns
// ∂L/∂x. It must follow a Forward call.
func (d *DenseLayer) Backward(grad *mat.Dense) (*mat.Dense, error) {
	if d.input == nil {
		return nil, fmt.Errorf("%s: Backward called before Forward", d.Weight.Name)
	}

	var dW mat.Dense
	dW.Mul(grad.T(), d.input)
	d.Weight.Grad.Add(d.Weight.Grad, &dW)

	if d.Bias != nil {
		db := d.Bias.Grad.RawRowView(0)
		r, _ := grad.Dims()
		for i := 0; i < r; i++ {
			floats.Add(db, grad.RawRowView(i))
		}
	}

	var dx mat.Dense
	dx.Mul(grad, d.Weight.Value)
	return &dx, nil
}

// Parameters returns the weight and, when present, the bias.
func (d *DenseLayer) Parameters() []*Param {
	if d.Bias == nil {
		return []*Param{d.Weight}
	}
	return []*Param{d.Weight, d.Bias}
}

// Sequential chains dense layers with no activation in between.
type Sequential struct {
	Layers []*DenseLayer
}

// Forward runs every layer in order.
func (s *Sequential) Forward(x *mat.Dense) (*mat.Dense, error) {
	out := x
	for _, l := range s.Layers {
		var err error
		if out, err = l.Forward(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Backward propagates grad through the stack in reverse.
func (s *Sequential) Backward(grad *mat.Dense) (*mat.Dense, error) {
	g := grad
	for i := len(s.Layers) - 1; i >= 0; i-- {
		var err error
		if g, err = s.Layers[i].Backward(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Parameters returns every parameter in layer order.
func (s *Sequential) Parameters() []*Param {
	var ps []*Param
	for _, l := range s.Layers {
		ps = append(ps, l.Parameters()...)
	}
	return ps
}

// CountParameters sums the sizes of ps.
func CountParameters(ps []*Param) int64 {
	var n int64
	for _, p := range ps {
		n += int64(p.Size())
	}
	return n
}

// ZeroGrad clears every gradient in ps.
func ZeroGrad(ps []*Param) {
	for _, p := range ps {
		p.ZeroGrad()
	}
}
