package layers

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestClassifierSpecCompile(t *testing.T) {
	tests := []struct {
		name   string
		in     int
		width  int
		depth  int
		out    int
		layers int
		params int64
	}{
		{"no hidden", 10, 4, 0, 3, 2, 10*4 + 4 + 4*3 + 3},
		{"two hidden", 6, 5, 2, 2, 4, 6*5 + 5 + 2*(5*5+5) + 5*2 + 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ClassifierSpec("clf", tt.in, tt.width, tt.depth, tt.out)
			if err != nil {
				t.Fatalf("ClassifierSpec failed: %v", err)
			}
			if len(spec.Layers) != tt.layers {
				t.Errorf("layers = %d, expected %d", len(spec.Layers), tt.layers)
			}
			if spec.TotalParameters != tt.params {
				t.Errorf("TotalParameters = %d, expected %d", spec.TotalParameters, tt.params)
			}
			if spec.OutputSize != tt.out {
				t.Errorf("OutputSize = %d, expected %d", spec.OutputSize, tt.out)
			}
			if !strings.Contains(spec.Summary(), "clf.0") {
				t.Errorf("summary missing layer name:\n%s", spec.Summary())
			}

			seq, err := spec.Build(rand.New(rand.NewSource(1)))
			if err != nil {
				t.Fatal(err)
			}
			if got := CountParameters(seq.Parameters()); got != tt.params {
				t.Errorf("built parameters = %d, expected %d", got, tt.params)
			}
		})
	}
}

func TestCompileErrors(t *testing.T) {
	if _, err := NewModelBuilder(3).Compile(); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := NewModelBuilder(0).AddDense(2, true, "a").Compile(); err == nil {
		t.Error("expected error for zero input size")
	}
	if _, err := NewModelBuilder(3).AddDense(0, true, "a").Compile(); err == nil {
		t.Error("expected error for zero output size")
	}
}

func TestDenseForwardKnownValues(t *testing.T) {
	d := NewDense(2, 2, true, "fc", rand.New(rand.NewSource(1)))
	d.Weight.Value = mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	d.Bias.Value = mat.NewDense(1, 2, []float64{0.5, -0.5})

	out, err := d.Forward(mat.NewDense(1, 2, []float64{1, 1}))
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{3.5, 6.5}
	for j, w := range want {
		if out.At(0, j) != w {
			t.Errorf("out[%d] = %f, expected %f", j, out.At(0, j), w)
		}
	}

	if _, err := d.Forward(mat.NewDense(1, 3, nil)); err == nil {
		t.Error("expected error for wrong input width")
	}
}

// loss is 0.5·Σ y² so that ∂L/∂y = y.
func halfSquare(y *mat.Dense) float64 {
	s := 0.0
	r, c := y.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			s += 0.5 * y.At(i, j) * y.At(i, j)
		}
	}
	return s
}

func TestSequentialGradientCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	spec, _ := ClassifierSpec("clf", 4, 3, 1, 2)
	seq, _ := spec.Build(rng)

	x := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
	}

	y, err := seq.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	ZeroGrad(seq.Parameters())
	if _, err := seq.Backward(y); err != nil {
		t.Fatal(err)
	}

	const h = 1e-6
	for _, p := range seq.Parameters() {
		r, c := p.Value.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				orig := p.Value.At(i, j)
				p.Value.Set(i, j, orig+h)
				up, _ := seq.Forward(x)
				p.Value.Set(i, j, orig-h)
				down, _ := seq.Forward(x)
				p.Value.Set(i, j, orig)

				numeric := (halfSquare(up) - halfSquare(down)) / (2 * h)
				analytic := p.Grad.At(i, j)
				if math.Abs(numeric-analytic) > 1e-5*math.Max(1, math.Abs(numeric)) {
					t.Errorf("%s[%d,%d]: analytic %g, numeric %g", p.Name, i, j, analytic, numeric)
				}
			}
		}
	}
}

func TestBackwardAccumulates(t *testing.T) {
	d := NewDense(2, 1, true, "fc", rand.New(rand.NewSource(3)))
	x := mat.NewDense(1, 2, []float64{1, 2})
	g := mat.NewDense(1, 1, []float64{1})

	_, _ = d.Forward(x)
	_, _ = d.Backward(g)
	_, _ = d.Backward(g)

	if d.Weight.Grad.At(0, 1) != 4 || d.Bias.Grad.At(0, 0) != 2 {
		t.Errorf("gradients not summed: dW=%v db=%v", mat.Formatted(d.Weight.Grad), mat.Formatted(d.Bias.Grad))
	}

	d.Weight.ZeroGrad()
	if d.Weight.Grad.At(0, 1) != 0 {
		t.Error("ZeroGrad did not clear")
	}

	fresh := NewDense(2, 1, false, "nob", rand.New(rand.NewSource(3)))
	if _, err := fresh.Backward(g); err == nil {
		t.Error("expected error for Backward before Forward")
	}
	if len(fresh.Parameters()) != 1 {
		t.Error("layer without bias should expose one parameter")
	}
}
