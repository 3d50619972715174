package tensor

import (
	"reflect"
	"testing"
)

func TestCalculateStrides(t *testing.T) {
	tests := []struct {
		shape    []int
		expected []int
	}{
		{[]int{}, []int{}},
		{[]int{5}, []int{1}},
		{[]int{2, 3}, []int{3, 1}},
		{[]int{2, 3, 4}, []int{12, 4, 1}},
		{[]int{1, 5, 1, 3}, []int{15, 3, 3, 1}},
	}

	for _, test := range tests {
		result := calculateStrides(test.shape)
		if !reflect.DeepEqual(result, test.expected) {
			t.Errorf("calculateStrides(%v) = %v, expected %v", test.shape, result, test.expected)
		}
	}
}

func TestCalculateNumElements(t *testing.T) {
	tests := []struct {
		shape    []int
		expected int
	}{
		{[]int{}, 0},
		{[]int{5}, 5},
		{[]int{2, 3}, 6},
		{[]int{2, 3, 4}, 24},
		{[]int{1, 5, 1, 3}, 15},
	}

	for _, test := range tests {
		result := calculateNumElements(test.shape)
		if result != test.expected {
			t.Errorf("calculateNumElements(%v) = %d, expected %d", test.shape, result, test.expected)
		}
	}
}

func TestNewValidatesShape(t *testing.T) {
	if _, err := New([]int{2, 0}, nil); err == nil {
		t.Error("expected error for zero dimension")
	}
	if _, err := New([]int{2, 2}, make([]float32, 3)); err == nil {
		t.Error("expected error for data/shape mismatch")
	}
	if _, err := New(nil, nil); err == nil {
		t.Error("expected error for empty shape")
	}
}

func TestAtSetAt(t *testing.T) {
	tt, err := Zeros([]int{2, 3, 4})
	if err != nil {
		t.Fatalf("Zeros failed: %v", err)
	}

	if err := tt.SetAt(7, 1, 2, 3); err != nil {
		t.Fatalf("SetAt failed: %v", err)
	}
	v, err := tt.At(1, 2, 3)
	if err != nil {
		t.Fatalf("At failed: %v", err)
	}
	if v != 7 {
		t.Errorf("At(1,2,3) = %f, expected 7", v)
	}
	if tt.Data[1*12+2*4+3] != 7 {
		t.Error("SetAt wrote to the wrong offset")
	}

	if _, err := tt.At(2, 0, 0); err == nil {
		t.Error("expected out of bounds error")
	}
	if _, err := tt.At(0, 0); err == nil {
		t.Error("expected index count error")
	}
}

func TestReshapeSharesData(t *testing.T) {
	tt, _ := New([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	r, err := tt.Reshape([]int{3, 2})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	r.Data[0] = 42
	if tt.Data[0] != 42 {
		t.Error("Reshape should share the underlying data")
	}
	if _, err := tt.Reshape([]int{4, 2}); err == nil {
		t.Error("expected error for incompatible reshape")
	}
}

func TestCloneIsDeep(t *testing.T) {
	tt, _ := New([]int{2}, []float32{1, 2})
	c := tt.Clone()
	c.Data[0] = 9
	if tt.Data[0] != 1 {
		t.Error("Clone should not share data")
	}
}

func TestStackAndIndex(t *testing.T) {
	a, _ := New([]int{2, 2}, []float32{1, 2, 3, 4})
	b, _ := New([]int{2, 2}, []float32{5, 6, 7, 8})

	s, err := Stack([]*Tensor{a, b})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if !reflect.DeepEqual(s.Shape, []int{2, 2, 2}) {
		t.Errorf("stacked shape = %v, expected [2 2 2]", s.Shape)
	}

	second, err := s.Index(1)
	if err != nil {
		t.Fatalf("Index failed: %v", err)
	}
	if !reflect.DeepEqual(second.Data, []float32{5, 6, 7, 8}) {
		t.Errorf("Index(1) = %v", second.Data)
	}

	c, _ := New([]int{4}, []float32{1, 2, 3, 4})
	if _, err := Stack([]*Tensor{a, c}); err == nil {
		t.Error("expected error stacking mismatched shapes")
	}
	if _, err := Stack(nil); err == nil {
		t.Error("expected error stacking nothing")
	}
}
