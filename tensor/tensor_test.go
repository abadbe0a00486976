package tensor

import (
	"math"
	"math/rand"
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

func TestNewTensor(t *testing.T) {
	t.Run("Valid tensor", func(t *testing.T) {
		data := []float32{1, 2, 3, 4, 5, 6}
		tt, err := NewTensor([]int{2, 3}, data)
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}
		if tt.NumElems != 6 {
			t.Errorf("NumElems = %d, expected 6", tt.NumElems)
		}
		if !reflect.DeepEqual(tt.Strides, []int{3, 1}) {
			t.Errorf("Strides = %v, expected [3 1]", tt.Strides)
		}
	})

	t.Run("Mismatched data", func(t *testing.T) {
		if _, err := NewTensor([]int{2, 3}, []float32{1, 2}); err == nil {
			t.Error("expected error for mismatched data length")
		}
	})

	t.Run("Invalid shape", func(t *testing.T) {
		if _, err := NewTensor([]int{2, 0}, nil); err == nil {
			t.Error("expected error for zero dimension")
		}
		if _, err := NewTensor([]int{}, nil); err == nil {
			t.Error("expected error for empty shape")
		}
	})
}

func TestCreationHelpers(t *testing.T) {
	ones, err := Ones([]int{2, 2})
	if err != nil {
		t.Fatalf("Ones failed: %v", err)
	}
	if Sum(ones) != 4 {
		t.Errorf("Sum(ones) = %v, expected 4", Sum(ones))
	}

	rng := rand.New(rand.NewSource(1))
	u, err := RandomUniform([]int{100}, -1, 1, rng)
	if err != nil {
		t.Fatalf("RandomUniform failed: %v", err)
	}
	lo, hi := MinMax(u)
	if lo < -1 || hi >= 1 {
		t.Errorf("RandomUniform out of range: [%v, %v]", lo, hi)
	}
}

func TestElementwise(t *testing.T) {
	a, _ := NewTensor([]int{3}, []float32{1, 2, 3})
	b, _ := NewTensor([]int{3}, []float32{4, 5, 6})

	sum, err := Add(a, b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !reflect.DeepEqual(sum.Data, []float32{5, 7, 9}) {
		t.Errorf("Add = %v", sum.Data)
	}

	diff, _ := Sub(b, a)
	if !reflect.DeepEqual(diff.Data, []float32{3, 3, 3}) {
		t.Errorf("Sub = %v", diff.Data)
	}

	prod, _ := Mul(a, b)
	if !reflect.DeepEqual(prod.Data, []float32{4, 10, 18}) {
		t.Errorf("Mul = %v", prod.Data)
	}

	c, _ := NewTensor([]int{2}, []float32{1, 2})
	if _, err := Add(a, c); err == nil {
		t.Error("expected shape mismatch error")
	}
}

func TestMatMul(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	b, _ := NewTensor([]int{3, 2}, []float32{7, 8, 9, 10, 11, 12})

	c, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	expected := []float32{58, 64, 139, 154}
	if !reflect.DeepEqual(c.Data, expected) {
		t.Errorf("MatMul = %v, expected %v", c.Data, expected)
	}

	if _, err := MatMul(a, a); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestGemmTransposed(t *testing.T) {
	// a^T * b where a is stored 3x2 and b is 3x2
	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{1, 0, 0, 1, 1, 1}
	c := make([]float32, 4)
	Gemm(true, false, 2, 2, 3, 1, a, b, 0, c)
	expected := []float32{6, 8, 8, 10}
	if !reflect.DeepEqual(c, expected) {
		t.Errorf("Gemm(T,N) = %v, expected %v", c, expected)
	}

	// accumulate with beta
	Gemm(true, false, 2, 2, 3, 1, a, b, 1, c)
	if c[0] != 12 {
		t.Errorf("Gemm accumulate = %v, expected 12", c[0])
	}
}

func TestTransposeReshape(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	tr, err := Transpose(a)
	if err != nil {
		t.Fatalf("Transpose failed: %v", err)
	}
	if !reflect.DeepEqual(tr.Data, []float32{1, 4, 2, 5, 3, 6}) {
		t.Errorf("Transpose = %v", tr.Data)
	}

	r, err := a.Reshape([]int{3, 2})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	if &r.Data[0] != &a.Data[0] {
		t.Error("Reshape should share storage")
	}
	if _, err := a.Reshape([]int{4, 2}); err == nil {
		t.Error("expected error for incompatible reshape")
	}

	f, _ := NewTensor([]int{2, 3, 4, 5}, nil)
	flat, err := Flatten(f)
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	if !reflect.DeepEqual(flat.Shape, []int{2, 60}) {
		t.Errorf("Flatten shape = %v", flat.Shape)
	}
}

func TestSampleAndStack(t *testing.T) {
	a, _ := NewTensor([]int{2, 1, 1, 2}, []float32{1, 2, 3, 4})
	s, err := a.Sample(1)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if !reflect.DeepEqual(s.Data, []float32{3, 4}) {
		t.Errorf("Sample = %v", s.Data)
	}
	if _, err := a.Sample(2); err == nil {
		t.Error("expected out of range error")
	}

	s0, _ := a.Sample(0)
	st, err := Stack([]*Tensor{s, s0})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if !reflect.DeepEqual(st.Data, []float32{3, 4, 1, 2}) {
		t.Errorf("Stack = %v", st.Data)
	}
}

func TestAtSetAtAndFinite(t *testing.T) {
	a := MustZeros([]int{2, 2})
	if err := a.SetAt(3, 1, 0); err != nil {
		t.Fatalf("SetAt failed: %v", err)
	}
	v, err := a.At(1, 0)
	if err != nil || v != 3 {
		t.Errorf("At = %v, %v", v, err)
	}
	if _, err := a.At(2, 0); err == nil {
		t.Error("expected out of bounds error")
	}
	if !IsFinite(a) {
		t.Error("expected finite tensor")
	}
	a.Data[0] = float32(math.NaN())
	if IsFinite(a) {
		t.Error("NaN not detected")
	}
}
