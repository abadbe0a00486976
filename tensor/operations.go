package tensor

import (
	"fmt"
	"math"
)

func checkShapesCompatible(shape1, shape2 []int) ([]int, error) {
	if len(shape1) == 0 || len(shape2) == 0 {
		return nil, fmt.Errorf("cannot operate on empty tensors")
	}
	if !shapesEqual(shape1, shape2) {
		return nil, fmt.Errorf("tensor shapes must match: %v vs %v", shape1, shape2)
	}
	return shape1, nil
}

func binaryOp(t1, t2 *Tensor, op func(a, b float32) float32) (*Tensor, error) {
	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape)
	if err != nil {
		return nil, err
	}

	for i := 0; i < t1.NumElems; i++ {
		result.Data[i] = op(t1.Data[i], t2.Data[i])
	}
	return result, nil
}

// Add returns t1 + t2 element-wise
func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, func(a, b float32) float32 { return a + b })
}

// Sub returns t1 - t2 element-wise
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, func(a, b float32) float32 { return a - b })
}

// Mul returns t1 * t2 element-wise
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, func(a, b float32) float32 { return a * b })
}

// AddInPlace accumulates src into dst
func AddInPlace(dst, src *Tensor) error {
	if _, err := checkShapesCompatible(dst.Shape, src.Shape); err != nil {
		return err
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
	return nil
}

// Scale returns t * s
func Scale(t *Tensor, s float32) *Tensor {
	out := MustZeros(t.Shape)
	for i, v := range t.Data {
		out.Data[i] = v * s
	}
	return out
}

// ScaleInPlace multiplies every element of t by s
func ScaleInPlace(t *Tensor, s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// Fill sets every element of t to value
func Fill(t *Tensor, value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// Sum returns the sum of all elements accumulated in float64
func Sum(t *Tensor) float64 {
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	return s
}

// Mean returns the mean of all elements
func Mean(t *Tensor) float64 {
	if t.NumElems == 0 {
		return 0
	}
	return Sum(t) / float64(t.NumElems)
}

// MinMax returns the smallest and largest element
func MinMax(t *Tensor) (float32, float32) {
	if len(t.Data) == 0 {
		return 0, 0
	}
	lo, hi := t.Data[0], t.Data[0]
	for _, v := range t.Data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// IsFinite reports whether no element is NaN or infinite
func IsFinite(t *Tensor) bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
