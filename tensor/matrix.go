package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// General views a row-major slice as a blas32 matrix without copying
func General(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// Gemm computes c = alpha*op(a)*op(b) + beta*c on row-major slices.
// a is m×k after transposition, b is k×n after transposition, c is m×n.
func Gemm(transA, transB bool, m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) {
	ta, tb := blas.NoTrans, blas.NoTrans
	ga := General(m, k, a)
	gb := General(k, n, b)
	if transA {
		ta = blas.Trans
		ga = General(k, m, a)
	}
	if transB {
		tb = blas.Trans
		gb = General(n, k, b)
	}
	blas32.Gemm(ta, tb, alpha, ga, gb, beta, General(m, n, c))
}

// MatMul multiplies two 2D tensors
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got %v and %v", t1.Shape, t2.Shape)
	}

	rows1, cols1 := t1.Shape[0], t1.Shape[1]
	rows2, cols2 := t2.Shape[0], t2.Shape[1]
	if cols1 != rows2 {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)", rows1, cols1, rows2, cols2)
	}

	result, err := Zeros([]int{rows1, cols2})
	if err != nil {
		return nil, err
	}
	Gemm(false, false, rows1, cols2, cols1, 1, t1.Data, t2.Data, 0, result.Data)
	return result, nil
}

// Transpose swaps the two axes of a 2D tensor
func Transpose(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose requires a 2D tensor, got %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	result, err := Zeros([]int{cols, rows})
	if err != nil {
		return nil, err
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			result.Data[j*rows+i] = t.Data[i*cols+j]
		}
	}
	return result, nil
}

// Reshape returns a tensor sharing t's storage with a new shape
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if calculateNumElements(newShape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, newShape)
	}
	return NewTensor(newShape, t.Data)
}

// Flatten collapses every axis after the first
func Flatten(t *Tensor) (*Tensor, error) {
	if len(t.Shape) < 2 {
		return Reshape(t, []int{1, t.NumElems})
	}
	return Reshape(t, []int{t.Shape[0], t.NumElems / t.Shape[0]})
}
