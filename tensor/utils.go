package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: t.NumElems,
	}
}

// Reshape is the method form of Reshape
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	return Reshape(t, newShape)
}

// At reads one element by multi-dimensional index
func (t *Tensor) At(indices ...int) (float32, error) {
	idx, err := t.offset(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[idx], nil
}

// SetAt writes one element by multi-dimensional index
func (t *Tensor) SetAt(value float32, indices ...int) error {
	idx, err := t.offset(indices)
	if err != nil {
		return err
	}
	t.Data[idx] = value
	return nil
}

func (t *Tensor) offset(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("number of indices (%d) must match tensor dimensions (%d)", len(indices), len(t.Shape))
	}
	idx := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d (size %d)", v, i, t.Shape[i])
		}
		idx += v * t.Strides[i]
	}
	return idx, nil
}

// Sample returns a view of sample n of a batched tensor with a leading batch of 1
func (t *Tensor) Sample(n int) (*Tensor, error) {
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("sample requires a batched tensor, got shape %v", t.Shape)
	}
	if n < 0 || n >= t.Shape[0] {
		return nil, fmt.Errorf("sample %d out of range for batch of %d", n, t.Shape[0])
	}
	per := t.NumElems / t.Shape[0]
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	shape[0] = 1
	return NewTensor(shape, t.Data[n*per:(n+1)*per])
}

// Stack concatenates same-shaped [1,...] tensors along the batch axis
func Stack(parts []*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("cannot stack zero tensors")
	}
	first := parts[0]
	if first.Shape[0] != 1 {
		return nil, fmt.Errorf("stack expects leading dimension 1, got %v", first.Shape)
	}
	shape := make([]int, len(first.Shape))
	copy(shape, first.Shape)
	shape[0] = len(parts)

	out, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	per := first.NumElems
	for i, p := range parts {
		if !p.SameShape(first) {
			return nil, fmt.Errorf("stack: tensor %d has shape %v, expected %v", i, p.Shape, first.Shape)
		}
		copy(out.Data[i*per:], p.Data)
	}
	return out, nil
}

// Equal reports whether both tensors have the same shape and values within tol
func (t *Tensor) Equal(other *Tensor, tol float32) bool {
	if !t.SameShape(other) {
		return false
	}
	for i := range t.Data {
		if float32(math.Abs(float64(t.Data[i]-other.Data[i]))) > tol {
			return false
		}
	}
	return true
}

// FromScalar creates a single-element tensor
func FromScalar(value float32) *Tensor {
	t := MustZeros([]int{1})
	t.Data[0] = value
	return t
}

// PrintData renders up to maxElements values for debugging
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Tensor(shape=%v, data=[", t.Shape))
	n := len(t.Data)
	if maxElements > 0 && n > maxElements {
		n = maxElements
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", t.Data[i]))
	}
	if n < len(t.Data) {
		sb.WriteString(", ...")
	}
	sb.WriteString("])")
	return sb.String()
}
