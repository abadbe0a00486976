package preprocessing

import (
	"fmt"
	"image"
	"math"

	"github.com/tsawler/go-srgan/tensor"
)

// ScaleLR maps pixel values [0,255] to [0,1] in place
func ScaleLR(values []float32) {
	for i, v := range values {
		values[i] = v / 255
	}
}

// UnscaleLR maps [0,1] back to [0,255] in place
func UnscaleLR(values []float32) {
	for i, v := range values {
		values[i] = v * 255
	}
}

// ScaleHR maps pixel values [0,255] to [-1,1] in place
func ScaleHR(values []float32) {
	for i, v := range values {
		values[i] = v/127.5 - 1
	}
}

// UnscaleHR maps [-1,1] back to [0,255] in place
func UnscaleHR(values []float32) {
	for i, v := range values {
		values[i] = (v + 1) * 127.5
	}
}

// Range identifies the value range of an image tensor
type Range int

const (
	RangeLR Range = iota // [0,1]
	RangeHR              // [-1,1]
)

// WritePixels stores the RGB channels of img in dst as CHW pixel values in
// [0,255]. dst must hold 3*w*h values.
func WritePixels(img *image.NRGBA, dst []float32) error {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	plane := w * h
	if len(dst) != 3*plane {
		return fmt.Errorf("destination holds %d values, image needs %d", len(dst), 3*plane)
	}
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			idx := y*w + x
			dst[idx] = float32(row[4*x])
			dst[plane+idx] = float32(row[4*x+1])
			dst[2*plane+idx] = float32(row[4*x+2])
		}
	}
	return nil
}

// WriteScaled writes img into dst as CHW values scaled to r
func WriteScaled(img *image.NRGBA, dst []float32, r Range) error {
	if err := WritePixels(img, dst); err != nil {
		return err
	}
	if r == RangeHR {
		ScaleHR(dst)
	} else {
		ScaleLR(dst)
	}
	return nil
}

// ImageToTensor converts img to a [1,3,h,w] tensor scaled to r
func ImageToTensor(img *image.NRGBA, r Range) (*tensor.Tensor, error) {
	t, err := tensor.Zeros([]int{1, 3, img.Rect.Dy(), img.Rect.Dx()})
	if err != nil {
		return nil, err
	}
	if err := WriteScaled(img, t.Data, r); err != nil {
		return nil, err
	}
	return t, nil
}

// TensorToImage converts sample n of a [N,3,h,w] tensor in range r to an
// opaque image, clamping out-of-range values
func TensorToImage(t *tensor.Tensor, n int, r Range) (*image.NRGBA, error) {
	if len(t.Shape) != 4 || t.Shape[1] != 3 {
		return nil, fmt.Errorf("expected [N,3,H,W] tensor, got %v", t.Shape)
	}
	if n < 0 || n >= t.Shape[0] {
		return nil, fmt.Errorf("sample %d out of range for batch of %d", n, t.Shape[0])
	}
	h, w := t.Shape[2], t.Shape[3]
	plane := h * w
	src := t.Data[n*3*plane : (n+1)*3*plane]

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			idx := y*w + x
			for c := 0; c < 3; c++ {
				row[4*x+c] = toByte(src[c*plane+idx], r)
			}
			row[4*x+3] = 255
		}
	}
	return img, nil
}

func toByte(v float32, r Range) uint8 {
	var p float64
	if r == RangeHR {
		p = (float64(v) + 1) * 127.5
	} else {
		p = float64(v) * 255
	}
	if math.IsNaN(p) || p <= 0 {
		return 0
	}
	if p >= 255 {
		return 255
	}
	return uint8(p + 0.5)
}
