package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-srgan/tensor"
)

func mustTensor(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	x, err := tensor.NewTensor(shape, data)
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	return x
}

// numericGrad estimates dLoss/dx_i by central differences
func numericGrad(t *testing.T, loss Loss, pred, target *tensor.Tensor, i int) float64 {
	t.Helper()
	const h = 1e-3
	orig := pred.Data[i]
	pred.Data[i] = orig + h
	up, err := loss.Forward(pred, target)
	if err != nil {
		t.Fatal(err)
	}
	pred.Data[i] = orig - h
	down, err := loss.Forward(pred, target)
	if err != nil {
		t.Fatal(err)
	}
	pred.Data[i] = orig
	return (up - down) / (2 * h)
}

func TestMSELoss(t *testing.T) {
	mse := NewMSELoss()
	pred := mustTensor(t, []int{2, 2}, []float32{1, 2, 3, 4})
	target := mustTensor(t, []int{2, 2}, []float32{1, 1, 1, 1})

	loss, err := mse.Forward(pred, target)
	if err != nil {
		t.Fatal(err)
	}
	// (0 + 1 + 4 + 9) / 4
	if math.Abs(loss-3.5) > 1e-9 {
		t.Errorf("MSE = %v, want 3.5", loss)
	}

	grad, err := mse.Backward(pred, target)
	if err != nil {
		t.Fatal(err)
	}
	for i := range pred.Data {
		want := numericGrad(t, mse, pred, target, i)
		if math.Abs(float64(grad.Data[i])-want) > 1e-2 {
			t.Errorf("grad[%d] = %v, numeric %v", i, grad.Data[i], want)
		}
	}

	if _, err := mse.Forward(pred, mustTensor(t, []int{4}, []float32{1, 1, 1, 1})); err == nil {
		t.Error("expected shape mismatch error")
	}
}

func TestBCELoss(t *testing.T) {
	bce := NewBCELoss()
	pred := mustTensor(t, []int{4, 1}, []float32{0.9, 0.2, 0.6, 0.3})
	target := mustTensor(t, []int{4, 1}, []float32{1, 0, 0, 1})

	loss, err := bce.Forward(pred, target)
	if err != nil {
		t.Fatal(err)
	}
	want := -(math.Log(0.9) + math.Log(0.8) + math.Log(0.4) + math.Log(0.3)) / 4
	if math.Abs(loss-want) > 1e-6 {
		t.Errorf("BCE = %v, want %v", loss, want)
	}

	grad, err := bce.Backward(pred, target)
	if err != nil {
		t.Fatal(err)
	}
	for i := range pred.Data {
		num := numericGrad(t, bce, pred, target, i)
		if math.Abs(float64(grad.Data[i])-num) > 1e-2 {
			t.Errorf("grad[%d] = %v, numeric %v", i, grad.Data[i], num)
		}
	}
}

func TestBCELossClipsSaturatedPredictions(t *testing.T) {
	bce := NewBCELoss()
	pred := mustTensor(t, []int{2}, []float32{0, 1})
	target := mustTensor(t, []int{2}, []float32{1, 0})

	loss, err := bce.Forward(pred, target)
	if err != nil {
		t.Fatal(err)
	}
	if math.IsInf(loss, 0) || math.IsNaN(loss) {
		t.Fatalf("expected a finite loss, got %v", loss)
	}
	if want := -math.Log(bceEpsilon); math.Abs(loss-want) > 1e-3 {
		t.Errorf("BCE = %v, want %v", loss, want)
	}

	grad, err := bce.Backward(pred, target)
	if err != nil {
		t.Fatal(err)
	}
	for i, g := range grad.Data {
		if g != 0 {
			t.Errorf("clipped prediction %d should have zero gradient, got %v", i, g)
		}
	}
}

func TestAccuracy(t *testing.T) {
	pred := mustTensor(t, []int{4}, []float32{0.9, 0.4, 0.5, 0.1})
	target := mustTensor(t, []int{4}, []float32{1, 1, 1, 1})
	acc, err := Accuracy(pred, target)
	if err != nil {
		t.Fatal(err)
	}
	if acc != 0.5 {
		t.Errorf("accuracy = %v, want 0.5", acc)
	}
}

func TestPSNR(t *testing.T) {
	tests := []struct {
		mse  float64
		want float64
	}{
		{1, 0},
		{0.1, 10},
		{0.01, 20},
	}
	for _, tt := range tests {
		if got := PSNR(tt.mse); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("PSNR(%v) = %v, want %v", tt.mse, got, tt.want)
		}
	}
	if !math.IsInf(PSNR(0), 1) {
		t.Error("PSNR(0) should be +Inf")
	}
}
