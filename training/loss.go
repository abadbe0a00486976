package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-srgan/tensor"
)

// Loss is a differentiable objective between a prediction and its target
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (float64, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

func checkSameShape(predicted, target *tensor.Tensor) error {
	if !predicted.SameShape(target) {
		return fmt.Errorf("predicted shape %v does not match target shape %v", predicted.Shape, target.Shape)
	}
	if predicted.NumElems == 0 {
		return fmt.Errorf("empty tensors")
	}
	return nil
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct{}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss() *MSELoss {
	return &MSELoss{}
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkSameShape(predicted, target); err != nil {
		return 0, err
	}
	var sum float64
	for i, p := range predicted.Data {
		d := float64(p - target.Data[i])
		sum += d * d
	}
	return sum / float64(predicted.NumElems), nil
}

// Backward computes the gradient of MSE loss: 2 * (predicted - target) / N
func (mse *MSELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSameShape(predicted, target); err != nil {
		return nil, err
	}
	grad := tensor.MustZeros(predicted.Shape)
	scale := 2 / float32(predicted.NumElems)
	for i, p := range predicted.Data {
		grad.Data[i] = scale * (p - target.Data[i])
	}
	return grad, nil
}

// bceEpsilon clips probabilities away from 0 and 1
const bceEpsilon = 1e-7

// BCELoss implements binary cross-entropy on probabilities
type BCELoss struct{}

// NewBCELoss creates a new binary cross-entropy loss function
func NewBCELoss() *BCELoss {
	return &BCELoss{}
}

func clipProbability(p float32) float64 {
	return math.Min(math.Max(float64(p), bceEpsilon), 1-bceEpsilon)
}

// Forward computes -(1/N) * sum(t*log(p) + (1-t)*log(1-p))
func (bce *BCELoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkSameShape(predicted, target); err != nil {
		return 0, err
	}
	var sum float64
	for i, v := range predicted.Data {
		p := clipProbability(v)
		t := float64(target.Data[i])
		sum -= t*math.Log(p) + (1-t)*math.Log(1-p)
	}
	return sum / float64(predicted.NumElems), nil
}

// Backward computes (p - t) / (p * (1-p) * N). The gradient is zero where
// the prediction was clipped.
func (bce *BCELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSameShape(predicted, target); err != nil {
		return nil, err
	}
	grad := tensor.MustZeros(predicted.Shape)
	n := float64(predicted.NumElems)
	for i, v := range predicted.Data {
		p := clipProbability(v)
		if p != float64(v) {
			continue
		}
		t := float64(target.Data[i])
		grad.Data[i] = float32((p - t) / (p * (1 - p) * n))
	}
	return grad, nil
}

// Accuracy returns the fraction of probabilities on the same side of 0.5
// as their binary target
func Accuracy(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkSameShape(predicted, target); err != nil {
		return 0, err
	}
	correct := 0
	for i, p := range predicted.Data {
		if (p >= 0.5) == (target.Data[i] >= 0.5) {
			correct++
		}
	}
	return float64(correct) / float64(predicted.NumElems), nil
}

// PSNR converts an MSE on [-1,1] data to peak signal-to-noise ratio. With a
// peak of 1 the ratio reduces to -10*log10(mse).
func PSNR(mse float64) float64 {
	if mse <= 0 {
		return math.Inf(1)
	}
	return -10 * math.Log10(mse)
}
