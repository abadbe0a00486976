package engine

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-srgan/layers"
	"github.com/tsawler/go-srgan/tensor"
)

func (m *Model) initializeModelParameters(rng *rand.Rand) error {
	for layerIndex, layerSpec := range m.spec.Layers {
		params := m.layerParams[layerIndex]

		switch layerSpec.Type {
		case layers.Dense:
			inputSize := layerSpec.IntParam("input_size", 0)
			outputSize := layerSpec.IntParam("output_size", 0)
			if inputSize == 0 || outputSize == 0 {
				return fmt.Errorf("dense layer %s missing size parameters", layerSpec.Name)
			}
			initializeGlorot(params[0].Value, inputSize, outputSize, rng)

		case layers.Conv2D:
			inputChannels := layerSpec.IntParam("input_channels", 0)
			outputChannels := layerSpec.IntParam("output_channels", 0)
			kernelSize := layerSpec.IntParam("kernel_size", 0)
			if inputChannels == 0 || kernelSize == 0 {
				return fmt.Errorf("conv2d layer %s missing size parameters", layerSpec.Name)
			}
			area := kernelSize * kernelSize
			initializeGlorot(params[0].Value, inputChannels*area, outputChannels*area, rng)

		case layers.BatchNorm:
			// gamma (scale) starts at 1.0, beta (shift) at 0.0
			tensor.Fill(params[0].Value, 1)

		case layers.PReLU:
			// slopes start at zero

		case layers.ReLU, layers.LeakyReLU, layers.Tanh, layers.Sigmoid,
			layers.MaxPool2D, layers.Add, layers.DepthToSpace, layers.ChannelAffine:
			continue

		default:
			return fmt.Errorf("unsupported layer type for parameter initialization: %s", layerSpec.Type.String())
		}
	}

	return nil
}

// initializeGlorot fills t with Xavier/Glorot uniform values in [-limit, limit]
// where limit = sqrt(6 / (fan_in + fan_out)). Biases stay zero.
func initializeGlorot(t *tensor.Tensor, fanIn, fanOut int, rng *rand.Rand) {
	limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	for i := range t.Data {
		t.Data[i] = -limit + 2*limit*rng.Float32()
	}
}
