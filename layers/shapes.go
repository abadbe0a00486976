package layers

import (
	"fmt"
)

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShapes [][]int) ([]int, [][]int, []string, int64, error) {
	if layer.Type != Add && len(inputShapes) != 1 {
		return nil, nil, nil, 0, fmt.Errorf("%s layer takes exactly one input, got %d", layer.Type, len(inputShapes))
	}
	inputShape := inputShapes[0]

	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case PReLU:
		return computePReLUInfo(inputShape)
	case MaxPool2D:
		return computeMaxPoolInfo(layer, inputShape)
	case Add:
		return computeAddInfo(inputShapes)
	case DepthToSpace:
		return computeDepthToSpaceInfo(layer, inputShape)
	case ChannelAffine:
		return computeChannelAffineInfo(layer, inputShape)
	case ReLU, LeakyReLU, Tanh, Sigmoid:
		return computeActivationInfo(inputShape)
	default:
		return nil, nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, nil, 0, fmt.Errorf("dense layer requires at least 2D input")
	}

	outputSize, ok := layer.Parameters["output_size"].(int)
	if !ok || outputSize <= 0 {
		return nil, nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	// Flatten all dimensions except batch
	inputSize := 1
	for i := 1; i < len(inputShape); i++ {
		if inputShape[i] < 0 {
			return nil, nil, nil, 0, fmt.Errorf("dense layer requires static feature dimensions, got %v", inputShape)
		}
		inputSize *= inputShape[i]
	}
	layer.Parameters["input_size"] = inputSize

	outputShape := []int{inputShape[0], outputSize}

	paramShapes := [][]int{{inputSize, outputSize}}
	kinds := []string{"weight"}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		kinds = append(kinds, "bias")
		paramCount += int64(outputSize)
	}

	return outputShape, paramShapes, kinds, paramCount, nil
}

func convOutputDim(in, kernel, stride, padding int) int {
	if in < 0 {
		return -1
	}
	if in+2*padding < kernel {
		return 0
	}
	return (in+2*padding-kernel)/stride + 1
}

// computeConv2DInfo computes Conv2D layer information
func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, nil, 0, fmt.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels, ok := layer.Parameters["output_channels"].(int)
	if !ok || outputChannels <= 0 {
		return nil, nil, nil, 0, fmt.Errorf("missing output_channels parameter")
	}
	kernelSize, ok := layer.Parameters["kernel_size"].(int)
	if !ok || kernelSize <= 0 {
		return nil, nil, nil, 0, fmt.Errorf("missing kernel_size parameter")
	}
	stride := getIntParam(layer.Parameters, "stride", 1)
	padding := getIntParam(layer.Parameters, "padding", 0)
	useBias := getBoolParam(layer.Parameters, "use_bias", true)
	if stride <= 0 || padding < 0 {
		return nil, nil, nil, 0, fmt.Errorf("invalid stride %d or padding %d", stride, padding)
	}

	inputChannels := inputShape[1]
	if inputChannels <= 0 {
		return nil, nil, nil, 0, fmt.Errorf("Conv2D layer requires a static channel dimension")
	}
	layer.Parameters["input_channels"] = inputChannels

	outputHeight := convOutputDim(inputShape[2], kernelSize, stride, padding)
	outputWidth := convOutputDim(inputShape[3], kernelSize, stride, padding)
	if outputHeight == 0 || outputWidth == 0 || outputHeight < -1 || outputWidth < -1 {
		return nil, nil, nil, 0, fmt.Errorf("input %v too small for kernel %d", inputShape, kernelSize)
	}

	outputShape := []int{inputShape[0], outputChannels, outputHeight, outputWidth}

	// Weight tensor: [outputChannels, inputChannels, kernelSize, kernelSize]
	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	kinds := []string{"weight"}
	paramCount := int64(outputChannels * inputChannels * kernelSize * kernelSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		kinds = append(kinds, "bias")
		paramCount += int64(outputChannels)
	}

	return outputShape, paramShapes, kinds, paramCount, nil
}

// computeBatchNormInfo computes batch normalization layer information
func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, nil, 0, fmt.Errorf("batch norm layer requires at least 2D input")
	}

	numFeatures, ok := layer.Parameters["num_features"].(int)
	if !ok {
		return nil, nil, nil, 0, fmt.Errorf("missing num_features parameter")
	}
	if numFeatures != inputShape[1] {
		return nil, nil, nil, 0, fmt.Errorf("num_features (%d) doesn't match input feature dimension (%d)", numFeatures, inputShape[1])
	}

	outputShape := append([]int(nil), inputShape...)

	// running mean and variance are engine buffers, not parameters
	paramShapes := [][]int{{numFeatures}, {numFeatures}}
	return outputShape, paramShapes, []string{"gamma", "beta"}, int64(numFeatures * 2), nil
}

func computePReLUInfo(inputShape []int) ([]int, [][]int, []string, int64, error) {
	if len(inputShape) < 2 || inputShape[1] <= 0 {
		return nil, nil, nil, 0, fmt.Errorf("PReLU requires a static channel dimension, got %v", inputShape)
	}
	channels := inputShape[1]
	return append([]int(nil), inputShape...), [][]int{{channels}}, []string{"alpha"}, int64(channels), nil
}

func computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, nil, 0, fmt.Errorf("MaxPool2D requires 4D input")
	}
	pool := getIntParam(layer.Parameters, "pool_size", 2)
	stride := getIntParam(layer.Parameters, "stride", pool)
	if pool <= 0 || stride <= 0 {
		return nil, nil, nil, 0, fmt.Errorf("invalid pool size %d or stride %d", pool, stride)
	}
	outputShape := []int{
		inputShape[0], inputShape[1],
		convOutputDim(inputShape[2], pool, stride, 0),
		convOutputDim(inputShape[3], pool, stride, 0),
	}
	return outputShape, nil, nil, 0, nil
}

func computeAddInfo(inputShapes [][]int) ([]int, [][]int, []string, int64, error) {
	if len(inputShapes) < 2 {
		return nil, nil, nil, 0, fmt.Errorf("Add requires at least two inputs, got %d", len(inputShapes))
	}
	out := append([]int(nil), inputShapes[0]...)
	for _, s := range inputShapes[1:] {
		if len(s) != len(out) {
			return nil, nil, nil, 0, fmt.Errorf("Add input ranks differ: %v vs %v", out, s)
		}
		for d := range s {
			switch {
			case out[d] == s[d]:
			case out[d] < 0:
				out[d] = s[d]
			case s[d] < 0:
			default:
				return nil, nil, nil, 0, fmt.Errorf("Add input shapes differ: %v vs %v", inputShapes[0], s)
			}
		}
	}
	return out, nil, nil, 0, nil
}

func computeDepthToSpaceInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, nil, 0, fmt.Errorf("DepthToSpace requires 4D input")
	}
	r := getIntParam(layer.Parameters, "block_size", 2)
	if r <= 1 {
		return nil, nil, nil, 0, fmt.Errorf("invalid block size %d", r)
	}
	c := inputShape[1]
	if c <= 0 || c%(r*r) != 0 {
		return nil, nil, nil, 0, fmt.Errorf("channels %d not divisible by block size squared %d", c, r*r)
	}
	scale := func(d int) int {
		if d < 0 {
			return -1
		}
		return d * r
	}
	outputShape := []int{inputShape[0], c / (r * r), scale(inputShape[2]), scale(inputShape[3])}
	return outputShape, nil, nil, 0, nil
}

func computeChannelAffineInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, nil, 0, fmt.Errorf("ChannelAffine requires at least 2D input")
	}
	c := inputShape[1]
	order := layer.IntSliceParam("order")
	scale := layer.FloatSliceParam("scale")
	shift := layer.FloatSliceParam("shift")
	if len(order) != c || len(scale) != c || len(shift) != c {
		return nil, nil, nil, 0, fmt.Errorf("ChannelAffine needs order, scale and shift of length %d", c)
	}
	for _, o := range order {
		if o < 0 || o >= c {
			return nil, nil, nil, 0, fmt.Errorf("ChannelAffine order entry %d out of range", o)
		}
	}
	return append([]int(nil), inputShape...), nil, nil, 0, nil
}

// computeActivationInfo computes activation layer information (no parameters)
func computeActivationInfo(inputShape []int) ([]int, [][]int, []string, int64, error) {
	return append([]int(nil), inputShape...), nil, nil, 0, nil
}
