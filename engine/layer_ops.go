package engine

import (
	"fmt"

	"github.com/tsawler/go-srgan/layers"
	"github.com/tsawler/go-srgan/tensor"
)

func (m *Model) forwardLayer(i int, layer *layers.LayerSpec, ins []*tensor.Tensor, training bool) (*tensor.Tensor, interface{}, error) {
	params := m.layerParams[i]
	x := ins[0]

	switch layer.Type {
	case layers.Conv2D:
		if len(x.Shape) != 4 {
			return nil, nil, fmt.Errorf("expected 4D input, got %v", x.Shape)
		}
		k := layer.IntParam("kernel_size", 1)
		pad := layer.IntParam("padding", 0)
		if x.Shape[2]+2*pad < k || x.Shape[3]+2*pad < k {
			return nil, nil, fmt.Errorf("input %v too small for kernel %d", x.Shape, k)
		}
		var bias *tensor.Tensor
		if len(params) > 1 {
			bias = params[1].Value
		}
		return conv2DForward(x, params[0].Value, bias, k, layer.IntParam("stride", 1), pad, m.workers), nil, nil

	case layers.Dense:
		flat, err := tensor.Flatten(x)
		if err != nil {
			return nil, nil, err
		}
		if flat.Shape[1] != params[0].Value.Shape[0] {
			return nil, nil, fmt.Errorf("expected %d input features, got %d", params[0].Value.Shape[0], flat.Shape[1])
		}
		var bias *tensor.Tensor
		if len(params) > 1 {
			bias = params[1].Value
		}
		return denseForward(flat, params[0].Value, bias), nil, nil

	case layers.BatchNorm:
		eps := layer.FloatParam("eps", 1e-3)
		momentum := layer.FloatParam("momentum", 0.1)
		out, cache := batchNormForward(x, params[0].Value, params[1].Value, m.stats[i], eps, momentum, training, training && !m.frozen)
		return out, cache, nil

	case layers.PReLU:
		return preluForward(x, params[0].Value), nil, nil

	case layers.ReLU:
		return leakyReLUForward(x, 0), nil, nil

	case layers.LeakyReLU:
		return leakyReLUForward(x, layer.FloatParam("negative_slope", 0.2)), nil, nil

	case layers.Tanh:
		return tanhForward(x), nil, nil

	case layers.Sigmoid:
		return sigmoidForward(x), nil, nil

	case layers.Add:
		out, err := addForward(ins)
		return out, nil, err

	case layers.DepthToSpace:
		r := layer.IntParam("block_size", 2)
		if len(x.Shape) != 4 || x.Shape[1]%(r*r) != 0 {
			return nil, nil, fmt.Errorf("cannot rearrange %v with block size %d", x.Shape, r)
		}
		return depthToSpaceForward(x, r), nil, nil

	case layers.ChannelAffine:
		return channelAffineForward(x, layer.IntSliceParam("order"), layer.FloatSliceParam("scale"), layer.FloatSliceParam("shift")), nil, nil

	case layers.MaxPool2D:
		pool := layer.IntParam("pool_size", 2)
		if len(x.Shape) != 4 || x.Shape[2] < pool || x.Shape[3] < pool {
			return nil, nil, fmt.Errorf("input %v too small for pool %d", x.Shape, pool)
		}
		out, argmax := maxPoolForward(x, pool, layer.IntParam("stride", pool))
		return out, argmax, nil

	default:
		return nil, nil, fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
}

// backwardLayer returns one gradient per layer input (nil entries are
// skipped) and accumulates parameter gradients unless the model is frozen.
func (m *Model) backwardLayer(i int, layer *layers.LayerSpec, tape *Tape, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	params := m.layerParams[i]
	ins := tape.inputs[i]
	x := ins[0]
	out := tape.outputs[i]

	grad := func(p int) *tensor.Tensor {
		if m.frozen || p >= len(params) {
			return nil
		}
		return params[p].Grad
	}

	switch layer.Type {
	case layers.Conv2D:
		dx := conv2DBackward(x, params[0].Value, g,
			layer.IntParam("kernel_size", 1), layer.IntParam("stride", 1), layer.IntParam("padding", 0),
			m.workers, grad(0), grad(1))
		return []*tensor.Tensor{dx}, nil

	case layers.Dense:
		flat, err := tensor.Flatten(x)
		if err != nil {
			return nil, err
		}
		dx, err := denseBackward(flat, params[0].Value, g, grad(0), grad(1)).Reshape(x.Shape)
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{dx}, nil

	case layers.BatchNorm:
		cache, ok := tape.caches[i].(*batchNormCache)
		if !ok {
			return nil, fmt.Errorf("missing batch norm cache")
		}
		return []*tensor.Tensor{batchNormBackward(g, params[0].Value, cache, tape.training, grad(0), grad(1))}, nil

	case layers.PReLU:
		return []*tensor.Tensor{preluBackward(x, params[0].Value, g, grad(0))}, nil

	case layers.ReLU:
		return []*tensor.Tensor{leakyReLUBackward(x, g, 0)}, nil

	case layers.LeakyReLU:
		return []*tensor.Tensor{leakyReLUBackward(x, g, layer.FloatParam("negative_slope", 0.2))}, nil

	case layers.Tanh:
		return []*tensor.Tensor{tanhBackward(out, g)}, nil

	case layers.Sigmoid:
		return []*tensor.Tensor{sigmoidBackward(out, g)}, nil

	case layers.Add:
		grads := make([]*tensor.Tensor, len(ins))
		for j := range grads {
			grads[j] = g
		}
		return grads, nil

	case layers.DepthToSpace:
		return []*tensor.Tensor{depthToSpaceBackward(g, x.Shape, layer.IntParam("block_size", 2))}, nil

	case layers.ChannelAffine:
		return []*tensor.Tensor{channelAffineBackward(g, layer.IntSliceParam("order"), layer.FloatSliceParam("scale"))}, nil

	case layers.MaxPool2D:
		argmax, ok := tape.caches[i].([]int)
		if !ok {
			return nil, fmt.Errorf("missing pooling cache")
		}
		return []*tensor.Tensor{maxPoolBackward(g, x.Shape, argmax)}, nil

	default:
		return nil, fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
}
