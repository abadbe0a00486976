package engine

import (
	"fmt"
	"math/rand"
	"runtime"

	"github.com/tsawler/go-srgan/layers"
	"github.com/tsawler/go-srgan/tensor"
)

// Parameter is a trainable tensor owned by one layer
type Parameter struct {
	Name  string // "<layer>.<kind>"
	Layer string
	Kind  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// Buffer is non-trainable layer state, such as BatchNorm running statistics
type Buffer struct {
	Name  string
	Layer string
	Kind  string
	Value *tensor.Tensor
}

type runningStats struct {
	mean *Buffer
	vars *Buffer
}

// Model executes a compiled ModelSpec on the CPU. A Model is not safe for
// concurrent use; the engine parallelises individual kernels internally.
type Model struct {
	spec        *layers.ModelSpec
	params      []*Parameter
	layerParams [][]*Parameter
	stats       []*runningStats
	buffers     []*Buffer
	producers   [][]int
	frozen      bool
	workers     int
}

// NewModel allocates and initialises parameters for spec. Weights use
// Glorot uniform initialisation drawn from a generator seeded with seed.
func NewModel(spec *layers.ModelSpec, seed int64) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}

	m := &Model{
		spec:        spec,
		layerParams: make([][]*Parameter, len(spec.Layers)),
		stats:       make([]*runningStats, len(spec.Layers)),
		producers:   make([][]int, len(spec.Layers)),
		workers:     runtime.GOMAXPROCS(0),
	}

	index := map[string]int{layers.InputName: -1}
	for i, layer := range spec.Layers {
		for _, in := range layer.Inputs {
			p, ok := index[in]
			if !ok {
				return nil, fmt.Errorf("layer %s reads unknown input %q", layer.Name, in)
			}
			m.producers[i] = append(m.producers[i], p)
		}
		index[layer.Name] = i

		for j, shape := range layer.ParameterShapes {
			value, err := tensor.Zeros(shape)
			if err != nil {
				return nil, fmt.Errorf("failed to allocate %s.%s: %w", layer.Name, layer.ParameterKinds[j], err)
			}
			p := &Parameter{
				Name:  layer.Name + "." + layer.ParameterKinds[j],
				Layer: layer.Name,
				Kind:  layer.ParameterKinds[j],
				Value: value,
				Grad:  tensor.MustZeros(shape),
			}
			m.params = append(m.params, p)
			m.layerParams[i] = append(m.layerParams[i], p)
		}

		if layer.Type == layers.BatchNorm {
			n := layer.IntParam("num_features", layer.OutputShape[1])
			st := &runningStats{
				mean: &Buffer{Name: layer.Name + ".running_mean", Layer: layer.Name, Kind: "running_mean", Value: tensor.MustZeros([]int{n})},
				vars: &Buffer{Name: layer.Name + ".running_var", Layer: layer.Name, Kind: "running_var", Value: tensor.MustZeros([]int{n})},
			}
			tensor.Fill(st.vars.Value, 1)
			m.stats[i] = st
			m.buffers = append(m.buffers, st.mean, st.vars)
		}
	}

	if err := m.initializeModelParameters(rand.New(rand.NewSource(seed))); err != nil {
		return nil, err
	}
	return m, nil
}

// Frozen returns a view sharing this model's parameters and buffers. The
// view never accumulates parameter gradients and never updates running
// statistics, but still propagates gradients to its input.
func (m *Model) Frozen() *Model {
	view := *m
	view.frozen = true
	return &view
}

// IsFrozen reports whether m is a frozen view
func (m *Model) IsFrozen() bool {
	return m.frozen
}

// Spec returns the compiled specification
func (m *Model) Spec() *layers.ModelSpec {
	return m.spec
}

// Parameters returns the trainable parameters in layer order
func (m *Model) Parameters() []*Parameter {
	return m.params
}

// Buffers returns non-trainable state in layer order
func (m *Model) Buffers() []*Buffer {
	return m.buffers
}

// ParameterCount returns the number of trainable scalars
func (m *Model) ParameterCount() int64 {
	return m.spec.TotalParameters
}

// SetWorkers bounds kernel parallelism. Values below one mean one.
func (m *Model) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	m.workers = n
}

// ZeroGrad clears accumulated parameter gradients
func (m *Model) ZeroGrad() {
	for _, p := range m.params {
		tensor.Fill(p.Grad, 0)
	}
}

// WeightBuffers exposes parameter storage for optimizers
func (m *Model) WeightBuffers() [][]float32 {
	out := make([][]float32, len(m.params))
	for i, p := range m.params {
		out[i] = p.Value.Data
	}
	return out
}

// GradientBuffers exposes gradient storage for optimizers
func (m *Model) GradientBuffers() [][]float32 {
	out := make([][]float32, len(m.params))
	for i, p := range m.params {
		out[i] = p.Grad.Data
	}
	return out
}

// Tape records the activations of one forward pass for Backward
type Tape struct {
	model    *Model
	training bool
	input    *tensor.Tensor
	inputs   [][]*tensor.Tensor
	outputs  []*tensor.Tensor
	caches   []interface{}
}

// Output returns the final activation of the recorded pass
func (t *Tape) Output() *tensor.Tensor {
	return t.outputs[len(t.outputs)-1]
}

func (m *Model) checkInput(input *tensor.Tensor) error {
	want := m.spec.InputShape
	if len(input.Shape) != len(want) {
		return fmt.Errorf("input rank %d does not match model input %v", len(input.Shape), want)
	}
	for i := 1; i < len(want); i++ {
		if want[i] > 0 && input.Shape[i] != want[i] {
			return fmt.Errorf("input shape %v does not match model input %v", input.Shape, want)
		}
	}
	return nil
}

// Forward runs the graph. In training mode BatchNorm normalises with batch
// statistics and, unless the model is frozen, updates its running averages.
func (m *Model) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, *Tape, error) {
	if err := m.checkInput(input); err != nil {
		return nil, nil, err
	}

	n := len(m.spec.Layers)
	tape := &Tape{
		model:    m,
		training: training,
		input:    input,
		inputs:   make([][]*tensor.Tensor, n),
		outputs:  make([]*tensor.Tensor, n),
		caches:   make([]interface{}, n),
	}

	for i := range m.spec.Layers {
		layer := &m.spec.Layers[i]
		ins := make([]*tensor.Tensor, len(m.producers[i]))
		for j, p := range m.producers[i] {
			if p < 0 {
				ins[j] = input
			} else {
				ins[j] = tape.outputs[p]
			}
		}

		out, cache, err := m.forwardLayer(i, layer, ins, training)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %s (%s): %w", layer.Name, layer.Type, err)
		}
		tape.inputs[i] = ins
		tape.outputs[i] = out
		tape.caches[i] = cache
	}

	return tape.Output(), tape, nil
}

// Predict runs an inference-mode forward pass
func (m *Model) Predict(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := m.Forward(input, false)
	return out, err
}

// Backward propagates gradOutput through the recorded pass, accumulating
// parameter gradients (unless frozen) and returning the gradient with
// respect to the model input.
func (m *Model) Backward(tape *Tape, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if tape == nil || tape.model.spec != m.spec {
		return nil, fmt.Errorf("tape was not recorded by this model")
	}
	if !gradOutput.SameShape(tape.Output()) {
		return nil, fmt.Errorf("gradient shape %v does not match output %v", gradOutput.Shape, tape.Output().Shape)
	}

	n := len(m.spec.Layers)
	grads := make([]*tensor.Tensor, n)
	grads[n-1] = gradOutput
	inputGrad := tensor.MustZeros(tape.input.Shape)

	for i := n - 1; i >= 0; i-- {
		g := grads[i]
		if g == nil {
			continue
		}
		layer := &m.spec.Layers[i]
		inGrads, err := m.backwardLayer(i, layer, tape, g)
		if err != nil {
			return nil, fmt.Errorf("layer %s (%s) backward: %w", layer.Name, layer.Type, err)
		}
		for j, p := range m.producers[i] {
			if inGrads[j] == nil {
				continue
			}
			if p < 0 {
				if err := tensor.AddInPlace(inputGrad, inGrads[j]); err != nil {
					return nil, err
				}
				continue
			}
			if grads[p] == nil {
				// kernels may hand the same tensor to several producers
				grads[p] = inGrads[j].Clone()
			} else if err := tensor.AddInPlace(grads[p], inGrads[j]); err != nil {
				return nil, err
			}
		}
		// release activation gradients early; deep generators hold many
		grads[i] = nil
	}

	return inputGrad, nil
}
