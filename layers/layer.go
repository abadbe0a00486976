package layers

import (
	"fmt"
)

// InputName is the implicit name of a model's input tensor
const InputName = "input"

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	MaxPool2D
	BatchNorm
	LeakyReLU
	PReLU
	Add
	DepthToSpace
	Tanh
	Sigmoid
	ChannelAffine
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case BatchNorm:
		return "BatchNorm"
	case LeakyReLU:
		return "LeakyReLU"
	case PReLU:
		return "PReLU"
	case Add:
		return "Add"
	case DepthToSpace:
		return "DepthToSpace"
	case Tanh:
		return "Tanh"
	case Sigmoid:
		return "Sigmoid"
	case ChannelAffine:
		return "ChannelAffine"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration for the execution engine.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Names of the layers feeding this one. Empty means the previous layer,
	// or the model input for the first layer.
	Inputs []string `json:"inputs,omitempty"`

	// Shape information (computed during model compilation).
	// A dimension of -1 is resolved at execution time.
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int  `json:"parameter_shapes,omitempty"`
	ParameterKinds  []string `json:"parameter_kinds,omitempty"`
	ParameterCount  int64    `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network as an immutable layer graph.
// Layers are stored in execution order.
type ModelSpec struct {
	Name   string      `json:"name"`
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	name       string
	layers     []LayerSpec
	inputShape []int
	pending    []string
	compiled   bool
}

// NewModelBuilder creates a new model builder. Use -1 for dimensions that
// are only known at execution time (batch, spatial).
func NewModelBuilder(inputShape []int) *ModelBuilder {
	s := make([]int, len(inputShape))
	copy(s, inputShape)
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: s,
		compiled:   false,
	}
}

// Named sets the model name used in summaries and checkpoints
func (mb *ModelBuilder) Named(name string) *ModelBuilder {
	mb.name = name
	return mb
}

// From routes the named layers into the next layer added
func (mb *ModelBuilder) From(names ...string) *ModelBuilder {
	mb.pending = append([]string(nil), names...)
	return mb
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if len(layer.Inputs) == 0 && len(mb.pending) > 0 {
		layer.Inputs = mb.pending
	}
	mb.pending = nil
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// LastName returns the name of the most recently added layer, or the input
func (mb *ModelBuilder) LastName() string {
	if len(mb.layers) == 0 {
		return InputName
	}
	return mb.layers[len(mb.layers)-1].Name
}

// AddDense adds a dense layer. Inputs with more than two dimensions are
// flattened.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddLeakyReLU adds a Leaky ReLU activation to the model
// negativeSlope: slope for negative input values
func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: LeakyReLU,
		Name: name,
		Parameters: map[string]interface{}{
			"negative_slope": negativeSlope,
		},
	})
}

// AddPReLU adds a parametric ReLU with one learnable slope per channel,
// shared across the spatial axes. Slopes start at zero.
func (mb *ModelBuilder) AddPReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: PReLU, Name: name})
}

// AddBatchNorm adds a Batch Normalization layer to the model
// eps: small value added for numerical stability
// momentum: weight of the current batch in the running statistics update
func (mb *ModelBuilder) AddBatchNorm(numFeatures int, eps float32, momentum float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features": numFeatures,
			"eps":          eps,
			"momentum":     momentum,
		},
	})
}

// AddMaxPool2D adds a max pooling layer
func (mb *ModelBuilder) AddMaxPool2D(poolSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
		},
	})
}

// AddSum adds an element-wise sum of the named layers
func (mb *ModelBuilder) AddSum(name string, inputs ...string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:   Add,
		Name:   name,
		Inputs: append([]string(nil), inputs...),
	})
}

// AddDepthToSpace rearranges blocks of channels into spatial blocks
func (mb *ModelBuilder) AddDepthToSpace(blockSize int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: DepthToSpace,
		Name: name,
		Parameters: map[string]interface{}{
			"block_size": blockSize,
		},
	})
}

// AddTanh adds a Tanh activation to the model
func (mb *ModelBuilder) AddTanh(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Tanh, Name: name})
}

// AddSigmoid adds a Sigmoid activation to the model
func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Sigmoid, Name: name})
}

// AddChannelAffine adds a fixed per-channel transform:
// out[c] = in[order[c]]*scale[c] + shift[c]
func (mb *ModelBuilder) AddChannelAffine(order []int, scale, shift []float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: ChannelAffine,
		Name: name,
		Parameters: map[string]interface{}{
			"order": append([]int(nil), order...),
			"scale": append([]float32(nil), scale...),
			"shift": append([]float32(nil), shift...),
		},
	})
}

// Compile resolves layer inputs, computes shapes and parameter counts and
// returns an immutable model specification
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, fmt.Errorf("input shape %v must include a batch dimension", mb.inputShape)
	}

	model := &ModelSpec{
		Name:       mb.name,
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
		Compiled:   false,
	}

	shapes := map[string][]int{InputName: model.InputShape}
	var allParameterShapes [][]int
	totalParams := int64(0)
	previous := InputName

	for i, src := range mb.layers {
		layer := cloneLayer(src)
		if layer.Name == "" {
			layer.Name = fmt.Sprintf("%s_%d", layer.Type.String(), i)
		}
		if _, dup := shapes[layer.Name]; dup {
			return nil, fmt.Errorf("duplicate layer name %q", layer.Name)
		}
		if len(layer.Inputs) == 0 {
			layer.Inputs = []string{previous}
		}

		inputShapes := make([][]int, len(layer.Inputs))
		for j, in := range layer.Inputs {
			s, ok := shapes[in]
			if !ok {
				return nil, fmt.Errorf("layer %d (%s) reads unknown input %q", i, layer.Name, in)
			}
			inputShapes[j] = s
		}

		outputShape, paramShapes, kinds, paramCount, err := computeLayerInfo(&layer, inputShapes)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.InputShape = append([]int(nil), inputShapes[0]...)
		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterKinds = kinds
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		shapes[layer.Name] = outputShape
		previous = layer.Name
		model.Layers[i] = layer
	}

	model.OutputShape = model.Layers[len(model.Layers)-1].OutputShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

func cloneLayer(src LayerSpec) LayerSpec {
	dst := src
	dst.Parameters = make(map[string]interface{}, len(src.Parameters))
	for k, v := range src.Parameters {
		dst.Parameters[k] = v
	}
	dst.Inputs = append([]string(nil), src.Inputs...)
	return dst
}

// LayerIndex returns the position of the named layer, or -1
func (ms *ModelSpec) LayerIndex(name string) int {
	for i := range ms.Layers {
		if ms.Layers[i].Name == name {
			return i
		}
	}
	return -1
}

// Truncate returns a new specification ending at the named layer. Layers
// after it are dropped; the graph must not depend on them.
func (ms *ModelSpec) Truncate(name string) (*ModelSpec, error) {
	idx := ms.LayerIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("layer %q not found in model", name)
	}
	out := &ModelSpec{
		Name:       ms.Name,
		Layers:     make([]LayerSpec, idx+1),
		InputShape: append([]int(nil), ms.InputShape...),
		Compiled:   true,
	}
	for i := 0; i <= idx; i++ {
		out.Layers[i] = cloneLayer(ms.Layers[i])
		out.ParameterShapes = append(out.ParameterShapes, ms.Layers[i].ParameterShapes...)
		out.TotalParameters += ms.Layers[i].ParameterCount
	}
	out.OutputShape = append([]int(nil), ms.Layers[idx].OutputShape...)
	return out, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	summary := "Model Summary:\n"
	if ms.Name != "" {
		summary += fmt.Sprintf("Name: %s\n", ms.Name)
	}
	summary += fmt.Sprintf("Input Shape: %v\n", ms.InputShape)
	summary += fmt.Sprintf("Output Shape: %v\n", ms.OutputShape)
	summary += fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters)
	summary += fmt.Sprintf("Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		summary += fmt.Sprintf("Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		summary += fmt.Sprintf("  Inputs: %v\n", layer.Inputs)
		summary += fmt.Sprintf("  Output: %v\n", layer.OutputShape)
		summary += fmt.Sprintf("  Params: %d\n", layer.ParameterCount)
		summary += "\n"
	}

	return summary
}

// Helper functions for parameter extraction
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		if intVal, ok := val.(int); ok {
			return intVal
		}
		// specs decoded from JSON carry numbers as float64
		if floatVal, ok := val.(float64); ok {
			return int(floatVal)
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, exists := params[key]; exists {
		if floatVal, ok := val.(float32); ok {
			return floatVal
		}
		if floatVal, ok := val.(float64); ok {
			return float32(floatVal)
		}
	}
	return defaultValue
}

// IntParam reads an integer layer parameter
func (ls *LayerSpec) IntParam(key string, defaultValue int) int {
	return getIntParam(ls.Parameters, key, defaultValue)
}

// BoolParam reads a boolean layer parameter
func (ls *LayerSpec) BoolParam(key string, defaultValue bool) bool {
	return getBoolParam(ls.Parameters, key, defaultValue)
}

// FloatParam reads a float layer parameter
func (ls *LayerSpec) FloatParam(key string, defaultValue float32) float32 {
	return getFloatParam(ls.Parameters, key, defaultValue)
}

// FloatSliceParam reads a []float32 layer parameter
func (ls *LayerSpec) FloatSliceParam(key string) []float32 {
	if v, ok := ls.Parameters[key].([]float32); ok {
		return v
	}
	return nil
}

// IntSliceParam reads a []int layer parameter
func (ls *LayerSpec) IntSliceParam(key string) []int {
	if v, ok := ls.Parameters[key].([]int); ok {
		return v
	}
	return nil
}
