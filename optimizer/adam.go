package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-srgan/checkpoints"
)

// AdamOptimizerState holds Adam hyperparameters and moment buffers
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero
	WeightDecay  float32 // L2 regularization coefficient

	MomentumBuffers [][]float32 // First moment for each weight tensor
	VarianceBuffers [][]float32 // Second moment for each weight tensor
	WeightBuffers   [][]float32 // Weight storage updated in place

	// Step tracking for bias correction
	StepCount uint64

	bufferSizes []int
}

var _ Optimizer = (*AdamOptimizerState)(nil)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer for weights of the given shapes
func NewAdamOptimizer(config AdamConfig, weightShapes [][]int) (*AdamOptimizerState, error) {
	if len(weightShapes) == 0 {
		return nil, fmt.Errorf("no weight shapes provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}

	numWeights := len(weightShapes)
	adam := &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: make([][]float32, numWeights),
		VarianceBuffers: make([][]float32, numWeights),
		WeightBuffers:   make([][]float32, numWeights),
		bufferSizes:     make([]int, numWeights),
	}

	// momentum and variance start at 0
	for i, shape := range weightShapes {
		size := calculateTensorSize(shape)
		adam.bufferSizes[i] = size
		adam.MomentumBuffers[i] = make([]float32, size)
		adam.VarianceBuffers[i] = make([]float32, size)
	}

	return adam, nil
}

// calculateTensorSize calculates the number of elements in a tensor
func calculateTensorSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// SetWeightBuffers sets the weight storage updated by Step
func (adam *AdamOptimizerState) SetWeightBuffers(weightBuffers [][]float32) error {
	if len(weightBuffers) != len(adam.bufferSizes) {
		return fmt.Errorf("expected %d weight buffers, got %d", len(adam.bufferSizes), len(weightBuffers))
	}
	for i, buf := range weightBuffers {
		if len(buf) != adam.bufferSizes[i] {
			return fmt.Errorf("weight buffer %d has %d elements, expected %d", i, len(buf), adam.bufferSizes[i])
		}
	}

	copy(adam.WeightBuffers, weightBuffers)
	return nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step(gradientBuffers [][]float32) error {
	if len(gradientBuffers) != len(adam.WeightBuffers) {
		return fmt.Errorf("gradient buffers length (%d) doesn't match weight buffers length (%d)",
			len(gradientBuffers), len(adam.WeightBuffers))
	}
	for i, w := range adam.WeightBuffers {
		if w == nil {
			return fmt.Errorf("weight buffer %d not set", i)
		}
		if len(gradientBuffers[i]) != len(w) {
			return fmt.Errorf("gradient buffer %d has %d elements, expected %d", i, len(gradientBuffers[i]), len(w))
		}
	}

	adam.StepCount++

	t := float64(adam.StepCount)
	b1, b2 := float64(adam.Beta1), float64(adam.Beta2)
	lrT := float32(float64(adam.LearningRate) * math.Sqrt(1-math.Pow(b2, t)) / (1 - math.Pow(b1, t)))
	beta1, beta2 := adam.Beta1, adam.Beta2

	for i, w := range adam.WeightBuffers {
		g := gradientBuffers[i]
		m := adam.MomentumBuffers[i]
		v := adam.VarianceBuffers[i]
		for j := range w {
			grad := g[j]
			if adam.WeightDecay != 0 {
				grad += adam.WeightDecay * w[j]
			}
			m[j] = beta1*m[j] + (1-beta1)*grad
			v[j] = beta2*v[j] + (1-beta2)*grad*grad
			w[j] -= lrT * m[j] / (float32(math.Sqrt(float64(v[j]))) + adam.Epsilon)
		}
	}

	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetStats returns optimizer statistics
func (adam *AdamOptimizerState) GetStats() AdamStats {
	return AdamStats{
		StepCount:       adam.StepCount,
		LearningRate:    adam.LearningRate,
		Beta1:           adam.Beta1,
		Beta2:           adam.Beta2,
		Epsilon:         adam.Epsilon,
		WeightDecay:     adam.WeightDecay,
		NumParameters:   len(adam.WeightBuffers),
		TotalBufferSize: adam.getTotalBufferSize(),
	}
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount       uint64
	LearningRate    float32
	Beta1           float32
	Beta2           float32
	Epsilon         float32
	WeightDecay     float32
	NumParameters   int
	TotalBufferSize int
}

// getTotalBufferSize returns the bytes held by moment buffers
func (adam *AdamOptimizerState) getTotalBufferSize() int {
	total := 0
	for _, size := range adam.bufferSizes {
		total += size * 4 * 2 // momentum + variance buffers
	}
	return total
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.MomentumBuffers))
	for i := range adam.MomentumBuffers {
		stateData = append(stateData,
			*extractBufferState(adam.MomentumBuffers[i], fmt.Sprintf("momentum_%d", i), "momentum"),
			*extractBufferState(adam.VarianceBuffers[i], fmt.Sprintf("variance_%d", i), "variance"),
		)
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	for _, tensor := range state.StateData {
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(adam.bufferSizes) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}

		var target []float32
		switch tensor.StateType {
		case "momentum":
			target = adam.MomentumBuffers[idx]
		case "variance":
			target = adam.VarianceBuffers[idx]
		default:
			return fmt.Errorf("unknown Adam state tensor type %q", tensor.StateType)
		}
		if err := restoreBufferState(target, tensor.Data, tensor.Name); err != nil {
			return err
		}
	}

	return nil
}
