package optimizer

import (
	"encoding/json"
	"math"
	"testing"
)

// TestAdamConfig tests the Adam configuration
func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.Beta1 != 0.9 {
		t.Errorf("Expected beta1 0.9, got %f", config.Beta1)
	}
	if config.Beta2 != 0.999 {
		t.Errorf("Expected beta2 0.999, got %f", config.Beta2)
	}
	if config.Epsilon != 1e-7 {
		t.Errorf("Expected epsilon 1e-7, got %g", config.Epsilon)
	}

	if _, err := NewAdamOptimizer(config, nil); err == nil {
		t.Error("expected error for empty weight shapes")
	}
	bad := config
	bad.LearningRate = 0
	if _, err := NewAdamOptimizer(bad, [][]int{{2}}); err == nil {
		t.Error("expected error for zero learning rate")
	}
}

func TestAdamFirstStep(t *testing.T) {
	config := DefaultAdamConfig()
	config.LearningRate = 0.1
	adam, err := NewAdamOptimizer(config, [][]int{{2}, {1}})
	if err != nil {
		t.Fatalf("NewAdamOptimizer failed: %v", err)
	}

	w := [][]float32{{1, -1}, {0.5}}
	if err := adam.SetWeightBuffers(w); err != nil {
		t.Fatalf("SetWeightBuffers failed: %v", err)
	}

	// the first bias-corrected step moves each weight by ~lr against the gradient sign
	if err := adam.Step([][]float32{{2, -3}, {0}}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if math.Abs(float64(w[0][0])-0.9) > 1e-4 || math.Abs(float64(w[0][1])+0.9) > 1e-4 {
		t.Errorf("unexpected weights after first step: %v", w[0])
	}
	if w[1][0] != 0.5 {
		t.Errorf("zero gradient moved weight: %v", w[1][0])
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("step count = %d, expected 1", adam.GetStepCount())
	}
}

func TestAdamMinimisesQuadratic(t *testing.T) {
	config := DefaultAdamConfig()
	config.LearningRate = 0.05
	adam, _ := NewAdamOptimizer(config, [][]int{{3}})
	w := [][]float32{{3, -2, 5}}
	if err := adam.SetWeightBuffers(w); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 500; i++ {
		g := make([]float32, 3)
		for j, v := range w[0] {
			g[j] = 2 * v
		}
		if err := adam.Step([][]float32{g}); err != nil {
			t.Fatal(err)
		}
	}
	for j, v := range w[0] {
		if math.Abs(float64(v)) > 0.1 {
			t.Errorf("w[%d] = %v, expected near 0", j, v)
		}
	}
}

func TestAdamValidation(t *testing.T) {
	adam, _ := NewAdamOptimizer(DefaultAdamConfig(), [][]int{{2}})

	if err := adam.Step([][]float32{{1, 1}}); err == nil {
		t.Error("expected error when weights are not set")
	}
	if err := adam.SetWeightBuffers([][]float32{{1, 2, 3}}); err == nil {
		t.Error("expected size mismatch error")
	}
	if err := adam.SetWeightBuffers([][]float32{{1, 2}, {3}}); err == nil {
		t.Error("expected count mismatch error")
	}
	_ = adam.SetWeightBuffers([][]float32{{1, 2}})
	if err := adam.Step([][]float32{{1}}); err == nil {
		t.Error("expected gradient size mismatch error")
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	adam, _ := NewAdamOptimizer(DefaultAdamConfig(), [][]int{{2}})
	w := [][]float32{{1, 2}}
	_ = adam.SetWeightBuffers(w)
	for i := 0; i < 3; i++ {
		_ = adam.Step([][]float32{{0.5, -0.5}})
	}

	state, err := adam.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}

	// states pass through JSON in checkpoints, which turns numbers into float64
	raw, err := json.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}
	var decoded OptimizerState
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	restored, _ := NewAdamOptimizer(DefaultAdamConfig(), [][]int{{2}})
	if err := restored.LoadState(&decoded); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.GetStepCount() != 3 {
		t.Errorf("step count = %d, expected 3", restored.GetStepCount())
	}
	for i := range adam.MomentumBuffers[0] {
		if restored.MomentumBuffers[0][i] != adam.MomentumBuffers[0][i] ||
			restored.VarianceBuffers[0][i] != adam.VarianceBuffers[0][i] {
			t.Errorf("moment %d not restored", i)
		}
	}

	decoded.Type = "SGD"
	if err := restored.LoadState(&decoded); err == nil {
		t.Error("expected state type mismatch error")
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"momentum_0", 0},
		{"variance_12", 12},
		{"noindex", -1},
		{"bad_x", -1},
	}
	for _, tc := range tests {
		if got := extractBufferIndex(tc.name); got != tc.want {
			t.Errorf("extractBufferIndex(%q) = %d, want %d", tc.name, got, tc.want)
		}
	}
}
