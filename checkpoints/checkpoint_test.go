package checkpoints

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/go-srgan/engine"
	"github.com/tsawler/go-srgan/layers"
)

func buildTestModel(t *testing.T, seed int64) *engine.Model {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{-1, 3, 8, 8}).
		AddConv2D(4, 3, 1, 1, true, "conv1").
		AddBatchNorm(4, 1e-3, 0.2, "bn1").
		AddPReLU("act1").
		AddConv2D(2, 3, 2, 1, false, "conv2").
		AddDense(1, true, "dense").
		Compile()
	if err != nil {
		t.Fatalf("Failed to create test model: %v", err)
	}
	model, err := engine.NewModel(spec, seed)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	return model
}

func TestCheckpointFormats(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatProto, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "nested", "weights.h5")

			checkpoint := &Checkpoint{
				Weights: []WeightTensor{
					{Name: "dense1.weight", Shape: []int{3, 2}, Data: []float32{1, 2, 3, 4, 5, -6}, Layer: "dense1", Type: "weight"},
					{Name: "dense1.bias", Shape: []int{2}, Data: []float32{0.5, -0.25}, Layer: "dense1", Type: "bias"},
				},
				TrainingState: TrainingState{
					Epoch:        10,
					Step:         -1,
					LearningRate: 0.001,
					BestLoss:     0.5,
					TotalSteps:   1000,
				},
				OptimizerState: &OptimizerState{
					Type:       "Adam",
					Parameters: map[string]interface{}{"beta1": 0.9, "step_count": uint64(7)},
					StateData: []OptimizerTensor{
						{Name: "momentum_0", Shape: []int{6}, Data: []float32{1, 1, 1, 1, 1, 1}, StateType: "momentum"},
					},
				},
				Metadata: CheckpointMetadata{
					Version:     "1.0.0",
					Framework:   "go-srgan",
					ModelName:   "test",
					CreatedAt:   time.Unix(1700000000, 0),
					Description: "unit test",
					Tags:        []string{"a", "b"},
				},
			}

			saver := NewCheckpointSaver(format)
			if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}

			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}
			detected, err := LoadAnyCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to detect checkpoint format: %v", err)
			}

			for _, cp := range []*Checkpoint{loaded, detected} {
				if len(cp.Weights) != 2 {
					t.Fatalf("Expected 2 weights, got %d", len(cp.Weights))
				}
				if cp.Weights[0].Data[5] != -6 || cp.Weights[1].Data[1] != -0.25 {
					t.Errorf("weight data not preserved: %v %v", cp.Weights[0].Data, cp.Weights[1].Data)
				}
				if cp.Weights[0].Shape[0] != 3 || cp.Weights[0].Layer != "dense1" || cp.Weights[1].Type != "bias" {
					t.Errorf("weight metadata not preserved: %+v", cp.Weights[0])
				}
				if cp.TrainingState.Epoch != 10 || cp.TrainingState.Step != -1 || cp.TrainingState.BestLoss != 0.5 {
					t.Errorf("training state not preserved: %+v", cp.TrainingState)
				}
				if cp.Metadata.ModelName != "test" || len(cp.Metadata.Tags) != 2 || !cp.Metadata.CreatedAt.Equal(checkpoint.Metadata.CreatedAt) {
					t.Errorf("metadata not preserved: %+v", cp.Metadata)
				}
				if cp.OptimizerState == nil || cp.OptimizerState.Type != "Adam" || len(cp.OptimizerState.StateData) != 1 {
					t.Fatalf("optimizer state not preserved: %+v", cp.OptimizerState)
				}
				if v, ok := cp.OptimizerState.Parameters["step_count"].(float64); !ok || v != 7 {
					t.Errorf("step_count = %v, expected 7", cp.OptimizerState.Parameters["step_count"])
				}
			}
		})
	}
}

func TestProtoRejectsInconsistentTensor(t *testing.T) {
	checkpoint := &Checkpoint{
		Weights: []WeightTensor{{Name: "w", Shape: []int{2, 2}, Data: []float32{1, 2, 3}}},
	}
	err := NewCheckpointSaver(FormatProto).SaveCheckpoint(checkpoint, filepath.Join(t.TempDir(), "w.h5"))
	if err == nil {
		t.Fatal("expected error for data/shape mismatch")
	}
}

func TestLoadCorruptCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.h5")
	if err := os.WriteFile(path, []byte{0x22, 0xff, 0x01}, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadAnyCheckpoint(path); err == nil {
		t.Error("expected error for truncated file")
	}
	if _, err := LoadAnyCheckpoint(filepath.Join(t.TempDir(), "missing.h5")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestModelWeightsRoundTrip(t *testing.T) {
	src := buildTestModel(t, 1)
	dst := buildTestModel(t, 2)

	// make the running statistics distinguishable from their defaults
	for _, b := range src.Buffers() {
		for i := range b.Value.Data {
			b.Value.Data[i] = float32(i) + 0.5
		}
	}

	path := filepath.Join(t.TempDir(), WeightFileName("test", "generator", 4, 3))
	if err := SaveModelWeights(src, path, FormatProto, TrainingState{Epoch: 3}); err != nil {
		t.Fatalf("SaveModelWeights failed: %v", err)
	}
	cp, err := LoadModelWeights(dst, path)
	if err != nil {
		t.Fatalf("LoadModelWeights failed: %v", err)
	}
	if cp.TrainingState.Epoch != 3 {
		t.Errorf("epoch = %d, expected 3", cp.TrainingState.Epoch)
	}

	for i, p := range dst.Parameters() {
		if !p.Value.Equal(src.Parameters()[i].Value, 0) {
			t.Errorf("parameter %s not restored", p.Name)
		}
	}
	for i, b := range dst.Buffers() {
		if !b.Value.Equal(src.Buffers()[i].Value, 0) {
			t.Errorf("buffer %s not restored", b.Name)
		}
	}
}

func TestLoadWeightsValidation(t *testing.T) {
	model := buildTestModel(t, 1)
	weights := ExtractWeights(model)
	before := append([]float32(nil), model.Parameters()[0].Value.Data...)

	t.Run("missing", func(t *testing.T) {
		err := LoadWeights(model, weights[1:])
		if err == nil || !strings.Contains(err.Error(), "missing") {
			t.Errorf("expected missing weight error, got %v", err)
		}
	})

	t.Run("shape", func(t *testing.T) {
		bad := append([]WeightTensor(nil), weights...)
		last := len(bad) - 1
		bad[0] = WeightTensor{Name: bad[0].Name, Shape: []int{1}, Data: []float32{9}}
		bad[last].Data = nil
		if err := LoadWeights(model, bad); err == nil {
			t.Error("expected shape mismatch error")
		}
	})

	for i, v := range model.Parameters()[0].Value.Data {
		if v != before[i] {
			t.Fatal("failed load modified the model")
		}
	}
}

func TestWeightFileName(t *testing.T) {
	tests := []struct {
		prefix, network string
		factor, epoch   int
		want            string
	}{
		{"div2k", "generator", 4, 1200, "div2k_generator_4X_epoch1200.h5"},
		{"div2k", "discriminator", 2, 0, "div2k_discriminator_2X_epoch0.h5"},
		{"faces", "generator", 8, -1, "faces_generator_8X_epochNone.h5"},
	}
	for _, tc := range tests {
		if got := WeightFileName(tc.prefix, tc.network, tc.factor, tc.epoch); got != tc.want {
			t.Errorf("WeightFileName = %q, want %q", got, tc.want)
		}
	}
}

func TestONNXConvImport(t *testing.T) {
	src := buildTestModel(t, 3)
	path := filepath.Join(t.TempDir(), "convs.onnx")
	if err := NewONNXExporter().ExportConvWeights(src, path); err != nil {
		t.Fatalf("ExportConvWeights failed: %v", err)
	}

	graph, err := NewONNXImporter().ImportFromONNX(path)
	if err != nil {
		t.Fatalf("ImportFromONNX failed: %v", err)
	}
	convs := graph.ConvNodes()
	if len(convs) != 2 {
		t.Fatalf("expected 2 Conv nodes, got %d", len(convs))
	}
	if convs[1].Inputs[0] != "conv1" || len(convs[1].Inputs) != 2 {
		t.Errorf("unexpected inputs for second conv: %v", convs[1].Inputs)
	}

	dst := buildTestModel(t, 4)
	n, err := ImportConvWeights(dst, graph)
	if err != nil {
		t.Fatalf("ImportConvWeights failed: %v", err)
	}
	if n != 2 {
		t.Errorf("imported %d layers, expected 2", n)
	}
	for _, name := range []string{"conv1.weight", "conv1.bias", "conv2.weight"} {
		var a, b *engine.Parameter
		for i, p := range dst.Parameters() {
			if p.Name == name {
				a, b = p, src.Parameters()[i]
			}
		}
		if a == nil || !a.Value.Equal(b.Value, 0) {
			t.Errorf("%s not imported", name)
		}
	}

	// dense weights are not part of the ONNX conv graph
	denseIdx := len(dst.Parameters()) - 2
	if dst.Parameters()[denseIdx].Value.Equal(src.Parameters()[denseIdx].Value, 0) {
		t.Error("dense weights should not be imported")
	}
}

func TestONNXImportShapeMismatch(t *testing.T) {
	src := buildTestModel(t, 3)
	path := filepath.Join(t.TempDir(), "convs.onnx")
	if err := NewONNXExporter().ExportConvWeights(src, path); err != nil {
		t.Fatal(err)
	}
	graph, err := NewONNXImporter().ImportFromONNX(path)
	if err != nil {
		t.Fatal(err)
	}

	spec, err := layers.NewModelBuilder([]int{-1, 3, 8, 8}).
		AddConv2D(8, 3, 1, 1, true, "conv1").
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	other, _ := engine.NewModel(spec, 1)
	if _, err := ImportConvWeights(other, graph); err == nil {
		t.Error("expected shape mismatch error")
	}
}
